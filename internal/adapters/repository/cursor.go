package repository

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/okian/roastlog/internal/domain/model"
)

// cursor is the position of the last event of a page in
// (occurred_at DESC, id DESC) order.
type cursor struct {
	occurredAt int64
	id         int64
}

func cursorAfter(ev model.TimelineEvent) cursor {
	return cursor{occurredAt: toMillis(ev.OccurredAt), id: ev.ID}
}

func (c cursor) encode() string {
	raw := strconv.FormatInt(c.occurredAt, 10) + ":" + strconv.FormatInt(c.id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return cursor{}, fmt.Errorf("%w: malformed token", ErrInvalidCursor)
	}
	c := cursor{}
	if c.occurredAt, err = strconv.ParseInt(ts, 10, 64); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.id, err = strconv.ParseInt(id, 10, 64); err != nil || c.id <= 0 {
		return cursor{}, fmt.Errorf("%w: bad id", ErrInvalidCursor)
	}
	return c, nil
}
