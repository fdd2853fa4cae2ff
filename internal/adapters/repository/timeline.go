package repository

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"github.com/Masterminds/squirrel"

	"github.com/okian/roastlog/internal/domain/model"
)

const timelineTable = "timeline_events"

var timelineColumns = []string{"id", "entity_type", "entity_id", "kind", "occurred_at", "snapshot", "created_at"}

// upsertSuffix updates an existing row in place so that its id and
// created_at survive a rebuild.
const upsertSuffix = `ON CONFLICT(entity_type, entity_id, kind) DO UPDATE SET
	occurred_at = excluded.occurred_at,
	snapshot = excluded.snapshot
RETURNING id, created_at`

func validateEvent(ev model.TimelineEvent) error {
	switch {
	case ev.EntityType == "":
		return fmt.Errorf("%w: missing entity_type", ErrInvalidEvent)
	case ev.EntityID == "":
		return fmt.Errorf("%w: missing entity_id", ErrInvalidEvent)
	case ev.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	return nil
}

// Append inserts ev or updates the row sharing its natural key.
func (s *SQLiteStore) Append(ctx context.Context, ev model.TimelineEvent) (int64, error) {
	if err := validateEvent(ev); err != nil {
		return 0, err
	}
	saved, err := s.upsert(ctx, s.writer, ev)
	if err != nil {
		return 0, storageErr("append event", err)
	}
	return saved.ID, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, q queryer, ev model.TimelineEvent) (model.TimelineEvent, error) {
	snap, err := ev.Snapshot.Encode()
	if err != nil {
		return ev, fmt.Errorf("encode snapshot: %w", err)
	}
	query, args, err := squirrel.Insert(timelineTable).
		Columns("entity_type", "entity_id", "kind", "occurred_at", "snapshot", "created_at").
		Values(string(ev.EntityType), ev.EntityID, string(ev.Kind), toMillis(ev.OccurredAt), string(snap), toMillis(s.now())).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return ev, fmt.Errorf("build upsert: %w", err)
	}
	var createdAt int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&ev.ID, &createdAt); err != nil {
		return ev, fmt.Errorf("upsert %s/%s/%s: %w", ev.EntityType, ev.EntityID, ev.Kind, err)
	}
	ev.CreatedAt = fromMillis(createdAt)
	return ev, nil
}

// DeleteForEntity removes every event whose subject is subject.
func (s *SQLiteStore) DeleteForEntity(ctx context.Context, subject model.Ref) (int, error) {
	res, err := execBuilder(ctx, s.writer, squirrel.Delete(timelineTable).Where(squirrel.Eq{
		"entity_type": string(subject.Type),
		"entity_id":   subject.ID,
	}))
	if err != nil {
		return 0, storageErr("delete events for "+subject.String(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete events for "+subject.String(), err)
	}
	return int(n), nil
}

// ReplaceForEntity makes events the full event set of subject in one
// transaction: rows are upserted in place and rows of kinds no longer
// produced are removed.
func (s *SQLiteStore) ReplaceForEntity(ctx context.Context, subject model.Ref, events []model.TimelineEvent) error {
	if err := validateSubject(subject, events); err != nil {
		return err
	}
	return s.withTx(ctx, "replace events for "+subject.String(), func(tx *sql.Tx) error {
		return s.replaceForEntity(ctx, tx, subject, events)
	})
}

// ProjectEntity runs project against the entity state inside the write
// transaction that replaces subject's events. Entity writes on this store
// wait for it to commit, so the events never describe an older entity than
// the one committed before them.
func (s *SQLiteStore) ProjectEntity(ctx context.Context, subject model.Ref, project Projector) error {
	return s.withTx(ctx, "project events for "+subject.String(), func(tx *sql.Tx) error {
		events, err := project(ctx, txReader{q: tx})
		if err != nil {
			return err
		}
		if err := validateSubject(subject, events); err != nil {
			return err
		}
		return s.replaceForEntity(ctx, tx, subject, events)
	})
}

func validateSubject(subject model.Ref, events []model.TimelineEvent) error {
	for _, ev := range events {
		if err := validateEvent(ev); err != nil {
			return err
		}
		if ev.Subject() != subject {
			return fmt.Errorf("%w: event subject %s does not match %s", ErrInvalidEvent, ev.Subject(), subject)
		}
	}
	return nil
}

func (s *SQLiteStore) replaceForEntity(ctx context.Context, tx *sql.Tx, subject model.Ref, events []model.TimelineEvent) error {
	existing, err := loadKeys(ctx, tx, squirrel.Eq{
		"entity_type": string(subject.Type),
		"entity_id":   subject.ID,
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := s.upsert(ctx, tx, ev); err != nil {
			return err
		}
		delete(existing, ev.Key())
	}
	_, err = deleteIDs(ctx, tx, existing)
	return err
}

// ReplaceBatch makes events the full contents of the log in one
// transaction. Readers observe either the old log or the new one.
func (s *SQLiteStore) ReplaceBatch(ctx context.Context, events []model.TimelineEvent) (ReplaceStats, error) {
	for _, ev := range events {
		if err := validateEvent(ev); err != nil {
			return ReplaceStats{}, err
		}
	}

	var stats ReplaceStats
	err := s.withTx(ctx, "replace batch", func(tx *sql.Tx) error {
		var err error
		stats, err = s.replaceBatch(ctx, tx, events)
		return err
	})
	if err != nil {
		return ReplaceStats{}, err
	}
	return stats, nil
}

// ProjectAll is ReplaceBatch with the events built by project from the
// entity state read inside the same transaction. No entity write can
// commit between that read and the replace.
func (s *SQLiteStore) ProjectAll(ctx context.Context, project Projector) (ReplaceStats, error) {
	var stats ReplaceStats
	err := s.withTx(ctx, "project all events", func(tx *sql.Tx) error {
		events, err := project(ctx, txReader{q: tx})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := validateEvent(ev); err != nil {
				return err
			}
		}
		stats, err = s.replaceBatch(ctx, tx, events)
		return err
	})
	if err != nil {
		return ReplaceStats{}, err
	}
	return stats, nil
}

func (s *SQLiteStore) replaceBatch(ctx context.Context, tx *sql.Tx, events []model.TimelineEvent) (ReplaceStats, error) {
	var stats ReplaceStats
	existing, err := loadKeys(ctx, tx, nil)
	if err != nil {
		return stats, err
	}
	seen := make(map[model.EventKey]struct{}, len(events))
	for _, ev := range events {
		if _, err := s.upsert(ctx, tx, ev); err != nil {
			return stats, err
		}
		key := ev.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := existing[key]; ok {
			stats.Updated++
			delete(existing, key)
		} else {
			stats.Inserted++
		}
	}
	stats.Deleted, err = deleteIDs(ctx, tx, existing)
	return stats, err
}

func loadKeys(ctx context.Context, q queryer, where squirrel.Sqlizer) (map[model.EventKey]int64, error) {
	b := squirrel.Select("id", "entity_type", "entity_id", "kind").From(timelineTable)
	if where != nil {
		b = b.Where(where)
	}
	rows, err := queryBuilder(ctx, q, b)
	if err != nil {
		return nil, fmt.Errorf("load event keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[model.EventKey]int64)
	for rows.Next() {
		var (
			id  int64
			key model.EventKey
		)
		if err := rows.Scan(&id, &key.EntityType, &key.EntityID, &key.Kind); err != nil {
			return nil, fmt.Errorf("scan event key: %w", err)
		}
		keys[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event keys: %w", err)
	}
	return keys, nil
}

func deleteIDs(ctx context.Context, q queryer, stale map[model.EventKey]int64) (int, error) {
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(stale))
	for _, id := range stale {
		ids = append(ids, id)
	}
	deleted := 0
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		res, err := execBuilder(ctx, q, squirrel.Delete(timelineTable).Where(squirrel.Eq{"id": ids[start:end]}))
		if err != nil {
			return deleted, fmt.Errorf("delete stale events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("delete stale events: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// List returns one page of the feed, newest first.
func (s *SQLiteStore) List(ctx context.Context, page Page) (PageResult, error) {
	if page.Limit <= 0 {
		return PageResult{}, fmt.Errorf("%w: %d", ErrInvalidLimit, page.Limit)
	}

	b := squirrel.Select(timelineColumns...).
		From(timelineTable).
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(page.Limit) + 1)
	if page.EntityType != "" {
		b = b.Where(squirrel.Eq{"entity_type": string(page.EntityType)})
	}
	if page.Cursor != "" {
		c, err := decodeCursor(page.Cursor)
		if err != nil {
			return PageResult{}, err
		}
		b = b.Where(squirrel.Or{
			squirrel.Lt{"occurred_at": c.occurredAt},
			squirrel.And{
				squirrel.Eq{"occurred_at": c.occurredAt},
				squirrel.Lt{"id": c.id},
			},
		})
	}

	rows, err := queryBuilder(ctx, s.reader, b)
	if err != nil {
		return PageResult{}, storageErr("list events", err)
	}
	defer rows.Close()

	events := make([]model.TimelineEvent, 0, page.Limit+1)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return PageResult{}, storageErr("list events", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return PageResult{}, storageErr("list events", err)
	}

	res := PageResult{Events: events}
	if len(events) > page.Limit {
		res.Events = events[:page.Limit]
		res.Next = cursorAfter(res.Events[page.Limit-1]).encode()
	}
	return res, nil
}

// All walks the whole feed newest first, pageSize events per query.
// Each call of the returned sequence starts from the newest event.
func (s *SQLiteStore) All(ctx context.Context, pageSize int) iter.Seq2[model.TimelineEvent, error] {
	return func(yield func(model.TimelineEvent, error) bool) {
		page := Page{Limit: pageSize}
		for {
			res, err := s.List(ctx, page)
			if err != nil {
				yield(model.TimelineEvent{}, err)
				return
			}
			for _, ev := range res.Events {
				if !yield(ev, nil) {
					return
				}
			}
			if res.Next == "" {
				return
			}
			page.Cursor = res.Next
		}
	}
}

// Count returns the number of events in the log.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+timelineTable).Scan(&n); err != nil {
		return 0, storageErr("count events", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.TimelineEvent, error) {
	var (
		ev         model.TimelineEvent
		occurredAt int64
		createdAt  int64
		snap       string
	)
	if err := r.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.Kind, &occurredAt, &snap, &createdAt); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	decoded, err := model.DecodeSnapshot([]byte(snap))
	if err != nil {
		return ev, fmt.Errorf("decode snapshot of event %d: %w", ev.ID, err)
	}
	ev.Snapshot = decoded
	ev.OccurredAt = fromMillis(occurredAt)
	ev.CreatedAt = fromMillis(createdAt)
	return ev, nil
}
