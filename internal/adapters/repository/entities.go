package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/okian/roastlog/internal/domain/model"
)

const entitiesTable = "entities"

// Get loads one entity. Returns ErrNotFound when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	return getEntity(ctx, s.reader, t, id)
}

// ListAll returns every entity of type t ordered by id.
func (s *SQLiteStore) ListAll(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	return listEntities(ctx, s.reader, t)
}

// txReader reads entities through an open transaction.
type txReader struct {
	q queryer
}

var _ EntityReader = txReader{}

func (r txReader) Get(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	return getEntity(ctx, r.q, t, id)
}

func (r txReader) ListAll(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	return listEntities(ctx, r.q, t)
}

func getEntity(ctx context.Context, q queryer, t model.EntityType, id string) (model.Entity, error) {
	query, args, err := squirrel.Select("body").
		From(entitiesTable).
		Where(squirrel.Eq{"entity_type": string(t), "entity_id": id}).
		ToSql()
	if err != nil {
		return model.Entity{}, storageErr("get entity", err)
	}
	var body string
	err = q.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("%w: %s:%s", ErrNotFound, t, id)
	}
	if err != nil {
		return model.Entity{}, storageErr("get entity "+string(t)+":"+id, err)
	}
	return decodeEntity(body)
}

func listEntities(ctx context.Context, q queryer, t model.EntityType) ([]model.Entity, error) {
	rows, err := queryBuilder(ctx, q, squirrel.Select("body").
		From(entitiesTable).
		Where(squirrel.Eq{"entity_type": string(t)}).
		OrderBy("entity_id"))
	if err != nil {
		return nil, storageErr("list "+string(t), err)
	}
	defer rows.Close()

	out := []model.Entity{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storageErr("list "+string(t), err)
		}
		e, err := decodeEntity(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list "+string(t), err)
	}
	return out, nil
}

// Put creates or replaces an entity and returns the stored record.
// CreatedAt of an existing record is preserved.
func (s *SQLiteStore) Put(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.Type == "" || e.ID == "" {
		return model.Entity{}, fmt.Errorf("%w: entity needs type and id", ErrInvalidEntity)
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		prev, err := s.Get(ctx, e.Type, e.ID)
		switch {
		case err == nil:
			e.CreatedAt = prev.CreatedAt
		case errors.Is(err, ErrNotFound):
			e.CreatedAt = now
		default:
			return model.Entity{}, err
		}
	}
	e.UpdatedAt = now
	body, err := json.Marshal(e)
	if err != nil {
		return model.Entity{}, storageErr("encode entity", err)
	}
	_, err = execBuilder(ctx, s.writer, squirrel.Insert(entitiesTable).
		Columns("entity_type", "entity_id", "body", "updated_at").
		Values(string(e.Type), e.ID, string(body), toMillis(now)).
		Suffix("ON CONFLICT(entity_type, entity_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at"))
	if err != nil {
		return model.Entity{}, storageErr("put entity "+e.Key().String(), err)
	}
	return e, nil
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, ref model.Ref) error {
	_, err := execBuilder(ctx, s.writer, squirrel.Delete(entitiesTable).Where(squirrel.Eq{
		"entity_type": string(ref.Type),
		"entity_id":   ref.ID,
	}))
	if err != nil {
		return storageErr("delete entity "+ref.String(), err)
	}
	return nil
}

func decodeEntity(body string) (model.Entity, error) {
	var e model.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return model.Entity{}, storageErr("decode entity", err)
	}
	return e, nil
}
