package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - timeline_events and entities tables
const currentSchemaVersion = 1

const (
	defaultReadConns = 4
	busyTimeoutMS    = 5000
	// deleteChunk keeps IN lists under SQLite's bound-variable limit.
	deleteChunk = 500
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore keeps the timeline event log and the entity store in one
// SQLite database.
//
// Writes go through a single connection; reads use a separate pool so that,
// under WAL, a feed request never waits on a replace in progress and only
// ever observes committed state.
type SQLiteStore struct {
	writer    *sql.DB
	reader    *sql.DB
	now       func() time.Time
	readConns int
}

var (
	_ EventLog     = (*SQLiteStore)(nil)
	_ EntityReader = (*SQLiteStore)(nil)
)

// Open creates or opens the database at path and applies the schema.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, storageErr("open", errors.New("empty database path"))
	}
	s := &SQLiteStore{
		now:       time.Now,
		readConns: defaultReadConns,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)

	// Write transactions take the write lock up front so that reads made
	// inside them cannot be invalidated by another process's commit.
	writer, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, storageErr("open writer", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, storageErr("connect writer", err)
	}
	if err := applySchema(writer); err != nil {
		_ = writer.Close()
		return nil, storageErr("apply schema", err)
	}

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, storageErr("open reader", err)
	}
	reader.SetMaxOpenConns(s.readConns)
	reader.SetMaxIdleConns(s.readConns)
	if err := reader.Ping(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, storageErr("connect reader", err)
	}

	s.writer = writer
	s.reader = reader
	return s, nil
}

// Close closes both connection pools.
func (s *SQLiteStore) Close() error {
	var errs []error
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.reader.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op+": commit", err)
	}
	return nil
}

func execBuilder(ctx context.Context, q queryer, b squirrel.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func queryBuilder(ctx context.Context, q queryer, b squirrel.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}
