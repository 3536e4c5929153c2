// Package sqlite is the modernc.org/sqlite durable store for conclave
// sessions, roles, spotlight and chat.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/conclave/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Store is a SQLite-backed storage.Store. Committed writes are published to
// the configured storage.Publisher.
type Store struct {
	sqlDB     *sql.DB
	publisher storage.Publisher
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets the change publisher.
func WithPublisher(publisher storage.Publisher) Option {
	return func(s *Store) {
		s.publisher = publisher
	}
}

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens the store at path and applies embedded migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection keeps transactions from racing for the write lock.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying database. Nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// publish forwards a committed change. The write already succeeded, so
// publish failures are logged and not returned.
func (s *Store) publish(ctx context.Context, change storage.Change, buildErr error) {
	if s.publisher == nil {
		return
	}
	if buildErr != nil {
		log.Printf("sqlite: build change failed err=%v", buildErr)
		return
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		log.Printf("sqlite: publish change failed session=%q table=%s err=%v", change.SessionID, change.Table, err)
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
