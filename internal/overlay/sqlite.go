package overlay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLiteStore keeps scopes in a sqlite table so the overlay survives gateway
// restarts. Expired rows are invisible to Load and removed by Cleanup.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path and migrates it.
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create overlay db directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open overlay db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect overlay db: %w", err)
	}

	store := NewSQLiteStore(db, ttl)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an already opened database.
func NewSQLiteStore(db *sql.DB, ttl time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}
}

// Migrate creates the overlay table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS overlay_scopes (
			scope TEXT PRIMARY KEY,
			entries TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_overlay_scopes_expires ON overlay_scopes(expires_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate overlay db: %w", err)
		}
	}
	return nil
}

// PingContext checks the connection.
func (s *SQLiteStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the scope's entries unless expired.
func (s *SQLiteStore) Load(ctx context.Context, scope string) ([]Entry, error) {
	return s.load(ctx, s.db, scope)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, scope string) ([]Entry, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT entries FROM overlay_scopes WHERE scope = ? AND (expires_at = 0 OR expires_at > ?)`,
		scope, s.now().Unix()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load overlay: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode overlay: %w", err)
	}
	return entries, nil
}

// Update runs the read-modify-write inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, scope string, fn func([]Entry) []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin overlay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.load(ctx, tx, scope)
	if err != nil {
		return err
	}
	next := fn(current)

	if len(next) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM overlay_scopes WHERE scope = ?`, scope); err != nil {
			return fmt.Errorf("delete overlay: %w", err)
		}
		return tx.Commit()
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}

	now := s.now()
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).Unix()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO overlay_scopes (scope, entries, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			entries = excluded.entries,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		scope, string(data), expiresAt, now.Unix())
	if err != nil {
		return fmt.Errorf("save overlay: %w", err)
	}
	return tx.Commit()
}

// Cleanup deletes expired scopes.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM overlay_scopes WHERE expires_at != 0 AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
