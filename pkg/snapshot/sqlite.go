package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	identity  TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL DEFAULT 0,
	taken     INTEGER NOT NULL DEFAULT 0,
	data      BLOB
)`

// SQLiteStore persists snapshots in a single SQLite table. A row without data
// only records a last-seen timestamp.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	var (
		lastSeen, taken int64
		data            []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen, taken, data FROM identities WHERE identity = ? AND data IS NOT NULL`,
		id.String(),
	).Scan(&lastSeen, &taken, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return Snapshot{
		Identity: id,
		Taken:    FromMillis(taken),
		LastSeen: FromMillis(lastSeen),
		Data:     data,
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	data := snap.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (identity, last_seen, taken, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   last_seen = excluded.last_seen,
		   taken = excluded.taken,
		   data = excluded.data`,
		snap.Identity.String(), ToMillis(snap.LastSeen), ToMillis(snap.Taken), data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Identity, err)
	}
	return nil
}

func (s *SQLiteStore) LastSeen(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen FROM identities WHERE identity = ?`, id.String(),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last seen %s: %w", id, err)
	}
	return FromMillis(ms), nil
}

func (s *SQLiteStore) SetLastSeen(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (identity, last_seen) VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET last_seen = excluded.last_seen`,
		id.String(), ToMillis(t),
	)
	if err != nil {
		return fmt.Errorf("set last seen %s: %w", id, err)
	}
	return nil
}
