// Package artifactcache is a local SQLite-backed cache for visual artifacts
// (screenshots and generated images) so UI re-renders never re-fetch them.
// The cache is bounded; the oldest artifacts are pruned as new ones land.
package artifactcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxEntries bounds the cache; artifacts past the cap are pruned
// oldest-first.
const DefaultMaxEntries = 20

// Store is the SQLite-backed artifact cache.
type Store struct {
	db  *sql.DB
	max int
}

// Artifact is one cached artifact.
type Artifact struct {
	ID              string `json:"id"`
	MimeType        string `json:"mime_type"`
	Data            []byte `json:"-"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Open opens or creates the cache at path. maxEntries <= 0 selects
// DefaultMaxEntries.
func Open(path string, maxEntries int) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{db: db, max: maxEntries}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores an artifact and prunes past the cap.
func (s *Store) Put(ctx context.Context, id string, mimeType string, data []byte) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing artifact id")
	}
	if len(data) == 0 {
		return errors.New("empty artifact data")
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts(id, mime_type, data, created_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET mime_type=excluded.mime_type, data=excluded.data, created_at_unix_ms=excluded.created_at_unix_ms;
`, id, mimeType, data, now)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return s.prune(ctx)
}

// Get returns a cached artifact, or false when it was pruned or never stored.
func (s *Store) Get(ctx context.Context, id string) (Artifact, bool, error) {
	if s == nil || s.db == nil {
		return Artifact{}, false, errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Artifact{}, false, errors.New("missing artifact id")
	}
	var out Artifact
	err := s.db.QueryRowContext(ctx, `
SELECT id, mime_type, data, created_at_unix_ms FROM artifacts WHERE id = ?;
`, id).Scan(&out.ID, &out.MimeType, &out.Data, &out.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, err
	}
	return out, true, nil
}

// List returns cached artifact metadata, newest first, without payloads.
func (s *Store) List(ctx context.Context) ([]Artifact, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, mime_type, created_at_unix_ms FROM artifacts ORDER BY created_at_unix_ms DESC, id DESC;
`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.MimeType, &a.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes one artifact.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?;`, strings.TrimSpace(id))
	return err
}

// Clear removes everything.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts;`)
	return err
}

func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM artifacts WHERE id NOT IN (
  SELECT id FROM artifacts ORDER BY created_at_unix_ms DESC, id DESC LIMIT ?
);
`, s.max)
	if err != nil {
		return fmt.Errorf("prune artifacts: %w", err)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS artifacts (
  id TEXT PRIMARY KEY,
  mime_type TEXT NOT NULL,
  data BLOB NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_created_at ON artifacts(created_at_unix_ms);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
