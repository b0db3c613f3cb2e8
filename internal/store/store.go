// Package store persists the model-file cache index in SQLite, with
// WAL mode for concurrent reads and crash-safe writes. It never stores
// chat history, pool state, or session data — that lives only in
// memory inside internal/instance.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runlocal/infergate/internal/domain"
)

// Store implements domain.ModelFileStore.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/models.db, enabling
// WAL mode and a busy timeout so concurrent readers don't fail under a
// single writer.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "models.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying connection is alive, used by the health
// checker (internal/health).
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) migrate() error {
	const schema = `CREATE TABLE IF NOT EXISTS models (
		name       TEXT PRIMARY KEY,
		path       TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		pulled_at  INTEGER NOT NULL,
		last_used  INTEGER
	)`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert records rec, replacing any existing row for rec.Name.
func (s *Store) Upsert(rec domain.ModelFileRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO models (name, path, size_bytes, pulled_at, last_used)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			path=excluded.path, size_bytes=excluded.size_bytes,
			pulled_at=excluded.pulled_at, last_used=excluded.last_used`,
		rec.Name, rec.Path, rec.SizeBytes, rec.PulledAt.Unix(), nullableUnix(rec.LastUsed),
	)
	return err
}

// Get returns the record for name, or nil if it has never been pulled.
func (s *Store) Get(name string) (*domain.ModelFileRecord, error) {
	row := s.db.QueryRow(
		`SELECT name, path, size_bytes, pulled_at, last_used FROM models WHERE name = ?`, name,
	)
	return scanRecord(row)
}

// List returns every known model file, most recently used first.
func (s *Store) List() ([]domain.ModelFileRecord, error) {
	rows, err := s.db.Query(
		`SELECT name, path, size_bytes, pulled_at, last_used FROM models
		 ORDER BY COALESCE(last_used, pulled_at) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelFileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Touch updates last_used to now for name.
func (s *Store) Touch(name string) error {
	_, err := s.db.Exec(`UPDATE models SET last_used = ? WHERE name = ?`, time.Now().Unix(), name)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*domain.ModelFileRecord, error) {
	var rec domain.ModelFileRecord
	var pulledAt int64
	var lastUsed sql.NullInt64

	err := sc.Scan(&rec.Name, &rec.Path, &rec.SizeBytes, &pulledAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.PulledAt = time.Unix(pulledAt, 0)
	if lastUsed.Valid {
		rec.LastUsed = time.Unix(lastUsed.Int64, 0)
	}
	return &rec, nil
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
