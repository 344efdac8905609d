package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cuemby/tenement/pkg/log"
)

// Store is the SQLite-backed persistence layer for token hashes and the
// searchable log table.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path, enforces WAL
// journaling and foreign keys, and runs migrations. Both pragmas are
// mandatory; a database that refuses them is a fatal startup error.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows one writer with concurrent readers. The pool holds
	// several connections; a writer that finds the database locked waits
	// up to busy_timeout instead of failing at once with SQLITE_BUSY.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, path: path}
	if err := s.verifyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) verifyPragmas() error {
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		return fmt.Errorf("failed to read journal_mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal_mode is %q, need WAL", mode)
	}
	var fk int
	if err := s.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		return fmt.Errorf("failed to read foreign_keys: %w", err)
	}
	if fk != 1 {
		return fmt.Errorf("foreign_keys pragma is off")
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		seq      INTEGER PRIMARY KEY,
		ts       INTEGER NOT NULL,
		service  TEXT NOT NULL,
		instance TEXT NOT NULL,
		stream   TEXT NOT NULL,
		severity TEXT NOT NULL,
		message  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_service ON logs(service, seq);
	CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);

	CREATE VIRTUAL TABLE IF NOT EXISTS logs_fts USING fts5(
		message, content='logs', content_rowid='seq'
	);
	CREATE TRIGGER IF NOT EXISTS logs_ai AFTER INSERT ON logs BEGIN
		INSERT INTO logs_fts(rowid, message) VALUES (new.seq, new.message);
	END;
	CREATE TRIGGER IF NOT EXISTS logs_ad AFTER DELETE ON logs BEGIN
		INSERT INTO logs_fts(logs_fts, rowid, message) VALUES ('delete', old.seq, old.message);
	END;
	CREATE TRIGGER IF NOT EXISTS logs_au AFTER UPDATE ON logs BEGIN
		INSERT INTO logs_fts(logs_fts, rowid, message) VALUES ('delete', old.seq, old.message);
		INSERT INTO logs_fts(rowid, message) VALUES (new.seq, new.message);
	END;

	CREATE TABLE IF NOT EXISTS tokens (
		id           TEXT PRIMARY KEY,
		hash         TEXT NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		expires_at   INTEGER,
		last_used_at INTEGER
	);`,
}

// migrate applies pending schema versions. Idempotent: the version table
// records what already ran.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, unixepoch())`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.WithComponent("store").Info().Int("version", v+1).Msg("applied schema migration")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
