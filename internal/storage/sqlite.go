package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// SQLite is the durable driver. The query and mutation caches opened through
// it survive process restarts, which is what makes offline mutation replay
// possible.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at path and applies pragmas
// and schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion)
		return err
	case err != nil:
		return err
	case version > currentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open returns the resource for (namespace, key).
func (s *SQLite) Open(ctx context.Context, namespace, key string) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqliteResource{db: s.db, namespace: namespace, key: key}, nil
}

type sqliteResource struct {
	db        *sql.DB
	namespace string
	key       string
}

func (r *sqliteResource) Get() (Value, error) {
	var data []byte
	var version int
	err := r.db.QueryRow(
		"SELECT data, version FROM persisted_state WHERE namespace = ? AND key = ?",
		r.namespace, r.key,
	).Scan(&data, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Value{}, nil
	case err != nil:
		return Value{}, fmt.Errorf("read %s/%s: %w", r.namespace, r.key, err)
	}
	return Value{Data: data, Version: version, Found: true}, nil
}

func (r *sqliteResource) Set(update func(prev Value) ([]byte, error)) (Value, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return Value{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prev := Value{}
	var data []byte
	var version int
	err = tx.QueryRow(
		"SELECT data, version FROM persisted_state WHERE namespace = ? AND key = ?",
		r.namespace, r.key,
	).Scan(&data, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Value{}, fmt.Errorf("read %s/%s: %w", r.namespace, r.key, err)
	default:
		prev = Value{Data: data, Version: version, Found: true}
	}

	next, err := update(prev)
	if err != nil {
		return Value{}, err
	}

	_, err = tx.Exec(`
		INSERT INTO persisted_state (namespace, key, version, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		r.namespace, r.key, prev.Version+1, next,
	)
	if err != nil {
		return Value{}, fmt.Errorf("write %s/%s: %w", r.namespace, r.key, err)
	}
	if err := tx.Commit(); err != nil {
		return Value{}, fmt.Errorf("commit: %w", err)
	}
	return Value{Data: next, Version: prev.Version + 1, Found: true}, nil
}

func (r *sqliteResource) Flush() error {
	_, err := r.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}
