package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT    NOT NULL,
	cache_key  TEXT    NOT NULL,
	norm_key   TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	PRIMARY KEY (generation, cache_key)
);
CREATE INDEX IF NOT EXISTS entries_norm_idx ON entries (generation, norm_key, seq);
`

// SQLiteStorage stores generations in a SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (or creates) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Open implements Storage.
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		StoreErrors.WithLabelValues("sqlite", "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}
	if err := ensureGeneration(ctx, s.db, name); err != nil {
		StoreErrors.WithLabelValues("sqlite", "open").Inc()
		return nil, err
	}
	return &sqliteGeneration{db: s.db, name: name}, nil
}

// Lookup implements Storage.
func (s *SQLiteStorage) Lookup(ctx context.Context, name string) (Generation, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM generations WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "lookup").Inc()
		return nil, fmt.Errorf("sqlite lookup generation: %w", err)
	}
	return &sqliteGeneration{db: s.db, name: name}, nil
}

func ensureGeneration(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)`,
		name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert generation: %w", err)
	}
	return nil
}

// Names implements Storage.
func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "names").Inc()
		return nil, fmt.Errorf("sqlite list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			StoreErrors.WithLabelValues("sqlite", "names").Inc()
			return nil, fmt.Errorf("sqlite scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete implements Storage.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		StoreErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("sqlite delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("sqlite delete generation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		StoreErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("sqlite commit: %w", err)
	}
	return n > 0, nil
}

type sqliteGeneration struct {
	db   *sql.DB
	name string
}

func (g *sqliteGeneration) Name() string { return g.name }

func (g *sqliteGeneration) Match(ctx context.Context, key cache.RequestKey, opts MatchOptions) (*cache.CacheEntry, error) {
	var data []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT data FROM entries WHERE generation = ? AND cache_key = ?`,
		g.name, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) && opts.IgnoreQuery {
		err = g.db.QueryRowContext(ctx,
			`SELECT data FROM entries WHERE generation = ? AND norm_key = ? ORDER BY seq LIMIT 1`,
			g.name, key.Normalized().String()).Scan(&data)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("sqlite", "match").Inc()
		return nil, fmt.Errorf("sqlite match: %w", err)
	}

	entry, err := cache.UnmarshalEntry(data)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "match").Inc()
		return nil, err
	}
	return entry, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, key cache.RequestKey, entry *cache.CacheEntry) error {
	data, err := cache.MarshalEntry(entry)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	// Inserts only while the generation row exists, so a deleted
	// generation is never recreated by a late write.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entries (generation, cache_key, norm_key, seq, data)
		SELECT ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE generation = ?), ?
		WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)
		ON CONFLICT (generation, cache_key) DO UPDATE SET data = excluded.data`,
		g.name, key.String(), key.Normalized().String(), g.name, data, g.name)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite put entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite rows affected: %w", err)
	}
	if n == 0 {
		return ErrGenerationNotFound
	}
	if err := tx.Commit(); err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]cache.RequestKey, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT cache_key FROM entries WHERE generation = ? ORDER BY seq`, g.name)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "keys").Inc()
		return nil, fmt.Errorf("sqlite list keys: %w", err)
	}
	defer rows.Close()

	var keys []cache.RequestKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			StoreErrors.WithLabelValues("sqlite", "keys").Inc()
			return nil, fmt.Errorf("sqlite scan key: %w", err)
		}
		key, err := cache.ParseRequestKey(id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
