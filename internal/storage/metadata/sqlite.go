// Package metadata opens the sqlite database that backs rules, executions,
// the action outbox and provider accounts, and applies its migrations.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the shared sqlite handle. Stores take DB.DB.
type DB struct {
	*sql.DB
}

// Open opens or creates the database file. Writers take the lock at
// BEGIN so concurrent outbox claims queue on busy_timeout instead of failing
// on lock upgrade.
func Open(file string) (*DB, error) {
	dsn := file + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	return open(dsn, 25)
}

// OpenMemory opens a named shared-cache in-memory database limited to one
// connection. Used by tests and dry runs.
func OpenMemory(name string) (*DB, error) {
	return open("file:"+name+"?mode=memory&cache=shared&_busy_timeout=5000", 1)
}

func open(dsn string, maxOpen int) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	if maxOpen > 5 {
		sqlDB.SetMaxIdleConns(5)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{DB: sqlDB}, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies every embedded migration newer than the schema version,
// each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	todo, err := db.pending(ctx)
	if err != nil {
		return err
	}
	for _, m := range todo {
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// PendingMigrations returns how many embedded migrations are not applied yet.
func (db *DB) PendingMigrations(ctx context.Context) (int, error) {
	todo, err := db.pending(ctx)
	return len(todo), err
}

func (db *DB) pending(ctx context.Context) ([]migration, error) {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	all, err := loadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].version > current })
	return all[i:], nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var tables int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&tables); err != nil || tables == 0 {
		return 0, err
	}

	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// loadMigrations reads migrations/NNN_name.sql sorted by NNN. Files without
// a numeric prefix are ignored.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if entry.IsDir() || !ok || path.Ext(name) != ".sql" {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: name, sql: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration SQL error: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
