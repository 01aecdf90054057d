package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteBackend stores the registry in a SQLite database.
type SQLiteBackend struct{ db *sql.DB }

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, url, last_seen, api_key FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var lastSeen string
		if err := rows.Scan(&r.Name, &r.URL, &lastSeen, &r.Credential); err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", ErrRegistryCorrupt, err)
		}
		if r.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			return nil, fmt.Errorf("%w: agent %s last_seen: %v", ErrRegistryCorrupt, r.Name, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	return out, nil
}

// Save replaces every row inside one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, records []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents`); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (name, url, last_seen, api_key) VALUES (?, ?, ?, ?)`,
			r.Name, r.URL, r.LastSeen.UTC().Format(time.RFC3339Nano), r.Credential)
		if err != nil {
			return fmt.Errorf("insert agent %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if b.db == nil {
		return errors.New("db not initialized")
	}
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
