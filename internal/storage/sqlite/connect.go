// Package sqlite is the durable store behind every PTC component. Each
// logical table (messages, workers, task_claims, dead_letters) lives in
// its own database file so coordinator and workers can share state
// through the filesystem.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*/*.sql
var embedMigrations embed.FS

// open opens a single sqlite database file and applies the migration set
// for the named store. The connection pool is capped at one writer; the
// engine is single-writer and the busy timeout absorbs claim contention.
func open(ctx context.Context, path, migrationDir string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, db, migrationDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB, dir string) error {
	fsys, err := fs.Sub(embedMigrations, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("failed to open migration dir %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Stores bundles the four PTC stores over their database files.
type Stores struct {
	Messages    *MessageStore
	Workers     *WorkerStore
	Claims      *ClaimStore
	DeadLetters *DeadLetterStore
}

// Paths names the four database files.
type Paths struct {
	Messages    string
	Workers     string
	Claims      string
	DeadLetters string
}

// OpenAll opens all four stores, migrating each as needed.
func OpenAll(ctx context.Context, p Paths) (*Stores, error) {
	msgs, err := NewMessageStore(ctx, p.Messages)
	if err != nil {
		return nil, fmt.Errorf("messages store: %w", err)
	}
	workers, err := NewWorkerStore(ctx, p.Workers)
	if err != nil {
		msgs.Close()
		return nil, fmt.Errorf("workers store: %w", err)
	}
	claims, err := NewClaimStore(ctx, p.Claims)
	if err != nil {
		msgs.Close()
		workers.Close()
		return nil, fmt.Errorf("task claims store: %w", err)
	}
	dls, err := NewDeadLetterStore(ctx, p.DeadLetters)
	if err != nil {
		msgs.Close()
		workers.Close()
		claims.Close()
		return nil, fmt.Errorf("dead letters store: %w", err)
	}
	return &Stores{Messages: msgs, Workers: workers, Claims: claims, DeadLetters: dls}, nil
}

// Close closes every store, returning the first error seen.
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.Messages, s.Workers, s.Claims, s.DeadLetters} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Time columns are stored as integer milliseconds since the epoch.

func timeToMs(t time.Time) int64 { return t.UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMsToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}
