// Package storage is the local SQLite cache of event records and the outbox
// of remote writes that still have to be delivered.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/series"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - events + outbox
const currentSchemaVersion = 1

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating its directory if
// needed. The database uses WAL mode and a single connection, since SQLite
// allows only one writer.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// LoadEvents returns every cached record. Bodies are hydrated in loc;
// malformed timestamps are dropped and logged, never fatal.
func (s *Store) LoadEvents(ctx context.Context, loc *time.Location) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM events ORDER BY start_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		var raw model.RawEvent
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			appLog.Error("storage: skipping undecodable event", err, "id", id)
			continue
		}
		rec, dropped := raw.Hydrate(loc)
		if len(dropped) > 0 {
			appLog.Warn("storage: dropped malformed fields", "id", id, "fields", dropped)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return out, nil
}

// SaveMutation writes a mutation in one transaction.
func (s *Store) SaveMutation(ctx context.Context, m series.Mutation) error {
	return s.inTx(ctx, "save mutation", func(tx *sql.Tx) error {
		return writeMutation(ctx, tx, m)
	})
}

// ReplaceEvents swaps the cached collection for records.
func (s *Store) ReplaceEvents(ctx context.Context, records []model.EventRecord) error {
	return s.inTx(ctx, "replace events", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
			return err
		}
		return writeMutation(ctx, tx, series.Mutation{Upserts: records})
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func writeMutation(ctx context.Context, tx *sql.Tx, m series.Mutation) error {
	for _, id := range m.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	for _, rec := range m.Upserts {
		body, err := json.Marshal(rec.ToRaw())
		if err != nil {
			return fmt.Errorf("marshal %s: %w", rec.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, body, start_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				body = excluded.body,
				start_at = excluded.start_at,
				updated_at = excluded.updated_at
		`,
			rec.ID,
			string(body),
			sortableTime(rec.Start),
			sortableTime(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
	}
	return nil
}

// sortableTime renders t in UTC so that lexical order is time order.
// Zero times become "" and sort first in SQL; LoadEvents callers re-sort.
func sortableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
