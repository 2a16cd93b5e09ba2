package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"studycal/internal/model"
	"studycal/internal/series"
)

// OpKind is the kind of a pending remote write.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Op is one remote write waiting in the outbox.
type Op struct {
	Seq       int64
	Kind      OpKind
	EventID   string
	Event     model.RawEvent
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// OpsFor turns a mutation into outbox operations, deletes first, mirroring
// the order Calendar.Apply uses.
func OpsFor(m series.Mutation) []Op {
	ops := make([]Op, 0, len(m.Deletes)+len(m.Upserts))
	for _, id := range m.Deletes {
		ops = append(ops, Op{Kind: OpDelete, EventID: id})
	}
	for _, rec := range m.Upserts {
		ops = append(ops, Op{Kind: OpUpsert, EventID: rec.ID, Event: rec.ToRaw()})
	}
	return ops
}

// Enqueue appends ops to the outbox in order.
func (s *Store) Enqueue(ctx context.Context, ops []Op) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.inTx(ctx, "enqueue", func(tx *sql.Tx) error {
		for _, op := range ops {
			var body string
			if op.Kind == OpUpsert {
				b, err := json.Marshal(op.Event)
				if err != nil {
					return fmt.Errorf("marshal %s: %w", op.EventID, err)
				}
				body = string(b)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO outbox (op, event_id, body, attempts, last_error, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, string(op.Kind), op.EventID, body, op.Attempts, op.LastError, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns up to limit queued ops, oldest first. limit <= 0 means all.
func (s *Store) Pending(ctx context.Context, limit int) ([]Op, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op, event_id, body, attempts, last_error, created_at
		FROM outbox ORDER BY seq LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		var (
			op            Op
			kind, body    string
			createdAtText string
		)
		if err := rows.Scan(&op.Seq, &kind, &op.EventID, &body, &op.Attempts, &op.LastError, &createdAtText); err != nil {
			return nil, fmt.Errorf("pending: %w", err)
		}
		op.Kind = OpKind(kind)
		if body != "" {
			if err := json.Unmarshal([]byte(body), &op.Event); err != nil {
				return nil, fmt.Errorf("pending: decode op %d: %w", op.Seq, err)
			}
		}
		op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtText)
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of queued ops.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Ack removes a delivered op.
func (s *Store) Ack(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *Store) MarkFailed(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE seq = ?
	`, msg, seq)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", seq, err)
	}
	return nil
}
