// Package syncer keeps the in-memory calendar, the SQLite cache and the
// remote store in step. Local writes are applied optimistically; remote
// writes that fail wait in the outbox until Replay delivers them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studycal/internal/calendar"
	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/remote"
	"studycal/internal/series"
	"studycal/internal/storage"
)

// Syncer coordinates persistence for one calendar.
type Syncer struct {
	cal    *calendar.Calendar
	store  *storage.Store
	remote remote.Store

	// serializes remote delivery so ops reach the remote in outbox order
	mu sync.Mutex

	now func() time.Time
}

// New returns a Syncer. rem may be nil, in which case every write stays
// local and nothing is queued.
func New(cal *calendar.Calendar, store *storage.Store, rem remote.Store) *Syncer {
	return &Syncer{
		cal:    cal,
		store:  store,
		remote: rem,
		now:    time.Now,
	}
}

// HasRemote reports whether a remote store is configured.
func (s *Syncer) HasRemote() bool {
	return s.remote != nil
}

// Load replaces the calendar contents with the SQLite cache.
func (s *Syncer) Load(ctx context.Context) error {
	records, err := s.store.LoadEvents(ctx, s.cal.Location())
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	s.cal.Replace(records)
	appLog.Info("syncer: loaded cache", "records", len(records))
	return nil
}

// Apply stamps and applies a mutation locally, persists it, then tries to
// deliver it remotely. A remote failure is not returned: the undelivered
// ops are queued and the local state stands. The stamped mutation is
// returned.
func (s *Syncer) Apply(ctx context.Context, m series.Mutation) (series.Mutation, error) {
	if m.Empty() {
		return m, nil
	}

	stamp := s.now().UTC()
	stamped := series.Mutation{
		Deletes: append([]string(nil), m.Deletes...),
		Upserts: make([]model.EventRecord, 0, len(m.Upserts)),
	}
	for _, rec := range m.Upserts {
		rec = rec.Clone()
		rec.UpdatedAt = stamp
		stamped.Upserts = append(stamped.Upserts, rec)
	}

	s.cal.Apply(stamped)
	if err := s.store.SaveMutation(ctx, stamped); err != nil {
		return stamped, fmt.Errorf("persist mutation: %w", err)
	}

	if s.remote == nil {
		return stamped, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ops := storage.OpsFor(stamped)

	// Anything already waiting must go first.
	pending, err := s.store.PendingCount(ctx)
	if err != nil {
		return stamped, err
	}
	if pending > 0 {
		if err := s.store.Enqueue(ctx, ops); err != nil {
			return stamped, fmt.Errorf("queue remote writes: %w", err)
		}
		appLog.Debug("syncer: queued behind pending ops", "ops", len(ops), "pending", pending)
		return stamped, nil
	}

	for i, op := range ops {
		if err := s.deliver(ctx, op); err != nil {
			appLog.Warn("syncer: remote write failed, queueing", "event", op.EventID, "op", string(op.Kind), "err", err.Error())
			rest := ops[i:]
			rest[0].Attempts = 1
			rest[0].LastError = err.Error()
			if qerr := s.store.Enqueue(ctx, rest); qerr != nil {
				return stamped, fmt.Errorf("queue remote writes: %w", qerr)
			}
			return stamped, nil
		}
	}
	return stamped, nil
}

// Replay delivers queued ops oldest first and stops at the first failure,
// which is recorded on the op and returned. It returns the number of ops
// delivered.
func (s *Syncer) Replay(ctx context.Context) (int, error) {
	if s.remote == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.store.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, op := range ops {
		if err := s.deliver(ctx, op); err != nil {
			if merr := s.store.MarkFailed(ctx, op.Seq, err); merr != nil {
				return delivered, errors.Join(err, merr)
			}
			return delivered, fmt.Errorf("replay op %d (%s %s): %w", op.Seq, op.Kind, op.EventID, err)
		}
		if err := s.store.Ack(ctx, op.Seq); err != nil {
			return delivered, err
		}
		delivered++
	}

	if delivered > 0 {
		appLog.Info("syncer: replayed outbox", "delivered", delivered)
	}
	return delivered, nil
}

// Refresh replays the outbox and, once it is empty, merges the remote
// collection into the calendar and rewrites the cache. The merge is
// skipped while local writes are still undelivered so they are not
// overwritten by stale remote copies.
func (s *Syncer) Refresh(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}

	if _, err := s.Replay(ctx); err != nil {
		return err
	}

	pending, err := s.store.PendingCount(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		appLog.Info("syncer: refresh deferred, outbox not empty", "pending", pending)
		return nil
	}

	raws, err := s.remote.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote: %w", err)
	}

	incoming := make([]model.EventRecord, 0, len(raws))
	for _, raw := range raws {
		rec, dropped := raw.Hydrate(s.cal.Location())
		if len(dropped) > 0 {
			appLog.Warn("syncer: dropped malformed fields", "event", rec.ID, "fields", dropped)
		}
		incoming = append(incoming, rec)
	}

	merged := s.cal.Merge(incoming)
	if err := s.store.ReplaceEvents(ctx, merged); err != nil {
		return fmt.Errorf("rewrite cache: %w", err)
	}
	appLog.Info("syncer: refreshed from remote", "fetched", len(incoming), "records", len(merged))
	return nil
}

func (s *Syncer) deliver(ctx context.Context, op storage.Op) error {
	switch op.Kind {
	case storage.OpUpsert:
		return s.remote.Upsert(ctx, op.Event)
	case storage.OpDelete:
		return s.remote.Delete(ctx, op.EventID)
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}
