package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/calendar"
	"studycal/internal/model"
	"studycal/internal/remote"
	"studycal/internal/series"
	"studycal/internal/storage"
)

var utc = time.UTC

type fakeRemote struct {
	mu     sync.Mutex
	events map[string]model.RawEvent
	calls  []string
	down   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{events: make(map[string]model.RawEvent)}
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeRemote) Fetch(ctx context.Context) ([]model.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, remote.ErrUnavailable
	}
	out := make([]model.RawEvent, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeRemote) Upsert(ctx context.Context, ev model.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return remote.ErrUnavailable
	}
	f.calls = append(f.calls, "upsert "+ev.ID)
	f.events[ev.ID] = ev
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return remote.ErrUnavailable
	}
	f.calls = append(f.calls, "delete "+id)
	delete(f.events, id)
	return nil
}

func rec(id string, d int) model.EventRecord {
	start := time.Date(2024, time.March, d, 9, 0, 0, 0, utc)
	return model.EventRecord{
		ID:      id,
		Start:   start,
		End:     start.Add(time.Hour),
		Details: model.Details{Title: id},
	}
}

func setup(t *testing.T, rem remote.Store) (*Syncer, *calendar.Calendar, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "studycal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cal := calendar.New(calendar.Options{Location: utc})
	s := New(cal, store, rem)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, utc) }
	return s, cal, store
}

func TestApply_NoRemoteStaysLocal(t *testing.T) {
	s, cal, store := setup(t, nil)
	ctx := context.Background()

	got, err := s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("a", 1)}})
	require.NoError(t, err)
	require.Len(t, got.Upserts, 1)
	assert.False(t, got.Upserts[0].UpdatedAt.IsZero())

	_, ok := cal.Get("a")
	assert.True(t, ok)

	cached, err := store.LoadEvents(ctx, utc)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, s.HasRemote())
}

func TestApply_DeliversToRemote(t *testing.T) {
	rem := newFakeRemote()
	s, _, store := setup(t, rem)
	ctx := context.Background()

	_, err := s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("a", 1)}})
	require.NoError(t, err)
	_, err = s.Apply(ctx, series.Mutation{Deletes: []string{"a"}, Upserts: []model.EventRecord{rec("b", 2)}})
	require.NoError(t, err)

	assert.Equal(t, []string{"upsert a", "delete a", "upsert b"}, rem.calls)
	assert.Contains(t, rem.events, "b")
	assert.NotContains(t, rem.events, "a")

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_RemoteDownQueuesAndKeepsLocalState(t *testing.T) {
	rem := newFakeRemote()
	rem.setDown(true)
	s, cal, store := setup(t, rem)
	ctx := context.Background()

	_, err := s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("a", 1)}})
	require.NoError(t, err)

	_, ok := cal.Get("a")
	assert.True(t, ok)

	ops, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)

	// Later writes queue behind the pending one even when the remote is back.
	rem.setDown(false)
	_, err = s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("b", 2)}})
	require.NoError(t, err)
	assert.Empty(t, rem.calls)

	delivered, err := s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"upsert a", "upsert b"}, rem.calls)
}

func TestReplay_StopsAtFirstFailure(t *testing.T) {
	rem := newFakeRemote()
	rem.setDown(true)
	s, _, store := setup(t, rem)
	ctx := context.Background()

	_, err := s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("a", 1), rec("b", 2)}})
	require.NoError(t, err)

	delivered, err := s.Replay(ctx)
	assert.Zero(t, delivered)
	assert.True(t, errors.Is(err, remote.ErrUnavailable))

	ops, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, 2, ops[0].Attempts)
	assert.Equal(t, 0, ops[1].Attempts)
}

func TestRefresh_MergesRemoteWhenOutboxEmpty(t *testing.T) {
	rem := newFakeRemote()
	remoteA := rec("a", 1)
	remoteA.Title = "from remote"
	rem.events["a"] = remoteA.ToRaw()
	rem.events["c"] = rec("c", 3).ToRaw()
	rem.events["bad"] = model.RawEvent{ID: "bad", Start: "soon", End: "later"}

	s, cal, store := setup(t, rem)
	ctx := context.Background()

	local := rec("a", 1)
	local.Title = "local"
	cal.Replace([]model.EventRecord{local, rec("b", 2)})

	require.NoError(t, s.Refresh(ctx))

	got, ok := cal.Get("a")
	require.True(t, ok)
	assert.Equal(t, "from remote", got.Title)

	records := cal.Records()
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "bad"}, ids)

	cached, err := store.LoadEvents(ctx, utc)
	require.NoError(t, err)
	assert.Len(t, cached, 4)
}

func TestRefresh_DeferredWhileOutboxPending(t *testing.T) {
	rem := newFakeRemote()
	rem.setDown(true)
	s, cal, _ := setup(t, rem)
	ctx := context.Background()

	_, err := s.Apply(ctx, series.Mutation{Upserts: []model.EventRecord{rec("a", 1)}})
	require.NoError(t, err)

	err = s.Refresh(ctx)
	assert.Error(t, err)

	rem.setDown(false)
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, []string{"upsert a"}, rem.calls)
	assert.Equal(t, 1, cal.Len())
}

func TestLoad_ReadsCache(t *testing.T) {
	s, cal, store := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, store.ReplaceEvents(ctx, []model.EventRecord{rec("a", 1), rec("b", 2)}))
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 2, cal.Len())
}
