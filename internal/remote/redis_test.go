package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/model"
)

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig("localhost:6379")
	assert.Equal(t, "localhost:6379", cfg.Address)
	assert.Equal(t, "studycal:", cfg.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	r := &Redis{cfg: cfg}
	assert.Equal(t, "studycal:events", r.eventsKey())
}

func TestNewRedis_UnreachableServer(t *testing.T) {
	cfg := DefaultRedisConfig("127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond

	_, err := NewRedis(context.Background(), cfg)
	assert.Error(t, err)
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig(mr.Addr())
	cfg.Timeout = time.Second
	r, err := NewRedis(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedis_UpsertFetch(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	b := model.RawEvent{ID: "b", Start: "2024-03-04T09:00:00Z", End: "2024-03-04T10:00:00Z", Title: "Reading"}
	a := model.RawEvent{
		ID:         "a",
		Start:      "2024-03-01T09:00",
		End:        "2024-03-01T10:00",
		Title:      "Flashcards",
		Recurrence: &model.RawRecurrence{Type: model.RecurrenceDaily},
		Tags:       []string{"lang"},
		Energy:     2,
	}
	require.NoError(t, r.Upsert(ctx, b))
	require.NoError(t, r.Upsert(ctx, a))

	assert.Contains(t, mr.HGet("studycal:events", "a"), `"title":"Flashcards"`)

	got, err := r.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])

	a.Title = "Flashcards (hard deck)"
	require.NoError(t, r.Upsert(ctx, a))
	got, err = r.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Flashcards (hard deck)", got[0].Title)
}

func TestRedis_FetchEmpty(t *testing.T) {
	r, _ := newTestRedis(t)

	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedis_FetchSkipsUndecodableAndFillsID(t *testing.T) {
	r, mr := newTestRedis(t)

	mr.HSet("studycal:events",
		"bad", "not json",
		"anon", `{"start":"2024-03-04T09:00:00Z","end":"2024-03-04T10:00:00Z","title":"Untitled"}`,
	)

	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "anon", got[0].ID)
	assert.Equal(t, "Untitled", got[0].Title)
}

func TestRedis_Delete(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, model.RawEvent{ID: "a", Title: "A"}))
	require.NoError(t, r.Upsert(ctx, model.RawEvent{ID: "b", Title: "B"}))

	require.NoError(t, r.Delete(ctx, "a"))
	require.NoError(t, r.Delete(ctx, "missing"))

	keys, err := mr.HKeys("studycal:events")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestRedis_PrefixIsolatesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := DefaultRedisConfig(mr.Addr())
	cfg.Prefix = "other:"
	r, err := NewRedis(ctx, cfg)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Upsert(ctx, model.RawEvent{ID: "a", Title: "A"}))
	assert.True(t, mr.Exists("other:events"))
	assert.False(t, mr.Exists("studycal:events"))
}

func TestRedis_ServerErrorsAreUnavailable(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	mr.SetError("ERR injected failure")

	_, err := r.Fetch(ctx)
	assert.True(t, errors.Is(err, ErrUnavailable), err)
	err = r.Upsert(ctx, model.RawEvent{ID: "a"})
	assert.True(t, errors.Is(err, ErrUnavailable), err)
	err = r.Delete(ctx, "a")
	assert.True(t, errors.Is(err, ErrUnavailable), err)

	mr.SetError("")
	require.NoError(t, r.Upsert(ctx, model.RawEvent{ID: "a"}))
}

func TestRedis_ServerGone(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable), err)
	err = r.Upsert(context.Background(), model.RawEvent{ID: "a"})
	assert.True(t, errors.Is(err, ErrUnavailable), err)
}
