package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "studycal/internal/log"
	"studycal/internal/model"
)

// RedisConfig configures the Redis remote store.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	Address string

	// Password for Redis authentication (optional).
	Password string

	// Database number to use (default: 0).
	Database int

	// Prefix is prepended to all keys (e.g., "studycal:").
	Prefix string

	// Timeout bounds every Redis operation.
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "studycal:",
		Timeout: 5 * time.Second,
	}
}

// Redis stores every record as a field of one hash, keyed by record id,
// holding the record's JSON wire form.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{cfg: cfg, client: client}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) eventsKey() string {
	return r.cfg.Prefix + "events"
}

// Fetch returns all remote records sorted by id. Entries that are not valid
// JSON are skipped.
func (r *Redis) Fetch(ctx context.Context) ([]model.RawEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	entries, err := r.client.HGetAll(ctx, r.eventsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch events: %v", ErrUnavailable, err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]model.RawEvent, 0, len(entries))
	for _, id := range ids {
		var ev model.RawEvent
		if err := json.Unmarshal([]byte(entries[id]), &ev); err != nil {
			appLog.Error("remote: skipping undecodable event", err, "id", id)
			continue
		}
		if ev.ID == "" {
			ev.ID = id
		}
		out = append(out, ev)
	}
	return out, nil
}

// Upsert writes one record.
func (r *Redis) Upsert(ctx context.Context, ev model.RawEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.client.HSet(ctx, r.eventsKey(), ev.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, ev.ID, err)
	}
	return nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (r *Redis) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.client.HDel(ctx, r.eventsKey(), id).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
	}
	return nil
}
