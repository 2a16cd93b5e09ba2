// Package remote defines the remote event store and its Redis implementation.
package remote

import (
	"context"
	"errors"

	"studycal/internal/model"
)

// ErrUnavailable marks failures worth retrying later (network, timeouts).
var ErrUnavailable = errors.New("remote: unavailable")

// Store is the remote copy of the event collection. Records cross this
// boundary in their wire form; hydration happens on the caller's side.
type Store interface {
	Fetch(ctx context.Context) ([]model.RawEvent, error)
	Upsert(ctx context.Context, ev model.RawEvent) error
	Delete(ctx context.Context, id string) error
}
