// Package storage persists swap sessions, processed chain events, and
// observer cursors in PostgreSQL. It is the single source of truth the
// coordinator reloads from after a restart.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// ErrSwapNotFound is returned when a swap lookup finds no matching record.
var ErrSwapNotFound = errors.New("swap not found")

// ErrSwapExists is returned when creating a swap whose id is already taken.
var ErrSwapExists = errors.New("swap already exists")

// ErrInvalidTransition is returned when an update would move a swap along
// an edge the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrTerminalState is returned when an update tries to move a swap out of
// a terminal status. Terminal swaps only accept error message appends.
var ErrTerminalState = errors.New("swap is in a terminal state")

// SwapStore defines swap session persistence.
type SwapStore interface {
	CreateSwap(ctx context.Context, swap *htlc.Swap) error
	GetSwap(ctx context.Context, id string) (*htlc.Swap, error)
	GetSwapByHashlock(ctx context.Context, hashlock string) (*htlc.Swap, error)
	GetSwapByContract(ctx context.Context, chain htlc.Chain, contractID string) (*htlc.Swap, error)
	// UpdateSwap applies mutate to the stored swap inside a transaction.
	// Status changes are checked against the state machine before commit.
	UpdateSwap(ctx context.Context, id string, mutate func(*htlc.Swap) error) (*htlc.Swap, error)
	ListSwaps(ctx context.Context, opts ...ListOption) ([]*htlc.Swap, error)
	// ExpiredSwaps returns non-terminal swaps whose timelock passed before asOf.
	ExpiredSwaps(ctx context.Context, asOf time.Time) ([]*htlc.Swap, error)
	CountByStatus(ctx context.Context) (map[htlc.Status]int, error)
}

// EventStore defines processed event and cursor persistence.
type EventStore interface {
	// ApplyBatch inserts the events and advances the chain cursor in one
	// transaction. Events already recorded under the same idempotency key
	// are dropped; only newly inserted events are returned.
	ApplyBatch(ctx context.Context, chain htlc.Chain, events []htlc.Event, cursor uint64) ([]htlc.Event, error)
	EventsByContract(ctx context.Context, contractIDs ...string) ([]htlc.Event, error)
	// Cursor returns the last processed position for a chain. The second
	// return value reports whether a cursor has been stored yet.
	Cursor(ctx context.Context, chain htlc.Chain) (uint64, bool, error)
	SetCursor(ctx context.Context, chain htlc.Chain, position uint64) error
	RecordError(ctx context.Context, chain htlc.Chain, eventKey, component, message string) error
}

// Store combines swap and event persistence.
type Store interface {
	SwapStore
	EventStore
}

// ListOptions defines filters for listing swaps.
type ListOptions struct {
	Status *htlc.Status
	Limit  int
	Offset int
}

// ListOption is a functional option for listing swaps.
type ListOption func(*ListOptions)

// WithStatus filters swaps by status.
func WithStatus(status htlc.Status) ListOption {
	return func(opts *ListOptions) {
		opts.Status = &status
	}
}

// WithLimit caps the number of returned swaps.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first offset swaps.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}
