// Package venue defines the boundary with the external liquidity venue.
// The engine registers and price-initializes one venue pool per proposal
// at creation time, but never relies on the venue for pricing; the
// curve is internal. The venue's before/after-trade callback hooks are
// implemented only to satisfy its calling convention and reject any trade
// attempt that bypasses the orchestrator's own trade entry point.
package venue

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"
)

var (
	// ErrUnauthorized is returned by the trade hooks for any caller other
	// than the registered orchestrator.
	ErrUnauthorized = errors.New("venue: trade not initiated by the orchestrator")

	// ErrUnknownHandle is returned when a pool handle was never registered.
	ErrUnknownHandle = errors.New("venue: unknown pool handle")
)

// Venue is the outbound surface the engine calls at proposal creation.
type Venue interface {
	// RegisterPool announces a new pool handle to the venue.
	RegisterPool(ctx context.Context, handle string) error

	// InitializePool sets the pool's starting sqrt price (Q64.96).
	InitializePool(ctx context.Context, handle string, sqrtPriceX96 *uint256.Int) error

	// BeforeTrade is the venue's pre-trade callback. Rejects any caller
	// other than the registered orchestrator.
	BeforeTrade(ctx context.Context, handle, caller string) error

	// AfterTrade is the venue's post-trade callback, same caller check.
	AfterTrade(ctx context.Context, handle, caller string) error
}

// Recorder is an in-process Venue that records registrations and serves
// the inbound callback hooks. Production deployments swap in a client for
// the real venue; the engine's behavior is identical either way because
// no pricing decision crosses this boundary.
type Recorder struct {
	mu           sync.RWMutex
	orchestrator string
	pools        map[string]*uint256.Int // handle → initial sqrt price
}

// NewRecorder creates a venue recorder bound to the orchestrator key that
// the trade hooks will accept.
func NewRecorder(orchestratorKey string) *Recorder {
	return &Recorder{
		orchestrator: orchestratorKey,
		pools:        make(map[string]*uint256.Int),
	}
}

func (r *Recorder) RegisterPool(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[handle]; !ok {
		r.pools[handle] = nil
	}
	return nil
}

func (r *Recorder) InitializePool(_ context.Context, handle string, sqrtPriceX96 *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[handle]; !ok {
		return ErrUnknownHandle
	}
	r.pools[handle] = sqrtPriceX96.Clone()
	return nil
}

// InitialSqrtPrice returns the recorded initialization price for a handle,
// nil if the pool was registered but never initialized.
func (r *Recorder) InitialSqrtPrice(handle string) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	price, ok := r.pools[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	if price == nil {
		return nil, nil
	}
	return price.Clone(), nil
}

// BeforeTrade is the venue's pre-trade callback hook. It short-circuits:
// the only accepted caller is the orchestrator itself, so any
// externally-initiated venue trade is rejected before it can touch pool
// state.
func (r *Recorder) BeforeTrade(_ context.Context, handle, caller string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pools[handle]; !ok {
		return ErrUnknownHandle
	}
	if caller != r.orchestrator {
		return ErrUnauthorized
	}
	return nil
}

// AfterTrade is the venue's post-trade callback hook. No-op beyond the
// same caller check as BeforeTrade.
func (r *Recorder) AfterTrade(ctx context.Context, handle, caller string) error {
	return r.BeforeTrade(ctx, handle, caller)
}
