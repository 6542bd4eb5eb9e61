// Package market implements the per-proposal pool state machine:
// Registered(active) → Frozen(terminal). It owns reserve mutation: the
// only trading entry point is ExecuteTrade, serialized by a single-writer
// lock, and only the registered owning orchestrator may mutate pool
// state.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/dmx/decision-engine/internal/curve"
	"github.com/dmx/decision-engine/internal/model"
	"github.com/dmx/decision-engine/internal/store"
)

var (
	// ErrUnauthorized is returned when a caller other than the registered
	// orchestrator attempts a state-mutating pool operation.
	ErrUnauthorized = errors.New("market: caller is not the owning orchestrator")

	// ErrAlreadyRegistered is returned on a duplicate pool registration.
	// Controlled re-seeding exists only via EmergencyUpdateReserves.
	ErrAlreadyRegistered = errors.New("market: pool already registered")

	// ErrInactivePool is returned when a trade targets a frozen or
	// inactive pool.
	ErrInactivePool = errors.New("market: pool is not active")

	// ErrAlreadyFrozen is returned on a repeated freeze.
	ErrAlreadyFrozen = errors.New("market: pool already frozen")

	// ErrSlippageExceeded is returned when a trade's output falls below
	// the caller's minimum.
	ErrSlippageExceeded = errors.New("market: output below minimum")

	// ErrNotFound is returned for an unknown pool.
	ErrNotFound = errors.New("market: pool not found")
)

// VirtualLiquidity is the fixed seed amount placed on both reserve sides
// at registration (1000 units), establishing a 1.0 starting price.
var VirtualLiquidity = func() *uint256.Int {
	v := uint256.NewInt(1000)
	return v.Mul(v, uint256.NewInt(1_000_000_000_000_000_000))
}()

// Market manages reserve state for all proposal pools. Mutations are
// serialized by an exclusive lock; queries read the store directly.
type Market struct {
	mu    sync.Mutex
	store store.Store
	key   string // orchestrator authorization key
}

// New creates a Market owned by the orchestrator holding key.
func New(st store.Store, orchestratorKey string) *Market {
	return &Market{store: st, key: orchestratorKey}
}

func (m *Market) authorize(caller string) error {
	if caller != m.key {
		return ErrUnauthorized
	}
	return nil
}

// RegisterPool seeds a new pool with the virtual-liquidity constant on
// both sides. Fails with ErrAlreadyRegistered if the (decision, proposal)
// key already has reserves, ErrUnauthorized for any caller but the owning
// orchestrator.
func (m *Market) RegisterPool(ctx context.Context, caller string, decisionID, proposalID uint64) error {
	if err := m.authorize(caller); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetReserves(ctx, decisionID, proposalID); err == nil {
		return ErrAlreadyRegistered
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return m.store.PutReserves(ctx, &model.ReserveState{
		DecisionID:     decisionID,
		ProposalID:     proposalID,
		CreditsReserve: VirtualLiquidity.Clone(),
		TokensReserve:  VirtualLiquidity.Clone(),
		TotalSupply:    new(uint256.Int),
	})
}

// ExecuteTrade spends creditsIn against the pool and returns the token
// output and the price after the trade. Preconditions: pool registered,
// not frozen, caller authorized; output must meet minTokensOut or the
// trade fails with ErrSlippageExceeded. Effects: credits reserve grows by
// creditsIn, token reserve shrinks by the output, total supply grows by
// the output, and the proposal's current price and trade count are
// refreshed.
func (m *Market) ExecuteTrade(ctx context.Context, caller string, decisionID, proposalID uint64, creditsIn, minTokensOut *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := m.authorize(caller); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if reserves.Frozen {
		return nil, nil, ErrInactivePool
	}

	proposal, err := m.store.GetProposal(ctx, decisionID, proposalID)
	if err != nil {
		return nil, nil, fmt.Errorf("load proposal: %w", err)
	}
	if !proposal.Active {
		return nil, nil, ErrInactivePool
	}

	tokensOut, err := curve.TokensOut(creditsIn, reserves.CreditsReserve, reserves.TokensReserve)
	if err != nil {
		return nil, nil, err
	}
	if tokensOut.Lt(minTokensOut) {
		return nil, nil, ErrSlippageExceeded
	}

	// Reserve moves cannot overflow here: TokensOut already bounded the
	// output strictly below the token reserve and checked the credit sum.
	reserves.CreditsReserve.Add(reserves.CreditsReserve, creditsIn)
	reserves.TokensReserve.Sub(reserves.TokensReserve, tokensOut)
	reserves.TotalSupply.Add(reserves.TotalSupply, tokensOut)

	price := curve.PriceFromReserves(reserves.CreditsReserve, reserves.TokensReserve)

	if err := m.store.PutReserves(ctx, reserves); err != nil {
		return nil, nil, err
	}

	proposal.TradeCount++
	proposal.CurrentPrice = price.Clone()
	if err := m.store.UpdateProposal(ctx, proposal); err != nil {
		return nil, nil, err
	}

	return tokensOut, price, nil
}

// Freeze is the one-way transition to the terminal Frozen state. The
// winner flag marks the pool whose reserves matter for payout. Fails with
// ErrAlreadyFrozen on repeat.
func (m *Market) Freeze(ctx context.Context, caller string, decisionID, proposalID uint64, isWinner bool) error {
	if err := m.authorize(caller); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freezeLocked(ctx, decisionID, proposalID, isWinner)
}

// FreezeAll freezes every proposal pool of a decision in a single pass
// under one lock acquisition, so partial settlement is never observable.
func (m *Market) FreezeAll(ctx context.Context, caller string, decisionID uint64, proposalIDs []uint64, winningID uint64) error {
	if err := m.authorize(caller); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pid := range proposalIDs {
		if err := m.freezeLocked(ctx, decisionID, pid, pid == winningID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Market) freezeLocked(ctx context.Context, decisionID, proposalID uint64, isWinner bool) error {
	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if reserves.Frozen {
		return ErrAlreadyFrozen
	}

	reserves.Frozen = true
	reserves.Winner = isWinner
	if err := m.store.PutReserves(ctx, reserves); err != nil {
		return err
	}

	proposal, err := m.store.GetProposal(ctx, decisionID, proposalID)
	if err != nil {
		return fmt.Errorf("load proposal: %w", err)
	}
	proposal.Active = false
	return m.store.UpdateProposal(ctx, proposal)
}

// EmergencyUpdateReserves overwrites a pool's reserve pair, bypassing the
// curve invariant checks. Incident-response escape hatch; the proposal's
// price is still refreshed so queries stay consistent with reserves.
func (m *Market) EmergencyUpdateReserves(ctx context.Context, caller string, decisionID, proposalID uint64, credits, tokens *uint256.Int) error {
	if err := m.authorize(caller); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	reserves.CreditsReserve = credits.Clone()
	reserves.TokensReserve = tokens.Clone()
	if err := m.store.PutReserves(ctx, reserves); err != nil {
		return err
	}

	proposal, err := m.store.GetProposal(ctx, decisionID, proposalID)
	if err != nil {
		return fmt.Errorf("load proposal: %w", err)
	}
	proposal.CurrentPrice = curve.PriceFromReserves(credits, tokens)
	return m.store.UpdateProposal(ctx, proposal)
}

// --- Queries (side-effect-free, available even when frozen) ---

// CurrentPrice returns the pool's clamped price. Never faults: an unknown
// pool reports an error but a registered pool always yields a price.
func (m *Market) CurrentPrice(ctx context.Context, decisionID, proposalID uint64) (*uint256.Int, error) {
	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return curve.PriceFromReserves(reserves.CreditsReserve, reserves.TokensReserve), nil
}

// Reserves returns a copy of the pool's reserve state.
func (m *Market) Reserves(ctx context.Context, decisionID, proposalID uint64) (*model.ReserveState, error) {
	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return reserves, nil
}

// IsActive reports whether the pool accepts trades.
func (m *Market) IsActive(ctx context.Context, decisionID, proposalID uint64) (bool, error) {
	reserves, err := m.store.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	return !reserves.Frozen, nil
}
