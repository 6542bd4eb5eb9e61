// Package ledger implements the per-decision state machine (Open →
// Settled), credit and position bookkeeping, and the claim payout math.
// Every mutating operation validates fully before its first write, so an
// accepted call commits all of its effects and a rejected call commits
// none.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/dmx/decision-engine/internal/curve"
	"github.com/dmx/decision-engine/internal/custody"
	"github.com/dmx/decision-engine/internal/fixmath"
	"github.com/dmx/decision-engine/internal/market"
	"github.com/dmx/decision-engine/internal/model"
	"github.com/dmx/decision-engine/internal/store"
	"github.com/dmx/decision-engine/internal/venue"
)

var (
	// ErrInvalidAmount is returned for a zero deposit or trade amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrNotFound is returned for an unknown decision or proposal.
	ErrNotFound = errors.New("ledger: not found")

	// ErrAlreadySettled is returned when mutating a settled decision.
	ErrAlreadySettled = errors.New("ledger: decision already settled")

	// ErrNotSettled is returned when claiming from an open decision.
	ErrNotSettled = errors.New("ledger: decision not settled")

	// ErrProposalInactive is returned when trading against an inactive
	// proposal.
	ErrProposalInactive = errors.New("ledger: proposal is not active")

	// ErrInsufficientCredits is returned when a trade would spend more
	// credits than the user holds.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrNoPosition is returned when a claimer has no credits in the
	// decision: never deposited, or already claimed.
	ErrNoPosition = errors.New("ledger: no position to claim")

	// ErrReentrancy is returned to a nested call that re-enters a guarded
	// entry point while an outer guarded call is still executing.
	ErrReentrancy = errors.New("ledger: reentrant call blocked")
)

// RefundRate is the fixed fraction of used credits refunded at claim time
// (0.5, 10^18-scaled). Applies uniformly whether the credits were spent on
// the winning or a losing proposal.
var RefundRate = uint256.NewInt(500_000_000_000_000_000)

// reentrancyGuard is an explicit exclusive-execution token held across the
// external-transfer windows of deposit and claim. A call that finds the
// guard held is nested re-entry under the serial execution model and is
// rejected rather than queued.
type reentrancyGuard struct {
	mu   sync.Mutex
	held bool
}

func (g *reentrancyGuard) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return ErrReentrancy
	}
	g.held = true
	return nil
}

func (g *reentrancyGuard) exit() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

func (g *reentrancyGuard) isHeld() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Ledger is the decision-level bookkeeping engine. Mutating operations are
// serialized by a single mutex (single-instance deployment, matching the
// pool lock discipline in package market).
type Ledger struct {
	mu    sync.Mutex
	guard reentrancyGuard

	store   store.Store
	market  *market.Market
	key     string // orchestrator key passed through to market and venue
	custody custody.Ledger
	venue   venue.Venue

	nextDecisionID uint64
}

// New creates a Ledger. The orchestrator key must match the one the
// Market was constructed with. The decision id counter resumes from the
// highest persisted id.
func New(ctx context.Context, st store.Store, mkt *market.Market, orchestratorKey string, cust custody.Ledger, ven venue.Venue) (*Ledger, error) {
	l := &Ledger{
		store:   st,
		market:  mkt,
		key:     orchestratorKey,
		custody: cust,
		venue:   ven,
	}

	decisions, err := st.ListDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume decision counter: %w", err)
	}
	for _, d := range decisions {
		if d.ID > l.nextDecisionID {
			l.nextDecisionID = d.ID
		}
	}
	return l, nil
}

// CreateDecision allocates the next sequential decision identifier.
func (l *Ledger) CreateDecision(ctx context.Context, creator, metadata string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nextDecisionID == math.MaxUint64 {
		return 0, fixmath.ErrOverflow
	}
	id := l.nextDecisionID + 1

	d := &model.Decision{
		ID:            id,
		Creator:       creator,
		Metadata:      metadata,
		TotalDeposits: new(uint256.Int),
		TotalCredits:  new(uint256.Int),
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.CreateDecision(ctx, d); err != nil {
		return 0, err
	}
	l.nextDecisionID = id

	slog.Info("decision created", "decision", id, "creator", creator)
	return id, nil
}

// CreateProposal allocates the next sequential proposal identifier within
// the decision (1-indexed) and provisions its market pool.
func (l *Ledger) CreateProposal(ctx context.Context, decisionID uint64, metadata string) (*model.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Settled {
		return nil, ErrAlreadySettled
	}
	if d.ProposalCount == math.MaxUint64 {
		return nil, fixmath.ErrOverflow
	}
	pid := d.ProposalCount + 1

	p := &model.Proposal{
		ID:           pid,
		DecisionID:   decisionID,
		VenueHandle:  fmt.Sprintf("dmx-pool-%d-%d", decisionID, pid),
		Metadata:     metadata,
		CurrentPrice: fixmath.Scale.Clone(), // seeded reserves open at 1.0
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	if err := l.market.RegisterPool(ctx, l.key, decisionID, pid); err != nil {
		return nil, err
	}
	if err := l.venue.RegisterPool(ctx, p.VenueHandle); err != nil {
		return nil, err
	}
	if err := l.venue.InitializePool(ctx, p.VenueHandle, curve.PriceToSqrtPriceX96(fixmath.Scale)); err != nil {
		return nil, err
	}

	d.ProposalCount = pid
	if err := l.store.UpdateDecision(ctx, d); err != nil {
		return nil, err
	}

	slog.Info("proposal created", "decision", decisionID, "proposal", pid, "handle", p.VenueHandle)
	return p, nil
}

// Deposit moves amount from the user into custody and issues credits 1:1.
func (l *Ledger) Deposit(ctx context.Context, user string, decisionID uint64, amount *uint256.Int) error {
	if l.guard.isHeld() {
		return ErrReentrancy
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return ErrInvalidAmount
	}
	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if d.Settled {
		return ErrAlreadySettled
	}

	newDeposits, err := fixmath.SafeAdd(d.TotalDeposits, amount)
	if err != nil {
		return err
	}
	newCredits, err := fixmath.SafeAdd(d.TotalCredits, amount)
	if err != nil {
		return err
	}

	pos, err := l.getOrCreatePosition(ctx, decisionID, user)
	if err != nil {
		return err
	}
	posCredits, err := fixmath.SafeAdd(pos.TotalCredits, amount)
	if err != nil {
		return err
	}

	// External transfer first: if custody rejects, nothing has changed.
	if err := l.guard.enter(); err != nil {
		return err
	}
	err = l.custody.TransferIn(ctx, user, amount)
	l.guard.exit()
	if err != nil {
		return fmt.Errorf("transfer in: %w", err)
	}

	d.TotalDeposits = newDeposits
	d.TotalCredits = newCredits
	pos.TotalCredits = posCredits

	if err := l.store.UpdateDecision(ctx, d); err != nil {
		return err
	}
	if err := l.store.PutPosition(ctx, pos); err != nil {
		return err
	}

	slog.Info("deposit",
		"decision", decisionID,
		"user", user,
		"amount", amount.Dec(),
		"total_credits", newCredits.Dec(),
	)
	return nil
}

// Trade spends creditsIn from the user's budget against a proposal's pool
// and credits the token output to the user's position. Returns the
// immutable trade record.
func (l *Ledger) Trade(ctx context.Context, user string, decisionID, proposalID uint64, creditsIn, minTokensOut *uint256.Int) (*model.TradeRecord, error) {
	if l.guard.isHeld() {
		return nil, ErrReentrancy
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if creditsIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Settled {
		return nil, ErrAlreadySettled
	}

	proposal, err := l.store.GetProposal(ctx, decisionID, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !proposal.Active {
		return nil, ErrProposalInactive
	}

	pos, err := l.getOrCreatePosition(ctx, decisionID, user)
	if err != nil {
		return nil, err
	}
	used, err := fixmath.SafeAdd(pos.UsedCredits, creditsIn)
	if err != nil {
		return nil, err
	}
	if used.Gt(pos.TotalCredits) {
		return nil, ErrInsufficientCredits
	}

	if err := l.venue.BeforeTrade(ctx, proposal.VenueHandle, l.key); err != nil {
		return nil, err
	}
	tokensOut, price, err := l.market.ExecuteTrade(ctx, l.key, decisionID, proposalID, creditsIn, minTokensOut)
	if err != nil {
		return nil, err
	}
	if err := l.venue.AfterTrade(ctx, proposal.VenueHandle, l.key); err != nil {
		return nil, err
	}

	pos.UsedCredits = used
	held := pos.TokensHeld(proposalID)
	held.Add(held, tokensOut)
	pos.Tokens[proposalID] = held
	if err := l.store.PutPosition(ctx, pos); err != nil {
		return nil, err
	}

	record := &model.TradeRecord{
		ID:         uuid.New().String(),
		DecisionID: decisionID,
		ProposalID: proposalID,
		User:       user,
		CreditsIn:  creditsIn.Clone(),
		TokensOut:  tokensOut.Clone(),
		Price:      price.Clone(),
		Timestamp:  time.Now().UTC(),
	}
	if err := l.store.InsertTradeRecord(ctx, record); err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", record.ID,
		"decision", decisionID,
		"proposal", proposalID,
		"user", user,
		"credits_in", creditsIn.Dec(),
		"tokens_out", tokensOut.Dec(),
		"price", price.Dec(),
	)
	return record, nil
}

// Settle marks the decision settled with the given winner and freezes
// every proposal pool in a single pass. Terminal and irreversible.
// Caller authorization is the orchestrator's responsibility.
func (l *Ledger) Settle(ctx context.Context, decisionID, winningProposalID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if d.Settled {
		return ErrAlreadySettled
	}
	if winningProposalID == 0 || winningProposalID > d.ProposalCount {
		return ErrNotFound
	}

	pids := make([]uint64, 0, d.ProposalCount)
	for pid := uint64(1); pid <= d.ProposalCount; pid++ {
		pids = append(pids, pid)
	}
	if err := l.market.FreezeAll(ctx, l.key, decisionID, pids, winningProposalID); err != nil {
		return err
	}

	d.Settled = true
	d.WinningProposalID = winningProposalID
	if err := l.store.UpdateDecision(ctx, d); err != nil {
		return err
	}

	slog.Info("decision settled",
		"decision", decisionID,
		"winner", winningProposalID,
		"proposals", d.ProposalCount,
	)
	return nil
}

// ClaimResult breaks a payout into its components.
type ClaimResult struct {
	WinnerShare *uint256.Int `json:"winner_share"`
	Refund      *uint256.Int `json:"refund"`
	Payout      *uint256.Int `json:"payout"`
}

// Claim converts the caller's settled position into an outbound transfer:
// a pro-rata share of total deposits for winning-token holders, plus
// unused credits and the fixed refund rate on used credits. The position
// is zeroed across every proposal before the external transfer, so a
// re-entrant claim observes an empty position.
func (l *Ledger) Claim(ctx context.Context, user string, decisionID uint64) (*ClaimResult, error) {
	if l.guard.isHeld() {
		return nil, ErrReentrancy
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if !d.Settled {
		return nil, ErrNotSettled
	}

	pos, err := l.store.GetPosition(ctx, decisionID, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPosition
		}
		return nil, err
	}
	if pos.TotalCredits.IsZero() {
		return nil, ErrNoPosition
	}

	result, err := l.computePayout(ctx, d, pos)
	if err != nil {
		return nil, err
	}

	// Zero-then-transfer: the position row survives with zeroed fields,
	// blocking any repeat claim before value leaves custody.
	snapshot := pos.Clone()
	pos.Zero()
	if err := l.store.PutPosition(ctx, pos); err != nil {
		return nil, err
	}

	if err := l.guard.enter(); err != nil {
		return nil, err
	}
	err = l.custody.TransferOut(ctx, user, result.Payout)
	l.guard.exit()
	if err != nil {
		// Transfer failed entirely: restore the position so the claim
		// can be retried.
		if restoreErr := l.store.PutPosition(ctx, snapshot); restoreErr != nil {
			slog.Error("claim rollback failed",
				"decision", decisionID, "user", user, "err", restoreErr)
		}
		return nil, fmt.Errorf("transfer out: %w", err)
	}

	slog.Info("claim paid",
		"decision", decisionID,
		"user", user,
		"winner_share", result.WinnerShare.Dec(),
		"refund", result.Refund.Dec(),
		"payout", result.Payout.Dec(),
	)
	return result, nil
}

// PreviewClaim computes the payout a claim would produce without mutating
// anything. Read-only aggregation support.
func (l *Ledger) PreviewClaim(ctx context.Context, user string, decisionID uint64) (*ClaimResult, error) {
	d, err := l.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if !d.Settled {
		return nil, ErrNotSettled
	}
	pos, err := l.store.GetPosition(ctx, decisionID, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPosition
		}
		return nil, err
	}
	if pos.TotalCredits.IsZero() {
		return nil, ErrNoPosition
	}
	return l.computePayout(ctx, d, pos)
}

func (l *Ledger) computePayout(ctx context.Context, d *model.Decision, pos *model.UserPosition) (*ClaimResult, error) {
	winnerShare := new(uint256.Int)
	winningTokens := pos.TokensHeld(d.WinningProposalID)
	if !winningTokens.IsZero() {
		reserves, err := l.store.GetReserves(ctx, d.ID, d.WinningProposalID)
		if err != nil {
			return nil, err
		}
		// Pro-rata against the winning pool's total minted supply.
		// Tokens on losing proposals are excluded from this ratio.
		if !reserves.TotalSupply.IsZero() {
			winnerShare, err = fixmath.MulDiv(winningTokens, d.TotalDeposits, reserves.TotalSupply)
			if err != nil {
				return nil, err
			}
		}
	}

	unused, err := fixmath.SafeSub(pos.TotalCredits, pos.UsedCredits)
	if err != nil {
		return nil, err
	}
	refundOnUsed, err := fixmath.MulDiv(pos.UsedCredits, RefundRate, fixmath.Scale)
	if err != nil {
		return nil, err
	}
	refund, err := fixmath.SafeAdd(unused, refundOnUsed)
	if err != nil {
		return nil, err
	}
	payout, err := fixmath.SafeAdd(winnerShare, refund)
	if err != nil {
		return nil, err
	}

	return &ClaimResult{
		WinnerShare: winnerShare,
		Refund:      refund,
		Payout:      payout,
	}, nil
}

// Position returns the user's position in a decision.
func (l *Ledger) Position(ctx context.Context, user string, decisionID uint64) (*model.UserPosition, error) {
	pos, err := l.store.GetPosition(ctx, decisionID, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPosition
		}
		return nil, err
	}
	return pos, nil
}

func (l *Ledger) getDecision(ctx context.Context, id uint64) (*model.Decision, error) {
	d, err := l.store.GetDecision(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (l *Ledger) getOrCreatePosition(ctx context.Context, decisionID uint64, user string) (*model.UserPosition, error) {
	pos, err := l.store.GetPosition(ctx, decisionID, user)
	if err == nil {
		return pos, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return model.NewUserPosition(decisionID, user), nil
	}
	return nil, err
}
