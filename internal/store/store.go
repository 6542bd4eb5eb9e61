// Package store defines the persistence interface for the decision engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"errors"

	"github.com/dmx/decision-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Keyed exactly as the engine's state
// layout: decisions by id, proposals and reserves by (decision, proposal),
// positions by (decision, user), plus the append-only trade ledger.
type Store interface {
	// --- Decisions ---

	// CreateDecision persists a new decision.
	CreateDecision(ctx context.Context, d *model.Decision) error

	// GetDecision retrieves a decision by id.
	GetDecision(ctx context.Context, id uint64) (*model.Decision, error)

	// ListDecisions returns all decisions.
	ListDecisions(ctx context.Context) ([]model.Decision, error)

	// UpdateDecision overwrites a decision's mutable fields (totals,
	// proposal count, settlement flags).
	UpdateDecision(ctx context.Context, d *model.Decision) error

	// --- Proposals ---

	// CreateProposal persists a new proposal.
	CreateProposal(ctx context.Context, p *model.Proposal) error

	// GetProposal retrieves a proposal by (decision, proposal) key.
	GetProposal(ctx context.Context, decisionID, proposalID uint64) (*model.Proposal, error)

	// ListProposals returns all proposals of a decision, id-ordered.
	ListProposals(ctx context.Context, decisionID uint64) ([]model.Proposal, error)

	// UpdateProposal overwrites a proposal's mutable fields (trade count,
	// price, active flag).
	UpdateProposal(ctx context.Context, p *model.Proposal) error

	// --- Reserves ---

	// PutReserves creates or overwrites a pool's reserve state.
	PutReserves(ctx context.Context, r *model.ReserveState) error

	// GetReserves retrieves a pool's reserve state.
	GetReserves(ctx context.Context, decisionID, proposalID uint64) (*model.ReserveState, error)

	// --- Positions ---

	// GetPosition retrieves a user's position in a decision.
	GetPosition(ctx context.Context, decisionID uint64, user string) (*model.UserPosition, error)

	// PutPosition creates or overwrites a user's position.
	PutPosition(ctx context.Context, p *model.UserPosition) error

	// --- Immutable trade ledger ---

	// InsertTradeRecord appends an immutable trade record.
	InsertTradeRecord(ctx context.Context, t *model.TradeRecord) error

	// TradesByDecision returns all trades for a decision, time-ordered.
	TradesByDecision(ctx context.Context, decisionID uint64) ([]model.TradeRecord, error)

	// TradesByUser returns all trades for a user, time-ordered.
	TradesByUser(ctx context.Context, user string) ([]model.TradeRecord, error)
}
