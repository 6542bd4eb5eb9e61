// Package model defines the core domain types shared across the decision
// engine. All monetary amounts are unsigned 256-bit integers scaled by
// 10^18; floats are never used for value.
package model

import (
	"time"

	"github.com/holiman/uint256"
)

// Decision is a question under consideration with competing proposals.
// totalCredits == totalDeposits holds at all times: credits are issued 1:1
// for deposits and never destroyed outside claims. Once settled, a
// decision is immutable except for payout bookkeeping.
type Decision struct {
	ID                uint64       `json:"id" db:"id"`
	Creator           string       `json:"creator" db:"creator"`
	Metadata          string       `json:"metadata" db:"metadata"`
	TotalDeposits     *uint256.Int `json:"total_deposits" db:"total_deposits"`
	TotalCredits      *uint256.Int `json:"total_credits" db:"total_credits"`
	ProposalCount     uint64       `json:"proposal_count" db:"proposal_count"`
	Settled           bool         `json:"settled" db:"settled"`
	WinningProposalID uint64       `json:"winning_proposal_id" db:"winning_proposal_id"` // 0 = unset
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	c := *d
	c.TotalDeposits = d.TotalDeposits.Clone()
	c.TotalCredits = d.TotalCredits.Clone()
	return &c
}

// Proposal is one competing option within a decision. IDs are 1-indexed
// and sequential per decision. CurrentPrice always reflects the last
// computed reserve ratio (10^18-scaled).
type Proposal struct {
	ID           uint64       `json:"id" db:"id"`
	DecisionID   uint64       `json:"decision_id" db:"decision_id"`
	VenueHandle  string       `json:"venue_handle" db:"venue_handle"`
	Metadata     string       `json:"metadata" db:"metadata"`
	TradeCount   uint64       `json:"trade_count" db:"trade_count"`
	CurrentPrice *uint256.Int `json:"current_price" db:"current_price"`
	Active       bool         `json:"active" db:"active"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.CurrentPrice = p.CurrentPrice.Clone()
	return &c
}

// ReserveState is a proposal pool's internal liquidity state. The product
// creditsReserve*tokensReserve never decreases across a trade, and no
// trade may drain the token reserve to zero. Frozen is terminal.
type ReserveState struct {
	DecisionID     uint64       `json:"decision_id" db:"decision_id"`
	ProposalID     uint64       `json:"proposal_id" db:"proposal_id"`
	CreditsReserve *uint256.Int `json:"credits_reserve" db:"credits_reserve"`
	TokensReserve  *uint256.Int `json:"tokens_reserve" db:"tokens_reserve"`
	TotalSupply    *uint256.Int `json:"total_supply" db:"total_supply"`
	Frozen         bool         `json:"frozen" db:"frozen"`
	Winner         bool         `json:"winner" db:"winner"`
}

// Clone returns a deep copy.
func (r *ReserveState) Clone() *ReserveState {
	c := *r
	c.CreditsReserve = r.CreditsReserve.Clone()
	c.TokensReserve = r.TokensReserve.Clone()
	c.TotalSupply = r.TotalSupply.Clone()
	return &c
}

// UserPosition tracks one user's stake in one decision. usedCredits never
// exceeds totalCredits. The position is zeroed, not deleted, on a
// successful claim; the zeroed row is what blocks double-claiming.
type UserPosition struct {
	DecisionID   uint64                  `json:"decision_id" db:"decision_id"`
	User         string                  `json:"user" db:"user"`
	TotalCredits *uint256.Int            `json:"total_credits" db:"total_credits"`
	UsedCredits  *uint256.Int            `json:"used_credits" db:"used_credits"`
	Tokens       map[uint64]*uint256.Int `json:"tokens"` // proposalID → tokens held
}

// NewUserPosition creates an empty position for a user in a decision.
func NewUserPosition(decisionID uint64, user string) *UserPosition {
	return &UserPosition{
		DecisionID:   decisionID,
		User:         user,
		TotalCredits: new(uint256.Int),
		UsedCredits:  new(uint256.Int),
		Tokens:       make(map[uint64]*uint256.Int),
	}
}

// Clone returns a deep copy.
func (u *UserPosition) Clone() *UserPosition {
	c := *u
	c.TotalCredits = u.TotalCredits.Clone()
	c.UsedCredits = u.UsedCredits.Clone()
	c.Tokens = make(map[uint64]*uint256.Int, len(u.Tokens))
	for pid, amt := range u.Tokens {
		c.Tokens[pid] = amt.Clone()
	}
	return &c
}

// TokensHeld returns the tokens held on a proposal, zero if none.
func (u *UserPosition) TokensHeld(proposalID uint64) *uint256.Int {
	if amt, ok := u.Tokens[proposalID]; ok {
		return amt.Clone()
	}
	return new(uint256.Int)
}

// Zero clears every field of the position across all proposals. Called
// atomically before the outbound value transfer during a claim.
func (u *UserPosition) Zero() {
	u.TotalCredits = new(uint256.Int)
	u.UsedCredits = new(uint256.Int)
	for pid := range u.Tokens {
		u.Tokens[pid] = new(uint256.Int)
	}
}

// TradeRecord is an immutable record of a trade execution. Once created,
// these are never modified or deleted.
type TradeRecord struct {
	ID         string       `json:"id" db:"id"`
	DecisionID uint64       `json:"decision_id" db:"decision_id"`
	ProposalID uint64       `json:"proposal_id" db:"proposal_id"`
	User       string       `json:"user" db:"user"`
	CreditsIn  *uint256.Int `json:"credits_in" db:"credits_in"`
	TokensOut  *uint256.Int `json:"tokens_out" db:"tokens_out"`
	Price      *uint256.Int `json:"price" db:"price"` // pool price after the trade
	Timestamp  time.Time    `json:"timestamp" db:"timestamp"`
}
