// Package engine provides the HTTP handlers and orchestration for the
// decision engine: decision/proposal management, deposits, trades,
// settlement, and claims.
//
// All monetary values cross the wire as 10^18-scaled unsigned integer
// strings; human-readable display fields use shopspring/decimal, never
// float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/dmx/decision-engine/internal/auth"
	"github.com/dmx/decision-engine/internal/curve"
	"github.com/dmx/decision-engine/internal/custody"
	"github.com/dmx/decision-engine/internal/ledger"
	"github.com/dmx/decision-engine/internal/market"
	"github.com/dmx/decision-engine/internal/metrics"
	"github.com/dmx/decision-engine/internal/model"
	"github.com/dmx/decision-engine/internal/store"
)

// Service handles decision engine HTTP operations.
type Service struct {
	ledger  *ledger.Ledger
	market  *market.Market
	store   store.Store
	policy  *auth.Policy
	custody custody.Ledger
	key     string // orchestrator key for market admin operations
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(l *ledger.Ledger, m *market.Market, st store.Store, p *auth.Policy, c custody.Ledger, orchestratorKey string, hub *WSHub) *Service {
	return &Service{
		ledger:  l,
		market:  m,
		store:   st,
		policy:  p,
		custody: c,
		key:     orchestratorKey,
		wsHub:   hub,
	}
}

// Routes registers all API handlers on the given router. Mount under
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Decision and proposal management.
	r.Get("/decisions", s.ListDecisions)
	r.Post("/decisions", s.CreateDecision)
	r.Get("/decisions/{decisionID}", s.GetDecision)
	r.Post("/decisions/{decisionID}/proposals", s.CreateProposal)
	r.Get("/decisions/{decisionID}/proposals/{proposalID}", s.GetProposal)
	r.Get("/decisions/{decisionID}/proposals/{proposalID}/price", s.GetPrice)
	r.Get("/decisions/{decisionID}/trades", s.GetDecisionTrades)
	r.Get("/decisions/{decisionID}/positions/{user}", s.GetPosition)
	r.Get("/decisions/{decisionID}/claims/{user}", s.PreviewClaim)

	// Value flow.
	r.Post("/deposit", s.Deposit)
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/claim", s.Claim)

	// User queries.
	r.Get("/users/{user}/trades", s.GetUserTrades)

	// Privileged operations. Caller identity travels in the body; this
	// service trusts an upstream gateway for authentication.
	r.Post("/admin/settle", s.Settle)
	r.Post("/admin/admins", s.SetAdmin)
	r.Post("/admin/ownership", s.TransferOwnership)
	r.Post("/admin/reserves", s.EmergencyUpdateReserves)
	r.Post("/admin/recover", s.EmergencyRecover)
}

// --- Request/Response types ---

// CreateDecisionRequest is the JSON body for decision creation.
type CreateDecisionRequest struct {
	Creator  string `json:"creator"`
	Metadata string `json:"metadata"`
}

// CreateProposalRequest is the JSON body for proposal creation.
type CreateProposalRequest struct {
	Metadata string `json:"metadata"`
}

// DepositRequest is the JSON body for POST /deposit.
type DepositRequest struct {
	User       string `json:"user"`
	DecisionID uint64 `json:"decision_id"`
	Amount     string `json:"amount"` // 10^18-scaled integer string
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	User         string `json:"user"`
	DecisionID   uint64 `json:"decision_id"`
	ProposalID   uint64 `json:"proposal_id"`
	CreditsIn    string `json:"credits_in"`
	MinTokensOut string `json:"min_tokens_out"` // empty → no slippage bound
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID      string `json:"trade_id"`
	User         string `json:"user"`
	DecisionID   uint64 `json:"decision_id"`
	ProposalID   uint64 `json:"proposal_id"`
	CreditsIn    string `json:"credits_in"`
	TokensOut    string `json:"tokens_out"`
	Price        string `json:"price"`
	PriceDisplay string `json:"price_display"`
}

// ClaimRequest is the JSON body for POST /claim.
type ClaimRequest struct {
	User       string `json:"user"`
	DecisionID uint64 `json:"decision_id"`
}

// ClaimResponse is the JSON body returned from POST /claim.
type ClaimResponse struct {
	User          string `json:"user"`
	DecisionID    uint64 `json:"decision_id"`
	WinnerShare   string `json:"winner_share"`
	Refund        string `json:"refund"`
	Payout        string `json:"payout"`
	PayoutDisplay string `json:"payout_display"`
}

// SettleRequest is the JSON body for POST /admin/settle.
type SettleRequest struct {
	Caller            string `json:"caller"`
	DecisionID        uint64 `json:"decision_id"`
	WinningProposalID uint64 `json:"winning_proposal_id"`
}

// SetAdminRequest is the JSON body for POST /admin/admins.
type SetAdminRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
}

// TransferOwnershipRequest is the JSON body for POST /admin/ownership.
type TransferOwnershipRequest struct {
	Caller   string `json:"caller"`
	NewOwner string `json:"new_owner"`
}

// EmergencyReservesRequest is the JSON body for POST /admin/reserves.
type EmergencyReservesRequest struct {
	Caller         string `json:"caller"`
	DecisionID     uint64 `json:"decision_id"`
	ProposalID     uint64 `json:"proposal_id"`
	CreditsReserve string `json:"credits_reserve"`
	TokensReserve  string `json:"tokens_reserve"`
}

// EmergencyRecoverRequest is the JSON body for POST /admin/recover.
type EmergencyRecoverRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// --- Decision management handlers ---

// CreateDecision handles POST /api/v1/decisions
func (s *Service) CreateDecision(w http.ResponseWriter, r *http.Request) {
	var req CreateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Creator == "" {
		writeErrorMsg(w, "creator is required", http.StatusBadRequest)
		return
	}

	id, err := s.ledger.CreateDecision(r.Context(), req.Creator, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ActiveDecisions.Inc()

	d, err := s.store.GetDecision(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

// ListDecisions handles GET /api/v1/decisions
func (s *Service) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.ListDecisions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []model.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// GetDecision handles GET /api/v1/decisions/{decisionID}
// Returns the decision with its proposals.
func (s *Service) GetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}

	d, err := s.store.GetDecision(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	proposals, err := s.store.ListProposals(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if proposals == nil {
		proposals = []model.Proposal{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decision":  d,
		"proposals": proposals,
	})
}

// CreateProposal handles POST /api/v1/decisions/{decisionID}/proposals
func (s *Service) CreateProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	var req CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.ledger.CreateProposal(r.Context(), id, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// GetProposal handles GET /api/v1/decisions/{decisionID}/proposals/{proposalID}
// Returns the proposal with its pool reserve state.
func (s *Service) GetProposal(w http.ResponseWriter, r *http.Request) {
	did, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	pid, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}

	p, err := s.store.GetProposal(r.Context(), did, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	reserves, err := s.store.GetReserves(r.Context(), did, pid)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proposal": p,
		"reserves": reserves,
	})
}

// GetPrice handles GET /api/v1/decisions/{decisionID}/proposals/{proposalID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	did, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	pid, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}

	price, err := s.market.CurrentPrice(r.Context(), did, pid)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"price":          price.Dec(),
		"price_display":  displayAmount(price),
		"sqrt_price_x96": curve.PriceToSqrtPriceX96(price).Dec(),
	})
}

// --- Value flow handlers ---

// Deposit handles POST /api/v1/deposit
// Moves funds into custody and issues decision credits 1:1.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeErrorMsg(w, "user is required", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeErrorMsg(w, "invalid amount: "+req.Amount, http.StatusBadRequest)
		return
	}

	if err := s.ledger.Deposit(r.Context(), req.User, req.DecisionID, amount); err != nil {
		writeError(w, err)
		return
	}
	metrics.DepositsTotal.Inc()

	pos, err := s.ledger.Position(r.Context(), req.User, req.DecisionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ExecuteTrade handles POST /api/v1/trade
// Spends credits against a proposal pool, returns fill and new price.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeErrorMsg(w, "user is required", http.StatusBadRequest)
		return
	}
	creditsIn, err := parseAmount(req.CreditsIn)
	if err != nil {
		writeErrorMsg(w, "invalid credits_in: "+req.CreditsIn, http.StatusBadRequest)
		return
	}
	minTokensOut := new(uint256.Int)
	if req.MinTokensOut != "" {
		minTokensOut, err = parseAmount(req.MinTokensOut)
		if err != nil {
			writeErrorMsg(w, "invalid min_tokens_out: "+req.MinTokensOut, http.StatusBadRequest)
			return
		}
	}

	start := time.Now()
	record, err := s.ledger.Trade(r.Context(), req.User, req.DecisionID, req.ProposalID, creditsIn, minTokensOut)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TradeLatency.Observe(time.Since(start).Seconds())
	metrics.TradesTotal.WithLabelValues(strconv.FormatUint(req.DecisionID, 10)).Inc()

	// Broadcast price update via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "trade_executed",
			DecisionID: record.DecisionID,
			ProposalID: record.ProposalID,
			Price:      record.Price.Dec(),
			CreditsIn:  record.CreditsIn.Dec(),
			TokensOut:  record.TokensOut.Dec(),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:      record.ID,
		User:         record.User,
		DecisionID:   record.DecisionID,
		ProposalID:   record.ProposalID,
		CreditsIn:    record.CreditsIn.Dec(),
		TokensOut:    record.TokensOut.Dec(),
		Price:        record.Price.Dec(),
		PriceDisplay: displayAmount(record.Price),
	})
}

// Claim handles POST /api/v1/claim
// Pays out a settled position: winner share plus refund.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeErrorMsg(w, "user is required", http.StatusBadRequest)
		return
	}

	result, err := s.ledger.Claim(r.Context(), req.User, req.DecisionID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ClaimsTotal.Inc()

	writeJSON(w, http.StatusOK, ClaimResponse{
		User:          req.User,
		DecisionID:    req.DecisionID,
		WinnerShare:   result.WinnerShare.Dec(),
		Refund:        result.Refund.Dec(),
		Payout:        result.Payout.Dec(),
		PayoutDisplay: displayAmount(result.Payout),
	})
}

// PreviewClaim handles GET /api/v1/decisions/{decisionID}/claims/{user}
// Read-only payout preview.
func (s *Service) PreviewClaim(w http.ResponseWriter, r *http.Request) {
	did, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	result, err := s.ledger.PreviewClaim(r.Context(), user, did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		User:          user,
		DecisionID:    did,
		WinnerShare:   result.WinnerShare.Dec(),
		Refund:        result.Refund.Dec(),
		Payout:        result.Payout.Dec(),
		PayoutDisplay: displayAmount(result.Payout),
	})
}

// GetPosition handles GET /api/v1/decisions/{decisionID}/positions/{user}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	did, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	pos, err := s.ledger.Position(r.Context(), user, did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetDecisionTrades handles GET /api/v1/decisions/{decisionID}/trades
func (s *Service) GetDecisionTrades(w http.ResponseWriter, r *http.Request) {
	did, ok := pathID(w, r, "decisionID")
	if !ok {
		return
	}
	trades, err := s.store.TradesByDecision(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetUserTrades handles GET /api/v1/users/{user}/trades
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	trades, err := s.store.TradesByUser(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Privileged handlers ---

// Settle handles POST /api/v1/admin/settle
// Admin-only: settles a decision and freezes every proposal pool.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.policy.RequireAdmin(req.Caller); err != nil {
		writeError(w, err)
		return
	}

	if err := s.ledger.Settle(r.Context(), req.DecisionID, req.WinningProposalID); err != nil {
		writeError(w, err)
		return
	}
	metrics.SettlementsTotal.Inc()
	metrics.ActiveDecisions.Dec()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "decision_settled",
			DecisionID: req.DecisionID,
			Winner:     req.WinningProposalID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decision_id": req.DecisionID,
		"winner":      req.WinningProposalID,
		"settled":     true,
	})
}

// SetAdmin handles POST /api/v1/admin/admins
// Owner-only: grants or revokes the admin role.
func (s *Service) SetAdmin(w http.ResponseWriter, r *http.Request) {
	var req SetAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		writeErrorMsg(w, "address is required", http.StatusBadRequest)
		return
	}
	if err := s.policy.SetAdmin(req.Caller, req.Address, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": req.Address,
		"admin":   req.Enabled,
	})
}

// TransferOwnership handles POST /api/v1/admin/ownership
// Owner-only: hands the owner role to a new address.
func (s *Service) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req TransferOwnershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NewOwner == "" {
		writeErrorMsg(w, "new_owner is required", http.StatusBadRequest)
		return
	}
	if err := s.policy.TransferOwnership(req.Caller, req.NewOwner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": req.NewOwner})
}

// EmergencyUpdateReserves handles POST /api/v1/admin/reserves
// Owner-only escape hatch: overwrites a pool's reserves directly,
// bypassing curve invariants.
func (s *Service) EmergencyUpdateReserves(w http.ResponseWriter, r *http.Request) {
	var req EmergencyReservesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.policy.RequireOwner(req.Caller); err != nil {
		writeError(w, err)
		return
	}
	credits, err := parseAmount(req.CreditsReserve)
	if err != nil {
		writeErrorMsg(w, "invalid credits_reserve: "+req.CreditsReserve, http.StatusBadRequest)
		return
	}
	tokens, err := parseAmount(req.TokensReserve)
	if err != nil {
		writeErrorMsg(w, "invalid tokens_reserve: "+req.TokensReserve, http.StatusBadRequest)
		return
	}

	if err := s.market.EmergencyUpdateReserves(r.Context(), s.key, req.DecisionID, req.ProposalID, credits, tokens); err != nil {
		writeError(w, err)
		return
	}

	reserves, err := s.store.GetReserves(r.Context(), req.DecisionID, req.ProposalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserves)
}

// EmergencyRecover handles POST /api/v1/admin/recover
// Owner-only escape hatch: moves funds out of custody directly.
func (s *Service) EmergencyRecover(w http.ResponseWriter, r *http.Request) {
	var req EmergencyRecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.policy.RequireOwner(req.Caller); err != nil {
		writeError(w, err)
		return
	}
	if req.To == "" {
		writeErrorMsg(w, "to is required", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeErrorMsg(w, "invalid amount: "+req.Amount, http.StatusBadRequest)
		return
	}

	if err := s.custody.TransferOut(r.Context(), req.To, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"to":     req.To,
		"amount": amount.Dec(),
	})
}

// --- Helpers ---

// parseAmount parses a base-10 unsigned integer amount string.
func parseAmount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}

// displayAmount renders a 10^18-scaled amount as a decimal string.
func displayAmount(u *uint256.Int) string {
	return decimal.NewFromBigInt(u.ToBig(), -18).String()
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeErrorMsg(w, "invalid "+name+": "+raw, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinel errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrNotAdmin),
		errors.Is(err, auth.ErrNotOwner),
		errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrReentrancy):
		metrics.ReentrancyRejections.Inc()
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrNotSettled),
		errors.Is(err, ledger.ErrProposalInactive),
		errors.Is(err, ledger.ErrInsufficientCredits),
		errors.Is(err, ledger.ErrNoPosition),
		errors.Is(err, market.ErrAlreadyRegistered),
		errors.Is(err, market.ErrInactivePool),
		errors.Is(err, market.ErrAlreadyFrozen),
		errors.Is(err, market.ErrSlippageExceeded),
		errors.Is(err, curve.ErrInsufficientLiquidity),
		errors.Is(err, custody.ErrInsufficientBalance):
		status = http.StatusConflict
	}
	writeErrorMsg(w, err.Error(), status)
}

// writeErrorMsg writes a JSON error response.
func writeErrorMsg(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
