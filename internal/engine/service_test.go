package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/dmx/decision-engine/internal/auth"
	"github.com/dmx/decision-engine/internal/custody"
	"github.com/dmx/decision-engine/internal/engine"
	"github.com/dmx/decision-engine/internal/ledger"
	"github.com/dmx/decision-engine/internal/market"
	"github.com/dmx/decision-engine/internal/store"
	"github.com/dmx/decision-engine/internal/venue"
)

const (
	orchKey = "test-orchestrator"
	owner   = "owner-addr"
)

// units converts whole units to a 10^18-scaled decimal string.
func units(n uint64) string {
	v := uint256.NewInt(n)
	return v.Mul(v, uint256.NewInt(1_000_000_000_000_000_000)).Dec()
}

type env struct {
	router chi.Router
	bank   *custody.Bank
}

// newTestEnv wires a full service over an in-memory store and chi router.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	bank := custody.NewBank(func() *uint256.Int {
		v := uint256.NewInt(1_000_000)
		return v.Mul(v, uint256.NewInt(1_000_000_000_000_000_000))
	}())
	mkt := market.New(st, orchKey)
	ven := venue.NewRecorder(orchKey)

	ldg, err := ledger.New(context.Background(), st, mkt, orchKey, bank, ven)
	if err != nil {
		t.Fatalf("ledger init: %v", err)
	}
	policy := auth.NewPolicy(owner)
	svc := engine.NewService(ldg, mkt, st, policy, bank, orchKey, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &env{router: r, bank: bank}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// newDecision creates a decision with two proposals over HTTP.
func (e *env) newDecision(t *testing.T) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/decisions", engine.CreateDecisionRequest{
		Creator:  "alice",
		Metadata: "which vendor?",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create decision: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	for i := 0; i < 2; i++ {
		w = e.do(t, "POST", "/api/v1/decisions/1/proposals", engine.CreateProposalRequest{Metadata: "option"})
		if w.Code != http.StatusCreated {
			t.Fatalf("create proposal: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}
}

// --- End-to-end lifecycle ---

func TestLifecycle_DepositTradeSettleClaim(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	e.bank.Fund("alice", uint256.MustFromDecimal(units(1000)))

	// Deposit 1000.
	w := e.do(t, "POST", "/api/v1/deposit", engine.DepositRequest{
		User: "alice", DecisionID: 1, Amount: units(1000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Trade 100 into proposal 1.
	w = e.do(t, "POST", "/api/v1/trade", engine.TradeRequest{
		User: "alice", DecisionID: 1, ProposalID: 1, CreditsIn: units(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var tr engine.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &tr)
	if tr.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if tr.TokensOut != "90909090909090909090" {
		t.Errorf("tokens out: expected 90909090909090909090, got %s", tr.TokensOut)
	}

	// Price moved above 1.0 on the traded proposal.
	w = e.do(t, "GET", "/api/v1/decisions/1/proposals/1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("price: expected 200, got %d", w.Code)
	}
	var price map[string]string
	json.Unmarshal(w.Body.Bytes(), &price)
	if p := uint256.MustFromDecimal(price["price"]); !p.Gt(uint256.NewInt(1_000_000_000_000_000_000)) {
		t.Errorf("price should exceed 1.0, got %s", price["price"])
	}

	// Settle with proposal 1 as winner (admin call).
	w = e.do(t, "POST", "/api/v1/admin/settle", engine.SettleRequest{
		Caller: owner, DecisionID: 1, WinningProposalID: 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Claim: sole winning holder takes the pot (1000) plus refund
	// (900 unused + 50) = 1950.
	w = e.do(t, "POST", "/api/v1/claim", engine.ClaimRequest{User: "alice", DecisionID: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cr engine.ClaimResponse
	json.Unmarshal(w.Body.Bytes(), &cr)
	if cr.Payout != units(1950) {
		t.Errorf("payout: expected %s, got %s", units(1950), cr.Payout)
	}
	if cr.PayoutDisplay != "1950" {
		t.Errorf("payout display: expected 1950, got %s", cr.PayoutDisplay)
	}
}

// --- Error mapping ---

func TestTrade_UnknownDecisionIs404(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/trade", engine.TradeRequest{
		User: "alice", DecisionID: 42, ProposalID: 1, CreditsIn: units(1),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTrade_NoCreditsIs409(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	w := e.do(t, "POST", "/api/v1/trade", engine.TradeRequest{
		User: "alice", DecisionID: 1, ProposalID: 1, CreditsIn: units(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeposit_BadAmountIs400(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	w := e.do(t, "POST", "/api/v1/deposit", engine.DepositRequest{
		User: "alice", DecisionID: 1, Amount: "not-a-number",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeposit_ZeroAmountIs400(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	w := e.do(t, "POST", "/api/v1/deposit", engine.DepositRequest{
		User: "alice", DecisionID: 1, Amount: "0",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClaim_BeforeSettleIs409(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	e.bank.Fund("alice", uint256.MustFromDecimal(units(100)))
	e.do(t, "POST", "/api/v1/deposit", engine.DepositRequest{
		User: "alice", DecisionID: 1, Amount: units(100),
	})

	w := e.do(t, "POST", "/api/v1/claim", engine.ClaimRequest{User: "alice", DecisionID: 1})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Authorization ---

func TestSettle_NonAdminIs403(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	w := e.do(t, "POST", "/api/v1/admin/settle", engine.SettleRequest{
		Caller: "mallory", DecisionID: 1, WinningProposalID: 1,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetAdmin_DelegatedAdminCanSettle(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)

	w := e.do(t, "POST", "/api/v1/admin/admins", engine.SetAdminRequest{
		Caller: owner, Address: "carol", Enabled: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("set admin: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/admin/settle", engine.SettleRequest{
		Caller: "carol", DecisionID: 1, WinningProposalID: 2,
	})
	if w.Code != http.StatusOK {
		t.Errorf("delegated settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTransferOwnership_OldOwnerLosesRights(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)

	w := e.do(t, "POST", "/api/v1/admin/ownership", engine.TransferOwnershipRequest{
		Caller: owner, NewOwner: "dave",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/admin/reserves", engine.EmergencyReservesRequest{
		Caller: owner, DecisionID: 1, ProposalID: 1,
		CreditsReserve: units(1), TokensReserve: units(1),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("old owner: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/admin/reserves", engine.EmergencyReservesRequest{
		Caller: "dave", DecisionID: 1, ProposalID: 1,
		CreditsReserve: units(1), TokensReserve: units(1),
	})
	if w.Code != http.StatusOK {
		t.Errorf("new owner: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Queries ---

func TestGetDecision_IncludesProposals(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)

	w := e.do(t, "GET", "/api/v1/decisions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Proposals []json.RawMessage `json:"proposals"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Proposals) != 2 {
		t.Errorf("expected 2 proposals, got %d", len(resp.Proposals))
	}
}

func TestListDecisions_EmptyIsArray(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/decisions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestGetPosition_AfterDeposit(t *testing.T) {
	e := newTestEnv(t)
	e.newDecision(t)
	e.bank.Fund("alice", uint256.MustFromDecimal(units(100)))
	e.do(t, "POST", "/api/v1/deposit", engine.DepositRequest{
		User: "alice", DecisionID: 1, Amount: units(100),
	})

	w := e.do(t, "GET", "/api/v1/decisions/1/positions/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pos struct {
		TotalCredits string `json:"total_credits"`
	}
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.TotalCredits == "" || pos.TotalCredits == "0x0" {
		// uint256 marshals as hex; just require a non-zero value.
		t.Errorf("expected non-zero credits, got %q", pos.TotalCredits)
	}
}
