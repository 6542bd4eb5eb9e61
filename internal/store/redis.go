package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmx/decision-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the per-entity hot reads: decisions, proposals, reserves, and
// positions. Writes go to the primary store and invalidate the cache;
// list and ledger queries pass through uncached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Decisions ---

func (s *CachedStore) CreateDecision(ctx context.Context, d *model.Decision) error {
	if err := s.primary.CreateDecision(ctx, d); err != nil {
		return err
	}
	s.cacheSet(ctx, decisionKey(d.ID), d)
	return nil
}

func (s *CachedStore) GetDecision(ctx context.Context, id uint64) (*model.Decision, error) {
	var d model.Decision
	if s.cacheGet(ctx, decisionKey(id), &d) {
		return &d, nil
	}

	fresh, err := s.primary.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, decisionKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	return s.primary.ListDecisions(ctx)
}

func (s *CachedStore) UpdateDecision(ctx context.Context, d *model.Decision) error {
	if err := s.primary.UpdateDecision(ctx, d); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, decisionKey(d.ID))
	return nil
}

// --- Proposals ---

func (s *CachedStore) CreateProposal(ctx context.Context, p *model.Proposal) error {
	if err := s.primary.CreateProposal(ctx, p); err != nil {
		return err
	}
	s.cacheSet(ctx, proposalKey(p.DecisionID, p.ID), p)
	return nil
}

func (s *CachedStore) GetProposal(ctx context.Context, decisionID, proposalID uint64) (*model.Proposal, error) {
	var p model.Proposal
	if s.cacheGet(ctx, proposalKey(decisionID, proposalID), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetProposal(ctx, decisionID, proposalID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, proposalKey(decisionID, proposalID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListProposals(ctx context.Context, decisionID uint64) ([]model.Proposal, error) {
	return s.primary.ListProposals(ctx, decisionID)
}

func (s *CachedStore) UpdateProposal(ctx context.Context, p *model.Proposal) error {
	if err := s.primary.UpdateProposal(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, proposalKey(p.DecisionID, p.ID))
	return nil
}

// --- Reserves ---

func (s *CachedStore) PutReserves(ctx context.Context, r *model.ReserveState) error {
	if err := s.primary.PutReserves(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, reservesKey(r.DecisionID, r.ProposalID))
	return nil
}

func (s *CachedStore) GetReserves(ctx context.Context, decisionID, proposalID uint64) (*model.ReserveState, error) {
	var r model.ReserveState
	if s.cacheGet(ctx, reservesKey(decisionID, proposalID), &r) {
		return &r, nil
	}

	fresh, err := s.primary.GetReserves(ctx, decisionID, proposalID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, reservesKey(decisionID, proposalID), fresh)
	return fresh, nil
}

// --- Positions ---

func (s *CachedStore) GetPosition(ctx context.Context, decisionID uint64, user string) (*model.UserPosition, error) {
	var p model.UserPosition
	if s.cacheGet(ctx, positionCacheKey(decisionID, user), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPosition(ctx, decisionID, user)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, positionCacheKey(decisionID, user), fresh)
	return fresh, nil
}

func (s *CachedStore) PutPosition(ctx context.Context, p *model.UserPosition) error {
	if err := s.primary.PutPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionCacheKey(p.DecisionID, p.User))
	return nil
}

// --- Trade ledger (passthrough) ---

func (s *CachedStore) InsertTradeRecord(ctx context.Context, t *model.TradeRecord) error {
	return s.primary.InsertTradeRecord(ctx, t)
}

func (s *CachedStore) TradesByDecision(ctx context.Context, decisionID uint64) ([]model.TradeRecord, error) {
	return s.primary.TradesByDecision(ctx, decisionID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, user string) ([]model.TradeRecord, error) {
	return s.primary.TradesByUser(ctx, user)
}

// --- Cache helpers ---

func (s *CachedStore) cacheGet(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func decisionKey(id uint64) string { return fmt.Sprintf("decision:%d", id) }

func proposalKey(decisionID, proposalID uint64) string {
	return fmt.Sprintf("proposal:%d:%d", decisionID, proposalID)
}

func reservesKey(decisionID, proposalID uint64) string {
	return fmt.Sprintf("reserves:%d:%d", decisionID, proposalID)
}

func positionCacheKey(decisionID uint64, user string) string {
	return fmt.Sprintf("position:%d:%s", decisionID, user)
}
