package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmx/decision-engine/internal/model"
)

type poolKey struct {
	decisionID uint64
	proposalID uint64
}

type positionKey struct {
	decisionID uint64
	user       string
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-node development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[uint64]*model.Decision
	proposals map[poolKey]*model.Proposal
	reserves  map[poolKey]*model.ReserveState
	positions map[positionKey]*model.UserPosition
	trades    []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[uint64]*model.Decision),
		proposals: make(map[poolKey]*model.Proposal),
		reserves:  make(map[poolKey]*model.ReserveState),
		positions: make(map[positionKey]*model.UserPosition),
	}
}

func (s *MemoryStore) CreateDecision(_ context.Context, d *model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decisions[d.ID]; ok {
		return fmt.Errorf("decision %d already exists", d.ID)
	}
	s.decisions[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) GetDecision(_ context.Context, id uint64) (*model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %d: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDecisions(_ context.Context) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decisions := make([]model.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		decisions = append(decisions, *d.Clone())
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].ID < decisions[j].ID })
	return decisions, nil
}

func (s *MemoryStore) UpdateDecision(_ context.Context, d *model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decisions[d.ID]; !ok {
		return fmt.Errorf("decision %d: %w", d.ID, ErrNotFound)
	}
	s.decisions[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, p *model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := poolKey{p.DecisionID, p.ID}
	if _, ok := s.proposals[key]; ok {
		return fmt.Errorf("proposal %d/%d already exists", p.DecisionID, p.ID)
	}
	s.proposals[key] = p.Clone()
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, decisionID, proposalID uint64) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[poolKey{decisionID, proposalID}]
	if !ok {
		return nil, fmt.Errorf("proposal %d/%d: %w", decisionID, proposalID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListProposals(_ context.Context, decisionID uint64) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proposals []model.Proposal
	for key, p := range s.proposals {
		if key.decisionID == decisionID {
			proposals = append(proposals, *p.Clone())
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ID < proposals[j].ID })
	return proposals, nil
}

func (s *MemoryStore) UpdateProposal(_ context.Context, p *model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := poolKey{p.DecisionID, p.ID}
	if _, ok := s.proposals[key]; !ok {
		return fmt.Errorf("proposal %d/%d: %w", p.DecisionID, p.ID, ErrNotFound)
	}
	s.proposals[key] = p.Clone()
	return nil
}

func (s *MemoryStore) PutReserves(_ context.Context, r *model.ReserveState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserves[poolKey{r.DecisionID, r.ProposalID}] = r.Clone()
	return nil
}

func (s *MemoryStore) GetReserves(_ context.Context, decisionID, proposalID uint64) (*model.ReserveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reserves[poolKey{decisionID, proposalID}]
	if !ok {
		return nil, fmt.Errorf("reserves %d/%d: %w", decisionID, proposalID, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, decisionID uint64, user string) (*model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{decisionID, user}]
	if !ok {
		return nil, fmt.Errorf("position %d/%s: %w", decisionID, user, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) PutPosition(_ context.Context, p *model.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey{p.DecisionID, p.User}] = p.Clone()
	return nil
}

func (s *MemoryStore) InsertTradeRecord(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) TradesByDecision(_ context.Context, decisionID uint64) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.DecisionID == decisionID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, user string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.User == user {
			result = append(result, t)
		}
	}
	return result, nil
}
