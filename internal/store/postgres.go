package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmx/decision-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC and travel as decimal text so the
// 256-bit values survive the round trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// amount parses a NUMERIC-as-text column back into a 256-bit integer.
func amount(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

func notFoundErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) CreateDecision(ctx context.Context, d *model.Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO decisions (id, creator, metadata, total_deposits, total_credits, proposal_count, settled, winning_proposal_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		d.ID, d.Creator, d.Metadata,
		d.TotalDeposits.Dec(), d.TotalCredits.Dec(),
		d.ProposalCount, d.Settled, d.WinningProposalID, d.CreatedAt,
	)
	return err
}

func scanDecision(row pgx.Row) (*model.Decision, error) {
	var d model.Decision
	var deposits, credits string
	if err := row.Scan(&d.ID, &d.Creator, &d.Metadata,
		&deposits, &credits,
		&d.ProposalCount, &d.Settled, &d.WinningProposalID, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.TotalDeposits = amount(deposits)
	d.TotalCredits = amount(credits)
	return &d, nil
}

const decisionColumns = `id, creator, metadata,
	total_deposits::TEXT, total_credits::TEXT,
	proposal_count, settled, winning_proposal_id, created_at`

func (s *PostgresStore) GetDecision(ctx context.Context, id uint64) (*model.Decision, error) {
	d, err := scanDecision(s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("decision %d", id))
	}
	return d, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

func (s *PostgresStore) UpdateDecision(ctx context.Context, d *model.Decision) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE decisions
		 SET total_deposits = $2::NUMERIC, total_credits = $3::NUMERIC,
		     proposal_count = $4, settled = $5, winning_proposal_id = $6
		 WHERE id = $1`,
		d.ID, d.TotalDeposits.Dec(), d.TotalCredits.Dec(),
		d.ProposalCount, d.Settled, d.WinningProposalID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p *model.Proposal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO proposals (id, decision_id, venue_handle, metadata, trade_count, current_price, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		p.ID, p.DecisionID, p.VenueHandle, p.Metadata,
		p.TradeCount, p.CurrentPrice.Dec(), p.Active, p.CreatedAt,
	)
	return err
}

const proposalColumns = `id, decision_id, venue_handle, metadata,
	trade_count, current_price::TEXT, active, created_at`

func scanProposal(row pgx.Row) (*model.Proposal, error) {
	var p model.Proposal
	var price string
	if err := row.Scan(&p.ID, &p.DecisionID, &p.VenueHandle, &p.Metadata,
		&p.TradeCount, &price, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CurrentPrice = amount(price)
	return &p, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, decisionID, proposalID uint64) (*model.Proposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE decision_id = $1 AND id = $2`,
		decisionID, proposalID))
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("proposal %d/%d", decisionID, proposalID))
	}
	return p, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, decisionID uint64) ([]model.Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE decision_id = $1 ORDER BY id`,
		decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, p *model.Proposal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals
		 SET trade_count = $3, current_price = $4::NUMERIC, active = $5
		 WHERE decision_id = $1 AND id = $2`,
		p.DecisionID, p.ID, p.TradeCount, p.CurrentPrice.Dec(), p.Active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %d/%d: %w", p.DecisionID, p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PutReserves(ctx context.Context, r *model.ReserveState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reserves (decision_id, proposal_id, credits_reserve, tokens_reserve, total_supply, frozen, winner)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (decision_id, proposal_id) DO UPDATE
		 SET credits_reserve = EXCLUDED.credits_reserve,
		     tokens_reserve = EXCLUDED.tokens_reserve,
		     total_supply = EXCLUDED.total_supply,
		     frozen = EXCLUDED.frozen,
		     winner = EXCLUDED.winner`,
		r.DecisionID, r.ProposalID,
		r.CreditsReserve.Dec(), r.TokensReserve.Dec(), r.TotalSupply.Dec(),
		r.Frozen, r.Winner,
	)
	return err
}

func (s *PostgresStore) GetReserves(ctx context.Context, decisionID, proposalID uint64) (*model.ReserveState, error) {
	var r model.ReserveState
	var credits, tokens, supply string

	err := s.pool.QueryRow(ctx,
		`SELECT decision_id, proposal_id,
		        credits_reserve::TEXT, tokens_reserve::TEXT, total_supply::TEXT,
		        frozen, winner
		 FROM reserves WHERE decision_id = $1 AND proposal_id = $2`,
		decisionID, proposalID).
		Scan(&r.DecisionID, &r.ProposalID, &credits, &tokens, &supply, &r.Frozen, &r.Winner)
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("reserves %d/%d", decisionID, proposalID))
	}

	r.CreditsReserve = amount(credits)
	r.TokensReserve = amount(tokens)
	r.TotalSupply = amount(supply)
	return &r, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, decisionID uint64, user string) (*model.UserPosition, error) {
	p := model.NewUserPosition(decisionID, user)
	var total, used string

	err := s.pool.QueryRow(ctx,
		`SELECT total_credits::TEXT, used_credits::TEXT
		 FROM positions WHERE decision_id = $1 AND user_addr = $2`,
		decisionID, user).
		Scan(&total, &used)
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("position %d/%s", decisionID, user))
	}
	p.TotalCredits = amount(total)
	p.UsedCredits = amount(used)

	rows, err := s.pool.Query(ctx,
		`SELECT proposal_id, tokens::TEXT
		 FROM position_tokens WHERE decision_id = $1 AND user_addr = $2`,
		decisionID, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proposalID uint64
		var tokens string
		if err := rows.Scan(&proposalID, &tokens); err != nil {
			return nil, err
		}
		p.Tokens[proposalID] = amount(tokens)
	}
	return p, rows.Err()
}

func (s *PostgresStore) PutPosition(ctx context.Context, p *model.UserPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (decision_id, user_addr, total_credits, used_credits)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (decision_id, user_addr) DO UPDATE
		 SET total_credits = EXCLUDED.total_credits,
		     used_credits = EXCLUDED.used_credits`,
		p.DecisionID, p.User, p.TotalCredits.Dec(), p.UsedCredits.Dec(),
	)
	if err != nil {
		return err
	}

	for proposalID, tokens := range p.Tokens {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO position_tokens (decision_id, user_addr, proposal_id, tokens)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (decision_id, user_addr, proposal_id) DO UPDATE
			 SET tokens = EXCLUDED.tokens`,
			p.DecisionID, p.User, proposalID, tokens.Dec(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertTradeRecord(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_records (id, decision_id, proposal_id, user_addr, credits_in, tokens_out, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.DecisionID, t.ProposalID, t.User,
		t.CreditsIn.Dec(), t.TokensOut.Dec(), t.Price.Dec(),
		t.Timestamp,
	)
	return err
}

const tradeColumns = `id, decision_id, proposal_id, user_addr,
	credits_in::TEXT, tokens_out::TEXT, price::TEXT, timestamp`

func scanTrades(rows pgx.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var credits, tokens, price string
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.ProposalID, &t.User,
			&credits, &tokens, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.CreditsIn = amount(credits)
		t.TokensOut = amount(tokens)
		t.Price = amount(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) TradesByDecision(ctx context.Context, decisionID uint64) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE decision_id = $1 ORDER BY timestamp`,
		decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, user string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE user_addr = $1 ORDER BY timestamp`,
		user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}
