package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FetchEvents(ctx context.Context, wallet string) ([]model.PositionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, wallet, market_id, outcome_index, event_type,
		        quantity::TEXT, price::TEXT, cash_delta::TEXT,
		        ts, block_number, log_index, role, tx_hash
		 FROM wallet_events
		 WHERE wallet = $1
		 ORDER BY ts, block_number, log_index`, wallet)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", wallet, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) FetchResolutions(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error) {
	if len(marketIDs) == 0 {
		return map[string]model.Resolution{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT market_id, payout_numerators, resolved_at
		 FROM market_resolutions
		 WHERE market_id = ANY($1)`, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch resolutions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Resolution)
	for rows.Next() {
		var r model.Resolution
		if err := rows.Scan(&r.MarketID, &r.PayoutNumerators, &r.ResolvedAt); err != nil {
			return nil, err
		}
		out[r.MarketID] = r
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchMarkPrices(ctx context.Context, refs []model.OutcomeRef) (map[model.OutcomeRef]decimal.Decimal, error) {
	if len(refs) == 0 {
		return map[model.OutcomeRef]decimal.Decimal{}, nil
	}

	wanted := make(map[model.OutcomeRef]bool, len(refs))
	marketIDs := make([]string, 0, len(refs))
	seen := make(map[string]bool)
	for _, ref := range refs {
		wanted[ref] = true
		if !seen[ref.MarketID] {
			seen[ref.MarketID] = true
			marketIDs = append(marketIDs, ref.MarketID)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT market_id, outcome_index, price::TEXT
		 FROM mark_prices
		 WHERE market_id = ANY($1)`, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch mark prices: %w", err)
	}
	defer rows.Close()

	out := make(map[model.OutcomeRef]decimal.Decimal)
	for rows.Next() {
		var ref model.OutcomeRef
		var priceS string
		if err := rows.Scan(&ref.MarketID, &ref.OutcomeIndex, &priceS); err != nil {
			return nil, err
		}
		if !wanted[ref] {
			continue
		}
		out[ref], _ = decimal.NewFromString(priceS)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSummary(ctx context.Context, summary *model.WalletPnlSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary for %s: %w", summary.Wallet, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pnl_summaries (id, wallet, realized_pnl, unrealized_pnl, total_pnl, position_count, payload, computed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		summary.ID, summary.Wallet,
		summary.RealizedPnl.String(), summary.UnrealizedPnl.String(), summary.TotalPnl.String(),
		summary.PositionCount, payload, summary.ComputedAt,
	)
	return err
}

func (s *PostgresStore) GetSummary(ctx context.Context, wallet string) (*model.WalletPnlSummary, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM pnl_summaries
		 WHERE wallet = $1
		 ORDER BY computed_at DESC
		 LIMIT 1`, wallet).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary for %s: %w", wallet, err)
	}

	var summary model.WalletPnlSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decode summary for %s: %w", wallet, err)
	}
	return &summary, nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context) ([]model.WalletPnlSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM (
		   SELECT DISTINCT ON (wallet) payload, computed_at
		   FROM pnl_summaries
		   ORDER BY wallet, computed_at DESC
		 ) latest
		 ORDER BY computed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []model.WalletPnlSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var summary model.WalletPnlSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// scanEvents reads pgx rows into PositionEvent slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.PositionEvent, error) {
	var events []model.PositionEvent
	for rows.Next() {
		var e model.PositionEvent
		var qtyS, priceS, cashS string
		var block int64
		var logIndex int32

		if err := rows.Scan(&e.SourceID, &e.Wallet, &e.MarketID, &e.OutcomeIndex, &e.EventType,
			&qtyS, &priceS, &cashS,
			&e.Timestamp, &block, &logIndex, &e.Role, &e.TxHash); err != nil {
			return nil, err
		}

		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.CashDelta, _ = decimal.NewFromString(cashS)
		e.BlockNumber = uint64(block)
		e.LogIndex = uint32(logIndex)

		events = append(events, e)
	}
	return events, rows.Err()
}
