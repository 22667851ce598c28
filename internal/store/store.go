// Package store supplies the engine's external collaborators: wallet event
// history, market resolutions, mark prices, and summary persistence.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for settlement inputs), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = errors.New("store: not found")

// EventSource supplies one wallet's raw event history, already mapped to
// (market, outcome) keys and tagged with role/txHash for self-fill
// detection. Ordering is not guaranteed; callers normalize first.
type EventSource interface {
	FetchEvents(ctx context.Context, wallet string) ([]model.PositionEvent, error)
}

// ResolutionSource supplies official resolutions for a batch of markets.
// Unresolved markets are absent from the result map, never an error.
type ResolutionSource interface {
	FetchResolutions(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error)
}

// PriceSource supplies mark prices in [0,1] for a batch of outcomes.
// Unknown outcomes are absent from the result map.
type PriceSource interface {
	FetchMarkPrices(ctx context.Context, refs []model.OutcomeRef) (map[model.OutcomeRef]decimal.Decimal, error)
}

// SummaryStore persists computed wallet summaries. Summaries are
// append-only; reads return the most recent run per wallet.
type SummaryStore interface {
	// SaveSummary appends one computed summary.
	SaveSummary(ctx context.Context, summary *model.WalletPnlSummary) error

	// GetSummary returns the latest summary for a wallet.
	GetSummary(ctx context.Context, wallet string) (*model.WalletPnlSummary, error)

	// ListSummaries returns the latest summary of every wallet, newest first.
	ListSummaries(ctx context.Context) ([]model.WalletPnlSummary, error)
}

// Store bundles every collaborator behind one backend.
type Store interface {
	EventSource
	ResolutionSource
	PriceSource
	SummaryStore
}
