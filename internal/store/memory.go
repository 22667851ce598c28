package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string][]model.PositionEvent
	resolutions map[string]model.Resolution
	marks       map[model.OutcomeRef]decimal.Decimal
	summaries   []model.WalletPnlSummary
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]model.PositionEvent),
		resolutions: make(map[string]model.Resolution),
		marks:       make(map[model.OutcomeRef]decimal.Decimal),
	}
}

// --- Seed helpers ---

// SeedEvents appends events to a wallet's history.
func (s *MemoryStore) SeedEvents(wallet string, events ...model.PositionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[wallet] = append(s.events[wallet], events...)
}

// SeedResolution records an official resolution.
func (s *MemoryStore) SeedResolution(res model.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions[res.MarketID] = res
}

// SeedMarkPrice records a mark price for one outcome.
func (s *MemoryStore) SeedMarkPrice(ref model.OutcomeRef, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[ref] = price
}

// --- Collaborator reads ---

func (s *MemoryStore) FetchEvents(_ context.Context, wallet string) ([]model.PositionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to avoid external mutation.
	events := make([]model.PositionEvent, len(s.events[wallet]))
	copy(events, s.events[wallet])
	return events, nil
}

func (s *MemoryStore) FetchResolutions(_ context.Context, marketIDs []string) (map[string]model.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Resolution)
	for _, id := range marketIDs {
		if res, ok := s.resolutions[id]; ok {
			out[id] = res
		}
	}
	return out, nil
}

func (s *MemoryStore) FetchMarkPrices(_ context.Context, refs []model.OutcomeRef) (map[model.OutcomeRef]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.OutcomeRef]decimal.Decimal)
	for _, ref := range refs {
		if price, ok := s.marks[ref]; ok {
			out[ref] = price
		}
	}
	return out, nil
}

// --- Summary persistence ---

func (s *MemoryStore) SaveSummary(_ context.Context, summary *model.WalletPnlSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries = append(s.summaries, *summary)
	return nil
}

func (s *MemoryStore) GetSummary(_ context.Context, wallet string) (*model.WalletPnlSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.summaries) - 1; i >= 0; i-- {
		if s.summaries[i].Wallet == wallet {
			copy := s.summaries[i]
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListSummaries(_ context.Context) ([]model.WalletPnlSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []model.WalletPnlSummary
	for i := len(s.summaries) - 1; i >= 0; i-- {
		sm := s.summaries[i]
		if seen[sm.Wallet] {
			continue
		}
		seen[sm.Wallet] = true
		out = append(out, sm)
	}
	return out, nil
}
