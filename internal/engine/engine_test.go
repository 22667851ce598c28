package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/model"
	"github.com/veridex/pnl-engine/internal/store"
)

const wallet = "0xw1"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var seq int

func ev(market, eventType string, qty, price float64) model.PositionEvent {
	seq++
	return model.PositionEvent{
		SourceID:     fmt.Sprintf("e%d", seq),
		Wallet:       wallet,
		MarketID:     market,
		OutcomeIndex: 0,
		EventType:    eventType,
		Quantity:     d(qty),
		Price:        d(price),
		Timestamp:    t0.Add(time.Duration(seq) * time.Second),
	}
}

// countingStore wraps MemoryStore to observe settlement-input fetches.
type countingStore struct {
	*store.MemoryStore
	resolutionCalls int
	priceCalls      int
}

func (c *countingStore) FetchResolutions(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error) {
	c.resolutionCalls++
	return c.MemoryStore.FetchResolutions(ctx, marketIDs)
}

func (c *countingStore) FetchMarkPrices(ctx context.Context, refs []model.OutcomeRef) (map[model.OutcomeRef]decimal.Decimal, error) {
	c.priceCalls++
	return c.MemoryStore.FetchMarkPrices(ctx, refs)
}

// eventsFunc adapts a function to store.EventSource.
type eventsFunc func(ctx context.Context, wallet string) ([]model.PositionEvent, error)

func (f eventsFunc) FetchEvents(ctx context.Context, wallet string) ([]model.PositionEvent, error) {
	return f(ctx, wallet)
}

type resolutionsFunc func(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error)

func (f resolutionsFunc) FetchResolutions(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error) {
	return f(ctx, marketIDs)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

// --- End-to-end scenario tests ---

func TestCompute_FifoScenario(t *testing.T) {
	ms := newStore(t)
	ms.SeedEvents(wallet,
		ev("mkt-1", model.EventBuy, 50, 0.30),
		ev("mkt-1", model.EventBuy, 50, 0.50),
		ev("mkt-1", model.EventSell, 75, 0.70),
	)
	ms.SeedResolution(model.Resolution{MarketID: "mkt-1", PayoutNumerators: []int64{1, 0}, ResolvedAt: t0})

	opts := DefaultOptions()
	opts.CostMethod = ledger.FifoLots

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 25.00 from the sell plus 25×(1.0−0.50) = 12.5 at resolution.
	if !summary.RealizedPnl.Equal(d(37.5)) {
		t.Errorf("expected realized 37.5, got %s", summary.RealizedPnl)
	}
	if !summary.UnrealizedPnl.IsZero() {
		t.Errorf("expected zero unrealized, got %s", summary.UnrealizedPnl)
	}
	if !summary.TotalPnl.Equal(d(37.5)) {
		t.Errorf("expected total 37.5, got %s", summary.TotalPnl)
	}
	if summary.PositionCount != 1 {
		t.Fatalf("expected 1 position, got %d", summary.PositionCount)
	}
	if summary.Positions[0].Status != model.StatusResolved {
		t.Errorf("expected resolved, got %s", summary.Positions[0].Status)
	}
	if !summary.ExportEligible || summary.EarlyExit {
		t.Errorf("clean wallet: eligible=%v earlyExit=%v", summary.ExportEligible, summary.EarlyExit)
	}
	if summary.ID == "" || summary.ComputedAt.IsZero() {
		t.Error("summary must carry an id and timestamp")
	}
	if summary.ShortPolicy != ledger.NoShorts || summary.CostMethod != ledger.FifoLots {
		t.Errorf("summary must echo its policies, got %s/%s", summary.ShortPolicy, summary.CostMethod)
	}
	if summary.Diagnostics.EventsProcessed != 3 || summary.Diagnostics.OfficialSettlements != 1 {
		t.Errorf("unexpected diagnostics: %+v", summary.Diagnostics)
	}
}

func TestCompute_WeightedAverageScenario(t *testing.T) {
	ms := newStore(t)
	ms.SeedEvents(wallet,
		ev("mkt-1", model.EventBuy, 100, 0.50),
		ev("mkt-1", model.EventSell, 60, 0.70),
	)
	ms.SeedResolution(model.Resolution{MarketID: "mkt-1", PayoutNumerators: []int64{1, 0}, ResolvedAt: t0})

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 12 from the sell plus 40×(1.0−0.50) = 20 at resolution.
	if !summary.RealizedPnl.Equal(d(32)) {
		t.Errorf("expected realized 32.00, got %s", summary.RealizedPnl)
	}
}

func TestCompute_MarkToMarket(t *testing.T) {
	ms := newStore(t)
	ms.SeedEvents(wallet, ev("mkt-1", model.EventBuy, 10, 0.40))
	ms.SeedMarkPrice(model.OutcomeRef{MarketID: "mkt-1", OutcomeIndex: 0}, d(0.60))

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !summary.RealizedPnl.IsZero() {
		t.Errorf("expected zero realized, got %s", summary.RealizedPnl)
	}
	if !summary.UnrealizedPnl.Equal(d(2)) {
		t.Errorf("expected unrealized 2.00, got %s", summary.UnrealizedPnl)
	}
	if summary.Positions[0].Status != model.StatusMarked {
		t.Errorf("expected marked, got %s", summary.Positions[0].Status)
	}
}

func TestCompute_EmptyWallet(t *testing.T) {
	ms := newStore(t)

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.PositionCount != 0 || !summary.TotalPnl.IsZero() {
		t.Errorf("expected empty summary, got %+v", summary)
	}
	if !summary.ExportEligible {
		t.Error("a wallet with no activity has nothing to distrust")
	}
	if ms.resolutionCalls != 0 || ms.priceCalls != 0 {
		t.Error("no open positions means no settlement fetches")
	}
}

// --- Rounding tests ---

func TestCompute_RoundsEachPositionThenSums(t *testing.T) {
	// Two positions each realize 0.004: rounded per position first, the
	// total is 0.00, not round(0.008) = 0.01.
	ms := newStore(t)
	ms.SeedEvents(wallet,
		ev("mkt-1", model.EventBuy, 1, 0.10),
		ev("mkt-1", model.EventSell, 1, 0.104),
		ev("mkt-2", model.EventBuy, 1, 0.10),
		ev("mkt-2", model.EventSell, 1, 0.104),
	)

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !summary.RealizedPnl.IsZero() {
		t.Errorf("round-then-sum must yield 0.00, got %s", summary.RealizedPnl)
	}
	for _, p := range summary.Positions {
		if !p.RealizedPnl.IsZero() {
			t.Errorf("position %s must be rounded to 0.00, got %s", p.Key.MarketID, p.RealizedPnl)
		}
	}
}

// --- Normalization plumbing tests ---

func TestCompute_CollapseCountersReachSummary(t *testing.T) {
	buy := ev("mkt-1", model.EventBuy, 10, 0.50)
	dup := buy
	taker := ev("mkt-1", model.EventBuy, 5, 0.50)
	taker.Role = model.RoleTaker
	taker.TxHash = "0xt1"
	maker := ev("mkt-1", model.EventSell, 5, 0.50)
	maker.Role = model.RoleMaker
	maker.TxHash = "0xt1"

	ms := newStore(t)
	ms.SeedEvents(wallet, buy, dup, taker, maker)
	ms.SeedResolution(model.Resolution{MarketID: "mkt-1", PayoutNumerators: []int64{1, 0}, ResolvedAt: t0})

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diag := summary.Diagnostics
	if diag.DuplicatesDropped != 1 {
		t.Errorf("expected 1 duplicate dropped, got %d", diag.DuplicatesDropped)
	}
	if diag.SelfFillsCollapsed != 1 {
		t.Errorf("expected 1 self-fill collapsed, got %d", diag.SelfFillsCollapsed)
	}
	// 15 tokens survive: 10 + 5 taker; the maker leg never hits the ledger.
	if !summary.Positions[0].Quantity.Equal(d(15)) {
		t.Errorf("expected valued quantity 15, got %s", summary.Positions[0].Quantity)
	}
}

// --- Fail-fast tests ---

func seedGappyWallet(ms *countingStore) {
	// Twelve phantom sells trip the skipped-sell count gate; one real buy
	// keeps an open position so settlement would have work to do.
	for i := 0; i < 12; i++ {
		ms.SeedEvents(wallet, ev("mkt-gap", model.EventSell, 1, 0.50))
	}
	ms.SeedEvents(wallet, ev("mkt-open", model.EventBuy, 5, 0.50))
}

func TestCompute_EarlyExitSkipsSettlementFetches(t *testing.T) {
	ms := newStore(t)
	seedGappyWallet(ms)

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !summary.EarlyExit {
		t.Fatal("expected early exit")
	}
	if summary.ExportEligible {
		t.Error("early exit is always ineligible")
	}
	if ms.resolutionCalls != 0 || ms.priceCalls != 0 {
		t.Errorf("early exit must skip fetches: resolutions=%d prices=%d",
			ms.resolutionCalls, ms.priceCalls)
	}
	if !summary.UnrealizedPnl.IsZero() {
		t.Errorf("early exit carries zero unrealized, got %s", summary.UnrealizedPnl)
	}
	for _, p := range summary.Positions {
		if p.Status != model.StatusUnsettled {
			t.Errorf("expected unsettled, got %s", p.Status)
		}
	}
}

func TestCompute_FailFastDisabledStillSettles(t *testing.T) {
	ms := newStore(t)
	seedGappyWallet(ms)

	opts := DefaultOptions()
	opts.FailFast = false

	summary, err := New(ms, ms, ms, 0).Compute(context.Background(), wallet, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.EarlyExit {
		t.Error("fail-fast disabled must not exit early")
	}
	if summary.ExportEligible {
		t.Error("the gate verdict itself is unchanged")
	}
	if ms.resolutionCalls != 1 {
		t.Errorf("expected 1 batched resolution fetch, got %d", ms.resolutionCalls)
	}
	if ms.priceCalls != 1 {
		t.Errorf("expected 1 batched price fetch, got %d", ms.priceCalls)
	}
}

// --- Error taxonomy tests ---

func TestCompute_BadConfigFailsBeforeAnyFetch(t *testing.T) {
	calls := 0
	events := eventsFunc(func(context.Context, string) ([]model.PositionEvent, error) {
		calls++
		return nil, nil
	})

	opts := DefaultOptions()
	opts.ShortPolicy = "sometimes"

	_, err := New(events, nil, nil, 0).Compute(context.Background(), wallet, opts)
	if !errors.Is(err, ledger.ErrUnknownShortPolicy) {
		t.Fatalf("expected ErrUnknownShortPolicy, got %v", err)
	}
	if calls != 0 {
		t.Errorf("config errors must precede fetches, got %d calls", calls)
	}
}

func TestCompute_EventSourceFailureWrapped(t *testing.T) {
	events := eventsFunc(func(context.Context, string) ([]model.PositionEvent, error) {
		return nil, errors.New("connection refused")
	})

	_, err := New(events, nil, nil, 0).Compute(context.Background(), wallet, DefaultOptions())
	if !errors.Is(err, ErrSource) {
		t.Fatalf("expected ErrSource, got %v", err)
	}
}

func TestCompute_ResolutionSourceFailureWrapped(t *testing.T) {
	ms := newStore(t)
	ms.SeedEvents(wallet, ev("mkt-1", model.EventBuy, 10, 0.40))

	failing := resolutionsFunc(func(context.Context, []string) (map[string]model.Resolution, error) {
		return nil, errors.New("timeout")
	})

	_, err := New(ms, failing, ms, 0).Compute(context.Background(), wallet, DefaultOptions())
	if !errors.Is(err, ErrSource) {
		t.Fatalf("expected ErrSource, got %v", err)
	}
}

// --- Batch tests ---

func TestComputeBatch_IsolatesFailures(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SeedEvents("0xgood",
		model.PositionEvent{
			SourceID: "g1", Wallet: "0xgood", MarketID: "mkt-1",
			EventType: model.EventBuy, Quantity: d(10), Price: d(0.40), Timestamp: t0,
		})
	ms.SeedMarkPrice(model.OutcomeRef{MarketID: "mkt-1", OutcomeIndex: 0}, d(0.60))

	events := eventsFunc(func(ctx context.Context, w string) ([]model.PositionEvent, error) {
		if w == "0xbad" {
			return nil, errors.New("connection refused")
		}
		return ms.FetchEvents(ctx, w)
	})

	wallets := []string{"0xgood", "0xbad", "0xempty"}
	results := New(events, ms, ms, 2).ComputeBatch(context.Background(), wallets, DefaultOptions())

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, w := range wallets {
		if results[i].Wallet != w {
			t.Errorf("result %d: expected wallet %s, got %s", i, w, results[i].Wallet)
		}
	}
	if results[0].Err != nil {
		t.Errorf("good wallet must succeed: %v", results[0].Err)
	}
	if !results[0].Summary.UnrealizedPnl.Equal(d(2)) {
		t.Errorf("expected unrealized 2 for good wallet, got %s", results[0].Summary.UnrealizedPnl)
	}
	if !errors.Is(results[1].Err, ErrSource) {
		t.Errorf("bad wallet must carry its own error, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Summary.PositionCount != 0 {
		t.Errorf("empty wallet must produce an empty summary: %+v", results[2])
	}
}
