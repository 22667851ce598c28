package settle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func key(market string, outcome int) model.PositionKey {
	return model.PositionKey{Wallet: "0xabc", MarketID: market, OutcomeIndex: outcome}
}

// long returns an open long position qty@avg built directly.
func long(market string, outcome int, qty, avg float64) *ledger.Position {
	q := d(qty)
	return &ledger.Position{
		Key:       key(market, outcome),
		Quantity:  q,
		CostBasis: q.Mul(d(avg)),
	}
}

func resolution(market string, numerators ...int64) map[string]model.Resolution {
	return map[string]model.Resolution{
		market: {MarketID: market, PayoutNumerators: numerators, ResolvedAt: time.Now()},
	}
}

func markFor(k model.PositionKey, price float64) map[model.OutcomeRef]decimal.Decimal {
	return map[model.OutcomeRef]decimal.Decimal{k.Outcome(): d(price)}
}

// --- Official resolution tests ---

func TestResolve_OfficialPayout(t *testing.T) {
	p := long("mkt-1", 0, 40, 0.50)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0), nil, DefaultThresholds(), diag)

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line.Status != model.StatusResolved {
		t.Errorf("expected resolved, got %s", line.Status)
	}
	if !line.SettlementPrice.Equal(d(1.0)) {
		t.Errorf("expected payout 1.0, got %s", line.SettlementPrice)
	}
	// 40 × (1.0 − 0.50) = 20.
	if !line.RealizedPnl.Equal(d(20)) {
		t.Errorf("expected realized 20, got %s", line.RealizedPnl)
	}
	if !line.Quantity.Equal(d(40)) {
		t.Errorf("line reports the valued quantity 40, got %s", line.Quantity)
	}
	if !p.Quantity.IsZero() || !p.CostBasis.IsZero() {
		t.Error("position must be zeroed after official settlement")
	}
	if diag.OfficialSettlements != 1 {
		t.Errorf("expected 1 official settlement, got %d", diag.OfficialSettlements)
	}
}

func TestResolve_PayoutDenominatorIsDerived(t *testing.T) {
	// Numerators [1,1]: each side pays 1/2, never 1/constant-denominator.
	p := long("mkt-1", 1, 10, 0.30)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 1), nil, DefaultThresholds(), diag)

	if !lines[0].SettlementPrice.Equal(d(0.5)) {
		t.Errorf("expected derived payout 0.5, got %s", lines[0].SettlementPrice)
	}
	// 10 × (0.5 − 0.3) = 2.
	if !lines[0].RealizedPnl.Equal(d(2)) {
		t.Errorf("expected realized 2, got %s", lines[0].RealizedPnl)
	}
}

func TestResolve_LosingOutcomePaysZero(t *testing.T) {
	p := long("mkt-1", 1, 10, 0.30)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0), nil, DefaultThresholds(), diag)

	if !lines[0].SettlementPrice.IsZero() {
		t.Errorf("expected payout 0, got %s", lines[0].SettlementPrice)
	}
	if !lines[0].RealizedPnl.Equal(d(-3)) {
		t.Errorf("expected realized -3, got %s", lines[0].RealizedPnl)
	}
}

func TestResolve_ShortMirrored(t *testing.T) {
	p := &ledger.Position{Key: key("mkt-1", 0), Quantity: d(-10), CostBasis: d(7)}
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0), nil, DefaultThresholds(), diag)

	// Short 10 entered at 0.70, outcome pays 1.0: realized −3.
	if !lines[0].RealizedPnl.Equal(d(-3)) {
		t.Errorf("expected realized -3 for the losing short, got %s", lines[0].RealizedPnl)
	}
}

func TestResolve_UnusableResolutionFallsBackToMark(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	// All-zero numerators cannot price anything.
	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 0, 0),
		markFor(p.Key, 0.60), DefaultThresholds(), diag)

	if lines[0].Status != model.StatusMarked {
		t.Errorf("expected marked, got %s", lines[0].Status)
	}
	if diag.OfficialSettlements != 0 {
		t.Errorf("unusable resolution must not count as official, got %d", diag.OfficialSettlements)
	}
}

func TestResolve_OutcomeIndexOutOfRangeFallsBack(t *testing.T) {
	p := long("mkt-1", 5, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0), nil, DefaultThresholds(), diag)

	if lines[0].Status != model.StatusMarked {
		t.Errorf("expected marked for unpriceable outcome, got %s", lines[0].Status)
	}
}

// --- Closed position tests ---

func TestResolve_ClosedPositionContributesZero(t *testing.T) {
	p := &ledger.Position{Key: key("mkt-1", 0), RealizedPnl: d(12)}
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0),
		markFor(p.Key, 0.99), DefaultThresholds(), diag)

	line := lines[0]
	if line.Status != model.StatusClosed {
		t.Errorf("expected closed, got %s", line.Status)
	}
	// Realized stays exactly what trading produced; no settlement delta.
	if !line.RealizedPnl.Equal(d(12)) {
		t.Errorf("expected realized 12 untouched, got %s", line.RealizedPnl)
	}
	if !line.UnrealizedPnl.IsZero() {
		t.Errorf("closed position must carry zero unrealized, got %s", line.UnrealizedPnl)
	}
	if diag.ClosedBeforeSettle != 1 {
		t.Errorf("expected ClosedBeforeSettle 1, got %d", diag.ClosedBeforeSettle)
	}
	if diag.OfficialSettlements != 0 || diag.SyntheticSettlements != 0 {
		t.Error("closed position must not be settled again")
	}
}

// --- Synthetic resolution tests ---

func TestResolve_SyntheticWin(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, nil, markFor(p.Key, 0.995), DefaultThresholds(), diag)

	line := lines[0]
	if line.Status != model.StatusSynthetic {
		t.Errorf("expected synthetic, got %s", line.Status)
	}
	if !line.SettlementPrice.Equal(d(1.0)) {
		t.Errorf("certain winner settles at 1.0, got %s", line.SettlementPrice)
	}
	if !line.RealizedPnl.Equal(d(6)) {
		t.Errorf("expected realized 6, got %s", line.RealizedPnl)
	}
	if diag.SyntheticSettlements != 1 || diag.OfficialSettlements != 0 {
		t.Errorf("synthetic and official are counted separately: %+v", diag)
	}
}

func TestResolve_SyntheticLoss(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, nil, markFor(p.Key, 0.005), DefaultThresholds(), diag)

	if lines[0].Status != model.StatusSynthetic {
		t.Errorf("expected synthetic, got %s", lines[0].Status)
	}
	if !lines[0].SettlementPrice.IsZero() {
		t.Errorf("certain loser settles at 0, got %s", lines[0].SettlementPrice)
	}
	if !lines[0].RealizedPnl.Equal(d(-4)) {
		t.Errorf("expected realized -4, got %s", lines[0].RealizedPnl)
	}
}

func TestResolve_ThresholdBoundariesInclusive(t *testing.T) {
	diag := &model.Diagnostics{}
	pWin := long("mkt-1", 0, 10, 0.40)
	pLose := long("mkt-2", 0, 10, 0.40)
	marks := map[model.OutcomeRef]decimal.Decimal{
		pWin.Key.Outcome():  d(0.99),
		pLose.Key.Outcome(): d(0.01),
	}

	lines := Resolve([]*ledger.Position{pWin, pLose}, nil, marks, DefaultThresholds(), diag)

	if lines[0].Status != model.StatusSynthetic || lines[1].Status != model.StatusSynthetic {
		t.Errorf("0.99 and 0.01 are inclusive bounds: %s / %s", lines[0].Status, lines[1].Status)
	}
}

func TestResolve_ZeroThresholdsUseDefaults(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, nil, markFor(p.Key, 0.995), Thresholds{}, diag)

	if lines[0].Status != model.StatusSynthetic {
		t.Errorf("zero-value thresholds must fall back to 0.99/0.01, got %s", lines[0].Status)
	}
}

func TestResolve_OfficialBeatsSynthetic(t *testing.T) {
	// Resolution says lost even though the mark screams winner.
	p := long("mkt-1", 1, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, resolution("mkt-1", 1, 0),
		markFor(p.Key, 0.999), DefaultThresholds(), diag)

	if lines[0].Status != model.StatusResolved {
		t.Errorf("official resolution takes precedence, got %s", lines[0].Status)
	}
	if !lines[0].RealizedPnl.Equal(d(-4)) {
		t.Errorf("expected realized -4 at payout 0, got %s", lines[0].RealizedPnl)
	}
}

// --- Mark-to-market tests ---

func TestResolve_MarkToMarket(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, nil, markFor(p.Key, 0.60), DefaultThresholds(), diag)

	line := lines[0]
	if line.Status != model.StatusMarked {
		t.Errorf("expected marked, got %s", line.Status)
	}
	// 10 × (0.60 − 0.40) = 2 unrealized; nothing realized.
	if !line.UnrealizedPnl.Equal(d(2)) {
		t.Errorf("expected unrealized 2, got %s", line.UnrealizedPnl)
	}
	if !line.RealizedPnl.IsZero() {
		t.Errorf("marking must not realize, got %s", line.RealizedPnl)
	}
	if !p.Quantity.Equal(d(10)) {
		t.Errorf("marked position stays open, got %s", p.Quantity)
	}
	if diag.MarkedToMarket != 1 || diag.MissingResolutions != 1 {
		t.Errorf("expected marked=1 missing=1, got %+v", diag)
	}
}

func TestResolve_MissingMarkFallsBackToNeutral(t *testing.T) {
	p := long("mkt-1", 0, 10, 0.40)
	diag := &model.Diagnostics{}

	lines := Resolve([]*ledger.Position{p}, nil, nil, DefaultThresholds(), diag)

	if !lines[0].SettlementPrice.Equal(d(0.5)) {
		t.Errorf("expected neutral 0.5 fallback, got %s", lines[0].SettlementPrice)
	}
	// 10 × (0.5 − 0.4) = 1.
	if !lines[0].UnrealizedPnl.Equal(d(1)) {
		t.Errorf("expected unrealized 1, got %s", lines[0].UnrealizedPnl)
	}
}

func TestResolve_MixedBatchCounts(t *testing.T) {
	resolved := long("mkt-1", 0, 10, 0.40)
	synthetic := long("mkt-2", 0, 10, 0.40)
	marked := long("mkt-3", 0, 10, 0.40)
	closed := &ledger.Position{Key: key("mkt-4", 0), RealizedPnl: d(5)}
	diag := &model.Diagnostics{}

	marks := map[model.OutcomeRef]decimal.Decimal{
		synthetic.Key.Outcome(): d(0.999),
		marked.Key.Outcome():    d(0.55),
	}

	lines := Resolve([]*ledger.Position{resolved, synthetic, marked, closed},
		resolution("mkt-1", 1, 0), marks, DefaultThresholds(), diag)

	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	want := []string{model.StatusResolved, model.StatusSynthetic, model.StatusMarked, model.StatusClosed}
	for i, w := range want {
		if lines[i].Status != w {
			t.Errorf("line %d: expected %s, got %s", i, w, lines[i].Status)
		}
	}
	if diag.OfficialSettlements != 1 || diag.SyntheticSettlements != 1 ||
		diag.MarkedToMarket != 1 || diag.ClosedBeforeSettle != 1 {
		t.Errorf("unexpected counters: %+v", diag)
	}
}
