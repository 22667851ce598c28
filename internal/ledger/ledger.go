// Package ledger implements the per-position cost-basis state machine. A
// Ledger replays one wallet's collapsed event stream, maintaining signed
// quantity, cost basis, and realized PnL per position key under the
// configured short-inventory policy and cost method.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// Short-inventory policies. Supplied once per run, uniform for all positions.
const (
	// NoShorts clamps every reduction to tracked inventory; the shortfall is
	// dropped and counted, never realized.
	NoShorts = "no_shorts"
	// FullShorts honors reductions beyond inventory by extending the
	// position into negative territory, tracked as first-class.
	FullShorts = "full_shorts"
	// ClampedShorts honors reductions like FullShorts but records the excess
	// beyond tracked inventory in the clamp diagnostics.
	ClampedShorts = "clamped_shorts"
)

// Cost-basis methods.
const (
	WeightedAverage = "weighted_average"
	FifoLots        = "fifo_lots"
)

var validShortPolicies = map[string]bool{
	NoShorts:      true,
	FullShorts:    true,
	ClampedShorts: true,
}

var validCostMethods = map[string]bool{
	WeightedAverage: true,
	FifoLots:        true,
}

var (
	ErrUnknownShortPolicy = errors.New("ledger: unknown short policy")
	ErrUnknownCostMethod  = errors.New("ledger: unknown cost method")
)

// Config selects the policy knobs for one replay. Unknown values are fatal
// at construction, before any event is processed.
type Config struct {
	ShortPolicy string `json:"short_policy"`
	CostMethod  string `json:"cost_method"`
}

// Validate reports whether the policy knobs name known values.
func (c Config) Validate() error {
	if !validShortPolicies[c.ShortPolicy] {
		return fmt.Errorf("%w: %q", ErrUnknownShortPolicy, c.ShortPolicy)
	}
	if !validCostMethods[c.CostMethod] {
		return fmt.Errorf("%w: %q", ErrUnknownCostMethod, c.CostMethod)
	}
	return nil
}

// Lot is one FIFO acquisition. Lots belong to the currently open side and
// are consumed oldest-first; a partially consumed lot keeps its unit cost.
type Lot struct {
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// Position is the mutable state of one ledger line. It lives for one replay
// and is owned exclusively by its Ledger.
type Position struct {
	Key         model.PositionKey
	Quantity    decimal.Decimal // signed: long > 0, short < 0
	CostBasis   decimal.Decimal // magnitude of capital in current inventory, never negative
	RealizedPnl decimal.Decimal // running total, accumulated at reductions and settlement
	lots        []Lot           // fifo_lots only
}

// AvgCost returns CostBasis/|Quantity|, or zero when flat. For shorts this
// is the average entry price, mirrored in sign handling by callers.
func (p *Position) AvgCost() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Quantity.Abs())
}

// Lots returns a copy of the open FIFO lots, oldest first.
func (p *Position) Lots() []Lot {
	out := make([]Lot, len(p.lots))
	copy(out, p.lots)
	return out
}

// Settle force-realizes all remaining inventory at price and returns the
// realized delta. The signed formula quantity*(price − avgCost) covers both
// long and short inventory. Settling a flat position is a no-op returning
// zero; its PnL was already realized incrementally.
func (p *Position) Settle(price decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	delta := p.Quantity.Mul(price).Sub(p.signedBasis())
	p.RealizedPnl = p.RealizedPnl.Add(delta)
	p.Quantity = decimal.Zero
	p.CostBasis = decimal.Zero
	p.lots = nil
	return delta
}

// MarkValue returns the unrealized PnL of the remaining inventory at the
// given mark price without mutating state.
func (p *Position) MarkValue(mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.Quantity.Mul(mark).Sub(p.signedBasis())
}

// signedBasis is CostBasis carrying the position's sign, so that
// quantity*price − signedBasis yields PnL for either side.
func (p *Position) signedBasis() decimal.Decimal {
	if p.Quantity.IsNegative() {
		return p.CostBasis.Neg()
	}
	return p.CostBasis
}

// Ledger replays one wallet's event stream. Not safe for concurrent use;
// one wallet is one strictly sequential fold.
type Ledger struct {
	cfg       Config
	positions map[model.PositionKey]*Position
	diag      model.Diagnostics
}

// New validates the configuration and returns an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		cfg:       cfg,
		positions: make(map[model.PositionKey]*Position),
	}, nil
}

// Replay applies events strictly in the order given. The caller is
// responsible for having normalized the stream first.
func (l *Ledger) Replay(events []model.PositionEvent) {
	for _, ev := range events {
		l.Apply(ev)
	}
}

// Position returns the state for a key, or nil if no event touched it.
func (l *Ledger) Position(key model.PositionKey) *Position {
	return l.positions[key]
}

// Positions returns all touched positions in deterministic key order.
func (l *Ledger) Positions() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.OutcomeIndex != b.OutcomeIndex {
			return a.OutcomeIndex < b.OutcomeIndex
		}
		return a.Wallet < b.Wallet
	})
	return out
}

// Diagnostics returns a copy of the counters accumulated so far.
func (l *Ledger) Diagnostics() model.Diagnostics {
	return l.diag
}

// Apply folds one event into its position. Data gaps (reductions beyond
// inventory, orphan cost adjustments) become counters, never errors.
func (l *Ledger) Apply(ev model.PositionEvent) {
	p := l.position(ev.Key())
	l.diag.EventsProcessed++

	switch ev.EventType {
	case model.EventBuy:
		l.applyIncrease(p, ev)
		l.diag.TotalTradedTokens = l.diag.TotalTradedTokens.Add(ev.Quantity)
	case model.EventSplit:
		l.applyIncrease(p, ev)
	case model.EventSell:
		applied := l.applyDecrease(p, ev, true)
		l.diag.TotalTradedTokens = l.diag.TotalTradedTokens.Add(applied)
	case model.EventMerge, model.EventRedemption:
		l.applyDecrease(p, ev, false)
	case model.EventTransferIn:
		l.applyTransferIn(p, ev)
	case model.EventTransferOut:
		l.applyTransferOut(p, ev)
	case model.EventCostAdjustment:
		l.applyCostAdjustment(p, ev)
	}
}

func (l *Ledger) position(key model.PositionKey) *Position {
	p, ok := l.positions[key]
	if !ok {
		p = &Position{Key: key}
		l.positions[key] = p
	}
	return p
}

// eventCost is the capital magnitude an event moves: the explicit cash
// delta when supplied, otherwise quantity*price.
func eventCost(ev model.PositionEvent) decimal.Decimal {
	if !ev.CashDelta.IsZero() {
		return ev.CashDelta.Abs()
	}
	return ev.Quantity.Mul(ev.Price)
}

// applyIncrease handles BUY and SPLIT: close short inventory first (mirrored
// realization), then extend the long side with the remainder.
func (l *Ledger) applyIncrease(p *Position, ev model.PositionEvent) {
	qty := ev.Quantity
	if qty.IsZero() {
		return
	}
	unitCost := eventCost(ev).Div(qty)

	if p.Quantity.IsNegative() {
		shortQty := p.Quantity.Neg()
		matched := decimal.Min(qty, shortQty)
		costOut := l.consume(p, matched)
		// Closing a short: realized = entry proceeds − buy-back cost.
		realized := costOut.Sub(matched.Mul(unitCost))
		p.RealizedPnl = p.RealizedPnl.Add(realized)
		qty = qty.Sub(matched)
	}
	if qty.IsPositive() {
		l.extend(p, qty, unitCost, 1)
	}
}

// applyDecrease handles SELL, MERGE, and REDEMPTION: reduce long inventory,
// then either drop the shortfall (no_shorts) or open/extend a short.
// isSell controls the sell-specific skip counters.
func (l *Ledger) applyDecrease(p *Position, ev model.PositionEvent, isSell bool) decimal.Decimal {
	requested := ev.Quantity
	if requested.IsZero() {
		return decimal.Zero
	}
	quoted := eventCost(ev)
	unitPrice := quoted.Div(requested)

	if isSell {
		l.diag.TotalSellNotional = l.diag.TotalSellNotional.Add(quoted)
	}

	available := decimal.Max(p.Quantity, decimal.Zero)
	matched := decimal.Min(requested, available)
	excess := requested.Sub(matched)

	if matched.IsPositive() {
		costOut := l.consume(p, matched)
		// Proceeds scale proportionally when clamped: credit only the
		// honored fraction of the quoted notional.
		realized := matched.Mul(unitPrice).Sub(costOut)
		p.RealizedPnl = p.RealizedPnl.Add(realized)
	}

	if excess.IsZero() {
		return matched
	}

	switch l.cfg.ShortPolicy {
	case NoShorts:
		// Never invent proceeds for tokens not tracked as owned: the
		// shortfall is dropped, recorded, and never realized.
		l.diag.ClampedTokenTotal = l.diag.ClampedTokenTotal.Add(excess)
		if isSell {
			l.diag.SkippedSellCount++
			l.diag.SkippedSellNotional = l.diag.SkippedSellNotional.Add(excess.Mul(unitPrice))
		}
		return matched
	case ClampedShorts:
		// Honored, but the excursion below tracked inventory is flagged.
		l.diag.ClampedTokenTotal = l.diag.ClampedTokenTotal.Add(excess)
	}
	l.extend(p, excess, unitPrice, -1)
	return requested
}

// applyTransferIn adds inventory at zero cost. Inbound tokens first cancel
// short inventory quietly (no trade happened, nothing is realized), then
// extend the long side with unknown (zero) basis.
func (l *Ledger) applyTransferIn(p *Position, ev model.PositionEvent) {
	qty := ev.Quantity
	if qty.IsZero() {
		return
	}
	l.diag.TransferInTokens = l.diag.TransferInTokens.Add(qty)

	if p.Quantity.IsNegative() {
		matched := decimal.Min(qty, p.Quantity.Neg())
		l.consume(p, matched)
		qty = qty.Sub(matched)
	}
	if qty.IsPositive() {
		l.extend(p, qty, decimal.Zero, 1)
	}
}

// applyTransferOut removes inventory and its proportional cost basis without
// realizing anything; transfers are inventory moves, not trades. Outbound
// quantity is clamped to tracked inventory under every policy: tokens that
// were never tracked cannot leave.
func (l *Ledger) applyTransferOut(p *Position, ev model.PositionEvent) {
	qty := ev.Quantity
	if qty.IsZero() {
		return
	}
	available := decimal.Max(p.Quantity, decimal.Zero)
	matched := decimal.Min(qty, available)
	if excess := qty.Sub(matched); excess.IsPositive() {
		l.diag.ClampedTokenTotal = l.diag.ClampedTokenTotal.Add(excess)
	}
	if matched.IsPositive() {
		l.consume(p, matched)
	}
}

// applyCostAdjustment moves cost basis without a matching quantity. A
// negative cash delta adds cost, a positive one removes it; the basis never
// goes below zero. With no open inventory there is nothing to attach the
// adjustment to.
func (l *Ledger) applyCostAdjustment(p *Position, ev model.PositionEvent) {
	if p.Quantity.IsZero() {
		l.diag.OrphanCostAdjustments++
		return
	}
	oldBasis := p.CostBasis
	newBasis := oldBasis.Sub(ev.CashDelta)
	if newBasis.IsNegative() {
		newBasis = decimal.Zero
	}
	p.CostBasis = newBasis

	if l.cfg.CostMethod == FifoLots && len(p.lots) > 0 {
		if oldBasis.IsPositive() {
			factor := newBasis.Div(oldBasis)
			for i := range p.lots {
				p.lots[i].UnitCost = p.lots[i].UnitCost.Mul(factor)
			}
		} else {
			// Zero-basis lots (transfers): spread the new basis evenly.
			perToken := newBasis.Div(p.Quantity.Abs())
			for i := range p.lots {
				p.lots[i].UnitCost = perToken
			}
		}
	}
}

// extend grows the position on the given side (+1 long, -1 short) at the
// given unit cost.
func (l *Ledger) extend(p *Position, qty, unitCost decimal.Decimal, side int64) {
	p.Quantity = p.Quantity.Add(qty.Mul(decimal.NewFromInt(side)))
	p.CostBasis = p.CostBasis.Add(qty.Mul(unitCost))
	if l.cfg.CostMethod == FifoLots {
		p.lots = append(p.lots, Lot{Quantity: qty, UnitCost: unitCost})
	}
}

// consume shrinks the position's magnitude by qty (caller guarantees
// qty ≤ |Quantity|) and returns the cost basis that left with it. Under
// weighted average the cost leaves proportionally; under FIFO the oldest
// lots are consumed first and a partial lot keeps its unit cost.
func (l *Ledger) consume(p *Position, qty decimal.Decimal) decimal.Decimal {
	abs := p.Quantity.Abs()
	var costOut decimal.Decimal

	if l.cfg.CostMethod == FifoLots {
		remaining := qty
		for remaining.IsPositive() && len(p.lots) > 0 {
			front := &p.lots[0]
			matched := decimal.Min(remaining, front.Quantity)
			costOut = costOut.Add(matched.Mul(front.UnitCost))
			front.Quantity = front.Quantity.Sub(matched)
			remaining = remaining.Sub(matched)
			if front.Quantity.IsZero() {
				p.lots = p.lots[1:]
			}
		}
	} else {
		if qty.Equal(abs) {
			costOut = p.CostBasis
		} else {
			costOut = p.CostBasis.Mul(qty).Div(abs)
		}
	}

	if p.Quantity.IsNegative() {
		p.Quantity = p.Quantity.Add(qty)
	} else {
		p.Quantity = p.Quantity.Sub(qty)
	}
	if p.Quantity.IsZero() {
		// Full exit takes the entire remaining basis; avoids division dust.
		costOut = p.CostBasis
		p.lots = nil
	}
	p.CostBasis = p.CostBasis.Sub(costOut)
	if p.CostBasis.IsNegative() {
		p.CostBasis = decimal.Zero
	}
	return costOut
}
