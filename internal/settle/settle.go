// Package settle values the positions left after a ledger replay. Positions
// with an official resolution are force-realized at the derived payout
// price; positions whose mark price is extreme enough are settled
// synthetically; everything else stays open, marked to market. Positions
// already flat from trading contribute exactly zero here; their PnL was
// realized incrementally, and revaluing them is the classic double count.
package settle

import (
	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/model"
)

// NeutralMark is the fallback price for an open position with neither a
// resolution nor a mark. A data gap values conservatively, it never errors.
var NeutralMark = decimal.NewFromFloat(0.5)

// Thresholds are the mark-price bounds for synthetic resolution. These are
// tuned constants, not derived ones; override them per run if recalibrated.
// Zero values fall back to the defaults.
type Thresholds struct {
	WinAt  decimal.Decimal `json:"win_at"`  // mark >= WinAt settles at 1.0
	LoseAt decimal.Decimal `json:"lose_at"` // mark <= LoseAt settles at 0.0
}

// DefaultThresholds returns the standard 0.99/0.01 bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WinAt:  decimal.NewFromFloat(0.99),
		LoseAt: decimal.NewFromFloat(0.01),
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.WinAt.IsZero() {
		t.WinAt = def.WinAt
	}
	if t.LoseAt.IsZero() {
		t.LoseAt = def.LoseAt
	}
	return t
}

// Resolve values every position in order, mutating the settled ones and
// accumulating settlement counters into diag. Resolutions are keyed by
// market id, marks by outcome ref; both maps may be sparse.
func Resolve(
	positions []*ledger.Position,
	resolutions map[string]model.Resolution,
	marks map[model.OutcomeRef]decimal.Decimal,
	th Thresholds,
	diag *model.Diagnostics,
) []model.PositionPnl {
	th = th.withDefaults()
	out := make([]model.PositionPnl, 0, len(positions))
	for _, p := range positions {
		out = append(out, resolveOne(p, resolutions, marks, th, diag))
	}
	return out
}

func resolveOne(
	p *ledger.Position,
	resolutions map[string]model.Resolution,
	marks map[model.OutcomeRef]decimal.Decimal,
	th Thresholds,
	diag *model.Diagnostics,
) model.PositionPnl {
	line := model.PositionPnl{
		Key:         p.Key,
		Quantity:    p.Quantity,
		AvgCost:     p.AvgCost(),
		RealizedPnl: p.RealizedPnl,
	}

	if p.Quantity.IsZero() {
		line.Status = model.StatusClosed
		diag.ClosedBeforeSettle++
		return line
	}

	// Official resolution wins when it can price the outcome. An unusable
	// payout vector is treated the same as an absent resolution.
	if res, ok := resolutions[p.Key.MarketID]; ok {
		if price, priceable := res.PayoutPrice(p.Key.OutcomeIndex); priceable {
			p.Settle(price)
			line.Status = model.StatusResolved
			line.SettlementPrice = price
			line.RealizedPnl = p.RealizedPnl
			diag.OfficialSettlements++
			return line
		}
	}

	mark, haveMark := marks[p.Key.Outcome()]
	if haveMark {
		var payout decimal.Decimal
		synthetic := false
		switch {
		case mark.GreaterThanOrEqual(th.WinAt):
			payout, synthetic = decimal.NewFromInt(1), true
		case mark.LessThanOrEqual(th.LoseAt):
			payout, synthetic = decimal.Zero, true
		}
		if synthetic {
			p.Settle(payout)
			line.Status = model.StatusSynthetic
			line.SettlementPrice = payout
			line.RealizedPnl = p.RealizedPnl
			diag.SyntheticSettlements++
			return line
		}
	} else {
		mark = NeutralMark
	}

	line.Status = model.StatusMarked
	line.SettlementPrice = mark
	line.UnrealizedPnl = p.MarkValue(mark)
	diag.MarkedToMarket++
	diag.MissingResolutions++
	return line
}
