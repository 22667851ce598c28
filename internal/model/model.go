// Package model defines the core domain types shared across the PnL engine.
// All monetary values and token quantities use shopspring/decimal — never
// float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event types. Direction is implied by the type; Quantity is always a
// non-negative magnitude.
const (
	EventBuy            = "BUY"
	EventSell           = "SELL"
	EventSplit          = "SPLIT"
	EventMerge          = "MERGE"
	EventRedemption     = "REDEMPTION"
	EventTransferIn     = "TRANSFER_IN"
	EventTransferOut    = "TRANSFER_OUT"
	EventCostAdjustment = "COST_ADJUSTMENT"
)

var validEventTypes = map[string]bool{
	EventBuy:            true,
	EventSell:           true,
	EventSplit:          true,
	EventMerge:          true,
	EventRedemption:     true,
	EventTransferIn:     true,
	EventTransferOut:    true,
	EventCostAdjustment: true,
}

// Fill roles, set only on exchange fills and used by self-fill collapse.
const (
	RoleMaker = "maker"
	RoleTaker = "taker"
)

var (
	ErrUnknownEventType = errors.New("model: unknown event type")
	ErrMissingMarket    = errors.New("model: event has no market id")
	ErrNegativeQuantity = errors.New("model: negative quantity")
	ErrPriceOutOfRange  = errors.New("model: price outside [0,1]")
)

var one = decimal.NewFromInt(1)

// PositionKey identifies one ledger line: one outcome of one market held by
// one wallet.
type PositionKey struct {
	Wallet       string `json:"wallet"`
	MarketID     string `json:"market_id"`
	OutcomeIndex int    `json:"outcome_index"`
}

// Outcome strips the wallet, leaving the key used for price lookups.
func (k PositionKey) Outcome() OutcomeRef {
	return OutcomeRef{MarketID: k.MarketID, OutcomeIndex: k.OutcomeIndex}
}

// OutcomeRef identifies one outcome of one market, wallet-independent.
type OutcomeRef struct {
	MarketID     string `json:"market_id"`
	OutcomeIndex int    `json:"outcome_index"`
}

// PositionEvent is one inventory- or cash-affecting occurrence for one
// position key. Events are immutable once ingested.
type PositionEvent struct {
	SourceID     string          `json:"source_id" db:"source_id"` // stable id, dedup key
	Wallet       string          `json:"wallet" db:"wallet"`
	MarketID     string          `json:"market_id" db:"market_id"`
	OutcomeIndex int             `json:"outcome_index" db:"outcome_index"`
	EventType    string          `json:"event_type" db:"event_type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"` // non-negative magnitude
	Price        decimal.Decimal `json:"price" db:"price"`       // [0,1], 0 for transfers
	CashDelta    decimal.Decimal `json:"cash_delta" db:"cash_delta"` // signed USD, negative = outflow
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	BlockNumber  uint64          `json:"block_number" db:"block_number"`
	LogIndex     uint32          `json:"log_index" db:"log_index"`
	Role         string          `json:"role,omitempty" db:"role"` // maker/taker, fills only
	TxHash       string          `json:"tx_hash,omitempty" db:"tx_hash"`
}

// Key returns the position key the event applies to.
func (e PositionEvent) Key() PositionKey {
	return PositionKey{Wallet: e.Wallet, MarketID: e.MarketID, OutcomeIndex: e.OutcomeIndex}
}

// Validate checks structural soundness. A failing event is a data gap to be
// counted and skipped, not a fatal condition.
func (e PositionEvent) Validate() error {
	if !validEventTypes[e.EventType] {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if e.MarketID == "" {
		return fmt.Errorf("%w: source %s", ErrMissingMarket, e.SourceID)
	}
	if e.Quantity.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeQuantity, e.Quantity)
	}
	if e.Price.IsNegative() || e.Price.GreaterThan(one) {
		return fmt.Errorf("%w: %s", ErrPriceOutOfRange, e.Price)
	}
	return nil
}

// InventorySign reports the direction an event moves inventory:
// +1 increasing, -1 decreasing, 0 neutral (cost adjustments).
func (e PositionEvent) InventorySign() int {
	switch e.EventType {
	case EventBuy, EventSplit, EventTransferIn:
		return 1
	case EventSell, EventMerge, EventRedemption, EventTransferOut:
		return -1
	default:
		return 0
	}
}

// Before reports whether e orders strictly before o under the canonical
// (timestamp, blockNumber, logIndex, sourceId) key.
func (e PositionEvent) Before(o PositionEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	if e.LogIndex != o.LogIndex {
		return e.LogIndex < o.LogIndex
	}
	return e.SourceID < o.SourceID
}

// Resolution is the official settlement record for one market. The payout
// denominator is always derived from the numerators; a stored denominator is
// never trusted (a fixed stored "2" with non-summed numerators is a known
// source of doubled payouts on binary markets).
type Resolution struct {
	MarketID         string    `json:"market_id" db:"market_id"`
	PayoutNumerators []int64   `json:"payout_numerators" db:"payout_numerators"`
	ResolvedAt       time.Time `json:"resolved_at" db:"resolved_at"`
}

// PayoutPrice derives the per-token payout for one outcome. The second
// return is false when the resolution cannot price the outcome (index out of
// range, or all numerators zero).
func (r Resolution) PayoutPrice(outcomeIndex int) (decimal.Decimal, bool) {
	if outcomeIndex < 0 || outcomeIndex >= len(r.PayoutNumerators) {
		return decimal.Zero, false
	}
	var sum int64
	for _, n := range r.PayoutNumerators {
		if n < 0 {
			return decimal.Zero, false
		}
		sum += n
	}
	if sum == 0 {
		return decimal.Zero, false
	}
	num := decimal.NewFromInt(r.PayoutNumerators[outcomeIndex])
	return num.Div(decimal.NewFromInt(sum)), true
}

// Position lifecycle statuses reported in summaries.
const (
	StatusClosed    = "closed"    // fully exited by trading before settlement
	StatusResolved  = "resolved"  // force-realized at the official payout
	StatusSynthetic = "synthetic" // force-realized at an extreme mark price
	StatusMarked    = "marked"    // left open, valued against a mark price
	StatusUnsettled = "unsettled" // settlement skipped (early exit)
)

// Diagnostics carries the per-wallet counters accumulated during one
// computation run. Data gaps land here instead of failing the run.
type Diagnostics struct {
	EventsProcessed       int             `json:"events_processed"`
	InvalidEvents         int             `json:"invalid_events"`
	DuplicatesDropped     int             `json:"duplicates_dropped"`
	SelfFillsCollapsed    int             `json:"self_fills_collapsed"`
	SkippedSellCount      int             `json:"skipped_sell_count"`
	SkippedSellNotional   decimal.Decimal `json:"skipped_sell_notional"`
	TotalSellNotional     decimal.Decimal `json:"total_sell_notional"`
	ClampedTokenTotal     decimal.Decimal `json:"clamped_token_total"`
	TransferInTokens      decimal.Decimal `json:"transfer_in_tokens"`
	TotalTradedTokens     decimal.Decimal `json:"total_traded_tokens"`
	OrphanCostAdjustments int             `json:"orphan_cost_adjustments"`
	MissingResolutions    int             `json:"missing_resolutions"`
	OfficialSettlements   int             `json:"official_settlements"`
	SyntheticSettlements  int             `json:"synthetic_settlements"`
	MarkedToMarket        int             `json:"marked_to_market"`
	ClosedBeforeSettle    int             `json:"closed_before_settle"`
}

// Confidence is the trust verdict attached to every summary.
type Confidence struct {
	Score int    `json:"score"` // 0..100
	Band  string `json:"band"`  // high / medium / low
}

// GateCheck is one named export-gate check with its measured value. Failing
// gates are reported by name, never silently.
type GateCheck struct {
	Name   string          `json:"name"`
	Value  decimal.Decimal `json:"value"`
	Limit  decimal.Decimal `json:"limit"`
	Passed bool            `json:"passed"`
}

// PositionPnl is the per-position line of a summary. PnL fields are rounded
// to the cent.
type PositionPnl struct {
	Key             PositionKey     `json:"key"`
	Quantity        decimal.Decimal `json:"quantity"` // open quantity at valuation time
	AvgCost         decimal.Decimal `json:"avg_cost"`
	RealizedPnl     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl   decimal.Decimal `json:"unrealized_pnl"`
	Status          string          `json:"status"`
	SettlementPrice decimal.Decimal `json:"settlement_price,omitempty"`
}

// WalletPnlSummary is the final result of one wallet computation. Totals are
// the sums of per-position values after rounding each position to the cent;
// round-then-sum is contractual.
type WalletPnlSummary struct {
	ID             string          `json:"id" db:"id"`
	Wallet         string          `json:"wallet" db:"wallet"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	TotalPnl       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	PositionCount  int             `json:"position_count" db:"position_count"`
	Positions      []PositionPnl   `json:"positions,omitempty"`
	Diagnostics    Diagnostics     `json:"diagnostics"`
	Confidence     Confidence      `json:"confidence"`
	ExportEligible bool            `json:"export_eligible" db:"export_eligible"`
	GateChecks     []GateCheck     `json:"gate_checks,omitempty"`
	EarlyExit      bool            `json:"early_exit" db:"early_exit"`
	ShortPolicy    string          `json:"short_policy" db:"short_policy"`
	CostMethod     string          `json:"cost_method" db:"cost_method"`
	ComputedAt     time.Time       `json:"computed_at" db:"computed_at"`
}
