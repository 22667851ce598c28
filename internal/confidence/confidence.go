// Package confidence scores how trustworthy one wallet's computed PnL is
// and decides export eligibility. Penalties are driven entirely by the
// data-gap counters accumulated during the ledger pass, so the verdict can
// be produced before any settlement lookup. A clean replay keeps the full
// score.
package confidence

import (
	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// Confidence bands.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Export gate check names, reported in every summary.
const (
	GateSkippedSellCount    = "skipped_sell_count"
	GateSkippedSellNotional = "skipped_sell_notional_ratio"
	GateClampedTokenRatio   = "clamped_token_ratio"
	GateConfidenceScore     = "confidence_score"
)

// RatioTier is one penalty step: a ratio strictly above Above costs Penalty
// points.
type RatioTier struct {
	Above   decimal.Decimal `json:"above"`
	Penalty int             `json:"penalty"`
}

// CountTier is the absolute-count analogue of RatioTier.
type CountTier struct {
	Above   int `json:"above"`
	Penalty int `json:"penalty"`
}

// Config holds every tier, penalty, and cap. The values are tuned, not
// derived; override per run when recalibrating.
type Config struct {
	TransferTiers     []RatioTier `json:"transfer_tiers"`
	SkippedRatioTiers []RatioTier `json:"skipped_ratio_tiers"`
	SkippedCountTiers []CountTier `json:"skipped_count_tiers"`
	ClampedTiers      []RatioTier `json:"clamped_tiers"`

	MaxSkippedSells         int             `json:"max_skipped_sells"`
	MaxSkippedNotionalRatio decimal.Decimal `json:"max_skipped_notional_ratio"`
	MaxClampedRatio         decimal.Decimal `json:"max_clamped_ratio"`
	MinScore                int             `json:"min_score"`

	HighBandMin   int `json:"high_band_min"`
	MediumBandMin int `json:"medium_band_min"`
}

// DefaultConfig returns the standard tiers and gate caps.
func DefaultConfig() Config {
	return Config{
		TransferTiers: []RatioTier{
			{Above: decimal.NewFromFloat(0.02), Penalty: 10},
			{Above: decimal.NewFromFloat(0.05), Penalty: 20},
			{Above: decimal.NewFromFloat(0.10), Penalty: 40},
		},
		SkippedRatioTiers: []RatioTier{
			{Above: decimal.NewFromFloat(0.01), Penalty: 10},
			{Above: decimal.NewFromFloat(0.05), Penalty: 25},
			{Above: decimal.NewFromFloat(0.10), Penalty: 45},
		},
		SkippedCountTiers: []CountTier{
			{Above: 5, Penalty: 10},
			{Above: 20, Penalty: 20},
			{Above: 50, Penalty: 35},
		},
		ClampedTiers: []RatioTier{
			{Above: decimal.NewFromFloat(0.01), Penalty: 10},
			{Above: decimal.NewFromFloat(0.05), Penalty: 20},
			{Above: decimal.NewFromFloat(0.10), Penalty: 35},
		},
		MaxSkippedSells:         10,
		MaxSkippedNotionalRatio: decimal.NewFromFloat(0.02),
		MaxClampedRatio:         decimal.NewFromFloat(0.05),
		MinScore:                40,
		HighBandMin:             70,
		MediumBandMin:           40,
	}
}

// Result is the verdict for one wallet.
type Result struct {
	Score    int               `json:"score"`
	Band     string            `json:"band"`
	Eligible bool              `json:"eligible"`
	Checks   []model.GateCheck `json:"checks"`
}

// Evaluate scores the counters and runs the export gate. Per dimension only
// the highest crossed tier is charged. Failing gates are reported by name
// with their measured value and limit, never silently.
func Evaluate(diag model.Diagnostics, cfg Config) Result {
	transferRatio := safeRatio(diag.TransferInTokens, diag.TotalTradedTokens)
	skippedRatio := safeRatio(diag.SkippedSellNotional, diag.TotalSellNotional)
	clampedRatio := safeRatio(diag.ClampedTokenTotal, diag.TotalTradedTokens)

	score := 100
	score -= ratioPenalty(cfg.TransferTiers, transferRatio)

	// High-volume wallets can hide a large absolute count behind a small
	// ratio; both dimensions are checked and the larger penalty applies.
	skipPenalty := ratioPenalty(cfg.SkippedRatioTiers, skippedRatio)
	if cp := countPenalty(cfg.SkippedCountTiers, diag.SkippedSellCount); cp > skipPenalty {
		skipPenalty = cp
	}
	score -= skipPenalty

	score -= ratioPenalty(cfg.ClampedTiers, clampedRatio)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	checks := []model.GateCheck{
		intCheck(GateSkippedSellCount, diag.SkippedSellCount, cfg.MaxSkippedSells,
			diag.SkippedSellCount < cfg.MaxSkippedSells),
		ratioCheck(GateSkippedSellNotional, skippedRatio, cfg.MaxSkippedNotionalRatio,
			skippedRatio.LessThan(cfg.MaxSkippedNotionalRatio)),
		ratioCheck(GateClampedTokenRatio, clampedRatio, cfg.MaxClampedRatio,
			clampedRatio.LessThan(cfg.MaxClampedRatio)),
		intCheck(GateConfidenceScore, score, cfg.MinScore, score >= cfg.MinScore),
	}
	eligible := true
	for _, c := range checks {
		if !c.Passed {
			eligible = false
		}
	}

	return Result{Score: score, Band: cfg.band(score), Eligible: eligible, Checks: checks}
}

func (c Config) band(score int) string {
	switch {
	case score >= c.HighBandMin:
		return BandHigh
	case score >= c.MediumBandMin:
		return BandMedium
	default:
		return BandLow
	}
}

// safeRatio divides, treating an empty denominator as a clean zero ratio: a
// wallet that never traded has nothing to penalize.
func safeRatio(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den)
}

func ratioPenalty(tiers []RatioTier, ratio decimal.Decimal) int {
	penalty := 0
	for _, t := range tiers {
		if ratio.GreaterThan(t.Above) && t.Penalty > penalty {
			penalty = t.Penalty
		}
	}
	return penalty
}

func countPenalty(tiers []CountTier, count int) int {
	penalty := 0
	for _, t := range tiers {
		if count > t.Above && t.Penalty > penalty {
			penalty = t.Penalty
		}
	}
	return penalty
}

func intCheck(name string, value, limit int, passed bool) model.GateCheck {
	return model.GateCheck{
		Name:   name,
		Value:  decimal.NewFromInt(int64(value)),
		Limit:  decimal.NewFromInt(int64(limit)),
		Passed: passed,
	}
}

func ratioCheck(name string, value, limit decimal.Decimal, passed bool) model.GateCheck {
	return model.GateCheck{Name: name, Value: value, Limit: limit, Passed: passed}
}
