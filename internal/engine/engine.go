// Package engine orchestrates one wallet PnL computation: fetch the event
// history, normalize it, replay the ledger, score confidence, settle open
// positions, and aggregate the summary. Settlement inputs are fetched once
// per distinct market set, and only when the export gate did not already
// fail fast.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/veridex/pnl-engine/internal/collapse"
	"github.com/veridex/pnl-engine/internal/confidence"
	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/metrics"
	"github.com/veridex/pnl-engine/internal/model"
	"github.com/veridex/pnl-engine/internal/settle"
	"github.com/veridex/pnl-engine/internal/store"
)

// ErrSource marks a collaborator fetch failure. The engine never retries;
// retry policy belongs to the collaborator.
var ErrSource = errors.New("engine: source failure")

const defaultWorkers = 4

// Options are the policy knobs for one computation.
type Options struct {
	ShortPolicy string            `json:"short_policy"`
	CostMethod  string            `json:"cost_method"`
	Synth       settle.Thresholds `json:"synth_thresholds"`
	Scoring     confidence.Config `json:"-"`
	// FailFast skips settlement fetches when the export gate already
	// failed on trading counters alone.
	FailFast bool `json:"fail_fast"`
}

// DefaultOptions returns the standard policy configuration.
func DefaultOptions() Options {
	return Options{
		ShortPolicy: ledger.NoShorts,
		CostMethod:  ledger.WeightedAverage,
		Synth:       settle.DefaultThresholds(),
		Scoring:     confidence.DefaultConfig(),
		FailFast:    true,
	}
}

// Engine computes wallet PnL summaries from injected collaborators.
type Engine struct {
	events      store.EventSource
	resolutions store.ResolutionSource
	prices      store.PriceSource
	workers     int
}

// New creates an engine. workers bounds batch concurrency; values below 1
// fall back to the default.
func New(events store.EventSource, resolutions store.ResolutionSource, prices store.PriceSource, workers int) *Engine {
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Engine{
		events:      events,
		resolutions: resolutions,
		prices:      prices,
		workers:     workers,
	}
}

// Compute runs the full pipeline for one wallet.
func (e *Engine) Compute(ctx context.Context, wallet string, opts Options) (model.WalletPnlSummary, error) {
	start := time.Now()

	// Configuration errors are fatal before any event is fetched.
	lgr, err := ledger.New(ledger.Config{ShortPolicy: opts.ShortPolicy, CostMethod: opts.CostMethod})
	if err != nil {
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		return model.WalletPnlSummary{}, err
	}

	raw, err := e.events.FetchEvents(ctx, wallet)
	if err != nil {
		metrics.SourceErrors.WithLabelValues("events").Inc()
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		return model.WalletPnlSummary{}, fmt.Errorf("%w: fetch events for %s: %w", ErrSource, wallet, err)
	}

	events, stats := collapse.Normalize(raw)
	lgr.Replay(events)

	diag := lgr.Diagnostics()
	diag.InvalidEvents = stats.Invalid
	diag.DuplicatesDropped = stats.Duplicates
	diag.SelfFillsCollapsed = stats.SelfFills

	metrics.EventsProcessed.Add(float64(diag.EventsProcessed))
	metrics.SelfFillsCollapsed.Add(float64(diag.SelfFillsCollapsed))
	metrics.SkippedSells.Add(float64(diag.SkippedSellCount))

	// The gate runs on trading counters alone, so a doomed wallet can skip
	// the settlement-input fetches entirely.
	verdict := confidence.Evaluate(diag, opts.Scoring)
	if !verdict.Eligible {
		metrics.ExportIneligible.Inc()
	}
	if opts.FailFast && !verdict.Eligible {
		summary := buildSummary(wallet, unsettledLines(lgr), diag, verdict, opts, true)
		metrics.ComputationsTotal.WithLabelValues("early_exit").Inc()
		metrics.ComputationDuration.Observe(time.Since(start).Seconds())
		slog.Info("pnl computation exited early",
			"wallet", wallet,
			"score", verdict.Score,
			"events", diag.EventsProcessed)
		return summary, nil
	}

	positions := lgr.Positions()
	resolutions, marks, err := e.settlementInputs(ctx, positions)
	if err != nil {
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		return model.WalletPnlSummary{}, err
	}

	lines := settle.Resolve(positions, resolutions, marks, opts.Synth, &diag)
	summary := buildSummary(wallet, lines, diag, verdict, opts, false)

	metrics.ComputationsTotal.WithLabelValues("completed").Inc()
	metrics.ComputationDuration.Observe(time.Since(start).Seconds())
	slog.Info("pnl computed",
		"wallet", wallet,
		"positions", summary.PositionCount,
		"realized", summary.RealizedPnl.String(),
		"unrealized", summary.UnrealizedPnl.String(),
		"score", verdict.Score,
		"eligible", verdict.Eligible)
	return summary, nil
}

// BatchResult pairs one wallet with its outcome. A failing wallet never
// aborts the rest of the batch.
type BatchResult struct {
	Wallet  string
	Summary model.WalletPnlSummary
	Err     error
}

// ComputeBatch computes many wallets with bounded concurrency. Results are
// positionally aligned with the input.
func (e *Engine) ComputeBatch(ctx context.Context, wallets []string, opts Options) []BatchResult {
	results := make([]BatchResult, len(wallets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, wallet := range wallets {
		i, wallet := i, wallet
		g.Go(func() error {
			summary, err := e.Compute(ctx, wallet, opts)
			results[i] = BatchResult{Wallet: wallet, Summary: summary, Err: err}
			return nil
		})
	}
	g.Wait()

	return results
}

// settlementInputs fetches resolutions for every open market in one batch,
// then mark prices only for the outcomes no usable resolution covers.
func (e *Engine) settlementInputs(ctx context.Context, positions []*ledger.Position) (map[string]model.Resolution, map[model.OutcomeRef]decimal.Decimal, error) {
	var marketIDs []string
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.Quantity.IsZero() || seen[p.Key.MarketID] {
			continue
		}
		seen[p.Key.MarketID] = true
		marketIDs = append(marketIDs, p.Key.MarketID)
	}
	if len(marketIDs) == 0 {
		return nil, nil, nil
	}

	resolutions, err := e.resolutions.FetchResolutions(ctx, marketIDs)
	if err != nil {
		metrics.SourceErrors.WithLabelValues("resolutions").Inc()
		return nil, nil, fmt.Errorf("%w: fetch resolutions: %w", ErrSource, err)
	}

	var refs []model.OutcomeRef
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		if res, ok := resolutions[p.Key.MarketID]; ok {
			if _, priceable := res.PayoutPrice(p.Key.OutcomeIndex); priceable {
				continue
			}
		}
		refs = append(refs, p.Key.Outcome())
	}
	if len(refs) == 0 {
		return resolutions, nil, nil
	}

	marks, err := e.prices.FetchMarkPrices(ctx, refs)
	if err != nil {
		metrics.SourceErrors.WithLabelValues("prices").Inc()
		return nil, nil, fmt.Errorf("%w: fetch mark prices: %w", ErrSource, err)
	}
	return resolutions, marks, nil
}

// unsettledLines reports positions as-is for an early exit: trading PnL
// only, nothing valued.
func unsettledLines(lgr *ledger.Ledger) []model.PositionPnl {
	positions := lgr.Positions()
	lines := make([]model.PositionPnl, 0, len(positions))
	for _, p := range positions {
		lines = append(lines, model.PositionPnl{
			Key:         p.Key,
			Quantity:    p.Quantity,
			AvgCost:     p.AvgCost(),
			RealizedPnl: p.RealizedPnl,
			Status:      model.StatusUnsettled,
		})
	}
	return lines
}

func buildSummary(wallet string, lines []model.PositionPnl, diag model.Diagnostics, verdict confidence.Result, opts Options, earlyExit bool) model.WalletPnlSummary {
	positions, realized, unrealized := aggregate(lines)
	return model.WalletPnlSummary{
		ID:             uuid.NewString(),
		Wallet:         wallet,
		RealizedPnl:    realized,
		UnrealizedPnl:  unrealized,
		TotalPnl:       realized.Add(unrealized),
		PositionCount:  len(positions),
		Positions:      positions,
		Diagnostics:    diag,
		Confidence:     model.Confidence{Score: verdict.Score, Band: verdict.Band},
		ExportEligible: verdict.Eligible,
		GateChecks:     verdict.Checks,
		EarlyExit:      earlyExit,
		ShortPolicy:    opts.ShortPolicy,
		CostMethod:     opts.CostMethod,
		ComputedAt:     time.Now().UTC(),
	}
}

// aggregate rounds each position line to the cent and sums the rounded
// values. Round-then-sum is contractual: summing raw sub-cent values and
// rounding once drifts measurably across many positions.
func aggregate(lines []model.PositionPnl) ([]model.PositionPnl, decimal.Decimal, decimal.Decimal) {
	positions := make([]model.PositionPnl, len(lines))
	var realized, unrealized decimal.Decimal
	for i, line := range lines {
		line.RealizedPnl = line.RealizedPnl.Round(2)
		line.UnrealizedPnl = line.UnrealizedPnl.Round(2)
		positions[i] = line
		realized = realized.Add(line.RealizedPnl)
		unrealized = unrealized.Add(line.UnrealizedPnl)
	}
	return positions, realized, unrealized
}
