// Package api exposes the PnL engine over HTTP: on-demand computation,
// latest-summary queries, batch runs, and a WebSocket stream of finished
// summaries.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/engine"
	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/model"
	"github.com/veridex/pnl-engine/internal/store"
)

// maxBatchWallets caps a single batch request; larger jobs should page.
const maxBatchWallets = 100

// Service handles PnL computation and summary queries over HTTP.
type Service struct {
	engine   *engine.Engine
	store    store.SummaryStore
	wsHub    *WSHub
	defaults engine.Options
}

// NewService creates the API service. defaults are the server-level policy
// options that request bodies may override per run. hub may be nil when
// WebSocket streaming is disabled.
func NewService(eng *engine.Engine, st store.SummaryStore, hub *WSHub, defaults engine.Options) *Service {
	return &Service{engine: eng, store: st, wsHub: hub, defaults: defaults}
}

// --- Request/Response types ---

// ComputeRequest overrides the engine's default policies for one run.
// Zero-valued fields keep the defaults.
type ComputeRequest struct {
	ShortPolicy string          `json:"short_policy"`
	CostMethod  string          `json:"cost_method"`
	WinAt       decimal.Decimal `json:"win_at"`
	LoseAt      decimal.Decimal `json:"lose_at"`
	FailFast    *bool           `json:"fail_fast"`
}

func (req ComputeRequest) options(base engine.Options) engine.Options {
	opts := base
	if req.ShortPolicy != "" {
		opts.ShortPolicy = req.ShortPolicy
	}
	if req.CostMethod != "" {
		opts.CostMethod = req.CostMethod
	}
	if !req.WinAt.IsZero() {
		opts.Synth.WinAt = req.WinAt
	}
	if !req.LoseAt.IsZero() {
		opts.Synth.LoseAt = req.LoseAt
	}
	if req.FailFast != nil {
		opts.FailFast = *req.FailFast
	}
	return opts
}

// BatchRequest runs the same computation across several wallets.
type BatchRequest struct {
	Wallets []string       `json:"wallets"`
	Options ComputeRequest `json:"options"`
}

// BatchItem is one wallet's outcome within a batch response.
type BatchItem struct {
	Wallet  string                  `json:"wallet"`
	Summary *model.WalletPnlSummary `json:"summary,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// BatchResponse carries per-wallet results in request order.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
}

// PositionsResponse is the per-position detail of a wallet's latest summary.
type PositionsResponse struct {
	Wallet     string              `json:"wallet"`
	ComputedAt time.Time           `json:"computed_at"`
	Positions  []model.PositionPnl `json:"positions"`
}

// --- HTTP Handlers ---

// ComputePnl runs the full pipeline for one wallet, persists the summary,
// and broadcasts it.
// POST /api/v1/wallets/{wallet}/pnl
func (s *Service) ComputePnl(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	// The body is optional; an empty body runs with defaults.
	var req ComputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := s.engine.Compute(r.Context(), wallet, req.options(s.defaults))
	if err != nil {
		writeError(w, err.Error(), computeStatus(err))
		return
	}

	if err := s.store.SaveSummary(r.Context(), &summary); err != nil {
		slog.Error("failed to persist summary", "wallet", wallet, "err", err)
		writeError(w, "failed to persist summary", http.StatusInternalServerError)
		return
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastSummary(&summary)
	}

	slog.Info("summary ready",
		"wallet", wallet,
		"total_pnl", summary.TotalPnl.String(),
		"score", summary.Confidence.Score,
		"eligible", summary.ExportEligible)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetPnl returns the most recently computed summary for a wallet.
// GET /api/v1/wallets/{wallet}/pnl
func (s *Service) GetPnl(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	summary, err := s.store.GetSummary(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no summary for wallet", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetPositions returns the per-position lines of the latest summary.
// GET /api/v1/wallets/{wallet}/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	summary, err := s.store.GetSummary(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no summary for wallet", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	positions := summary.Positions
	if positions == nil {
		positions = []model.PositionPnl{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PositionsResponse{
		Wallet:     summary.Wallet,
		ComputedAt: summary.ComputedAt,
		Positions:  positions,
	})
}

// ComputeBatch runs the pipeline for several wallets concurrently. One
// wallet's failure never fails the batch; it is reported per item.
// POST /api/v1/pnl/batch
func (s *Service) ComputeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Wallets) == 0 {
		writeError(w, "wallets is required", http.StatusBadRequest)
		return
	}
	if len(req.Wallets) > maxBatchWallets {
		writeError(w, fmt.Sprintf("too many wallets (max %d)", maxBatchWallets), http.StatusBadRequest)
		return
	}

	results := s.engine.ComputeBatch(r.Context(), req.Wallets, req.Options.options(s.defaults))

	resp := BatchResponse{Results: make([]BatchItem, len(results))}
	for i, res := range results {
		item := BatchItem{Wallet: res.Wallet}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Results[i] = item
			continue
		}

		summary := res.Summary
		if err := s.store.SaveSummary(r.Context(), &summary); err != nil {
			slog.Error("failed to persist summary", "wallet", res.Wallet, "err", err)
			item.Error = "failed to persist summary"
			resp.Results[i] = item
			continue
		}
		if s.wsHub != nil {
			s.wsHub.BroadcastSummary(&summary)
		}
		item.Summary = &summary
		resp.Results[i] = item
	}

	slog.Info("batch computed", "wallets", len(req.Wallets))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListSummaries returns the latest summary per wallet, newest first. The
// eligible query parameter filters to export-ready wallets.
// GET /api/v1/summaries?eligible=true
func (s *Service) ListSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSummaries(r.Context())
	if err != nil {
		writeError(w, "failed to list summaries", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("eligible") == "true" {
		filtered := make([]model.WalletPnlSummary, 0, len(summaries))
		for _, sm := range summaries {
			if sm.ExportEligible {
				filtered = append(filtered, sm)
			}
		}
		summaries = filtered
	}
	if summaries == nil {
		summaries = []model.WalletPnlSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// computeStatus maps a pipeline failure to an HTTP status. Bad policy
// inputs are the caller's fault; upstream source failures are not.
func computeStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownShortPolicy), errors.Is(err, ledger.ErrUnknownCostMethod):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSource):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
