// Package api exposes the engine's operator controls over HTTP and pushes
// engine events to WebSocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/asset"
	"github.com/trador/engine/internal/engine"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/scorer"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// TradeHistory looks up trades beyond the retained window.
type TradeHistory interface {
	TradeHistory(ctx context.Context, address string, limit int) ([]model.Trade, error)
}

// Server holds the HTTP handlers.
type Server struct {
	engine  *engine.Engine
	hub     *WSHub
	history TradeHistory
}

// NewServer creates the handlers. hub may be nil, which disables /ws;
// history may be nil, in which case per-asset history is served from the
// retained window.
func NewServer(e *engine.Engine, hub *WSHub, history TradeHistory) *Server {
	return &Server{engine: e, hub: hub, history: history}
}

// Mount registers the routes on r.
func (s *Server) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/trades", s.ListTrades)
	r.Get("/trades/{address}/history", s.GetTradeHistory)

	r.Get("/monitored", s.ListMonitored)
	r.Post("/monitored", s.Deploy)
	r.Delete("/monitored/{address}", s.Remove)

	r.Post("/scan", s.Scan)

	r.Post("/agent/start", s.StartAgent)
	r.Post("/agent/stop", s.StopAgent)
	r.Get("/mode", s.GetModes)
	r.Put("/mode", s.SetMode)
	r.Put("/budget", s.SetBudget)

	r.Post("/reset", s.Reset)
}

// --- Request/Response types ---

// DeployRequest is the JSON body for POST /monitored.
type DeployRequest struct {
	Address string `json:"address"`
}

// ModeRequest is the JSON body for PUT /mode.
type ModeRequest struct {
	Live bool `json:"live"`
}

// BudgetRequest is the JSON body for PUT /budget.
type BudgetRequest struct {
	Budget decimal.Decimal `json:"budget"`
}

// ScanResponse is the body returned from POST /scan.
type ScanResponse struct {
	Candidates []scorer.Scored `json:"candidates"`
	Best       *scorer.Scored  `json:"best,omitempty"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Portfolio())
}

// ListTrades handles GET /api/v1/trades
// Optional ?asset=<address> filter and ?limit=<n>.
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.retained(r.URL.Query().Get("asset"), limit))
}

// GetTradeHistory handles GET /api/v1/trades/{address}/history
// Reads the full history when the store keeps one.
func (s *Server) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	if s.history == nil {
		writeJSON(w, http.StatusOK, s.retained(address, limit))
		return
	}

	trades, err := s.history.TradeHistory(r.Context(), address, limit)
	if err != nil {
		slog.Error("trade history failed", "address", address, "err", err)
		writeError(w, "failed to load trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultTradeLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxTradeLimit), true
}

// retained returns up to limit trades from the ledger's window, most
// recent first, optionally for one asset.
func (s *Server) retained(addr string, limit int) []model.Trade {
	trades := make([]model.Trade, 0, limit)
	for _, t := range s.engine.Book().Snapshot().Trades {
		if addr != "" && t.Address != addr {
			continue
		}
		trades = append(trades, t)
		if len(trades) == limit {
			break
		}
	}
	return trades
}

// ListMonitored handles GET /api/v1/monitored
func (s *Server) ListMonitored(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Portfolio().Monitored)
}

// Deploy handles POST /api/v1/monitored
func (s *Server) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.engine.Deploy(r.Context(), req.Address)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, m)
	case errors.Is(err, asset.ErrInvalidAddress), errors.Is(err, asset.ErrFundingAsset):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrAssetNotFound):
		writeError(w, "token not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrAlreadyMonitored), errors.Is(err, engine.ErrCapacity):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("deploy failed", "address", req.Address, "err", err)
		writeError(w, "failed to deploy asset", http.StatusInternalServerError)
	}
}

// Remove handles DELETE /api/v1/monitored/{address}
func (s *Server) Remove(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	err := s.engine.Remove(r.Context(), address)
	if errors.Is(err, ledger.ErrNotMonitored) {
		writeError(w, "asset not monitored", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to remove asset", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scan handles POST /api/v1/scan
// Ranks unmonitored candidates; a following deploy reuses their snapshots.
func (s *Server) Scan(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.engine.Scan(r.Context())
	if err != nil {
		slog.Warn("market scan failed", "err", err)
		writeError(w, "market data unavailable", http.StatusBadGateway)
		return
	}
	if ranked == nil {
		ranked = []scorer.Scored{}
	}

	resp := ScanResponse{Candidates: ranked}
	if len(ranked) > 0 && ranked[0].Score > scorer.MinScore {
		best := ranked[0]
		resp.Best = &best
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartAgent handles POST /api/v1/agent/start
func (s *Server) StartAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SetAutonomous(true))
}

// StopAgent handles POST /api/v1/agent/stop
func (s *Server) StopAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SetAutonomous(false))
}

// GetModes handles GET /api/v1/mode
func (s *Server) GetModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Modes())
}

// SetMode handles PUT /api/v1/mode
func (s *Server) SetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.SetLive(req.Live))
}

// SetBudget handles PUT /api/v1/budget
func (s *Server) SetBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	modes, err := s.engine.SetBudget(req.Budget)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, modes)
}

// Reset handles POST /api/v1/reset
func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset(r.Context())
	writeJSON(w, http.StatusOK, s.engine.Portfolio())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
