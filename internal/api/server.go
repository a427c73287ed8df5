// Package api serves the operator dashboard: engine status, trade
// history, aggregate stats and the prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysniper/internal/database"
	"github.com/web3guy0/polysniper/internal/feed"
	"github.com/web3guy0/polysniper/internal/odds"
	"github.com/web3guy0/polysniper/internal/scanner"
)

const defaultTradesLimit = 50

// Engine is the surface the dashboard reads and the one switch it flips.
type Engine interface {
	Metrics() scanner.Metrics
	SetEnabled(on bool)
}

// FeedStatus exposes the price feed's dashboard snapshot.
type FeedStatus interface {
	Snapshot() feed.Snapshot
}

// OddsStatus exposes the odds cache.
type OddsStatus interface {
	Odds() *odds.MarketOdds
	CacheAgeMs() int64
}

// BalanceStatus exposes the bankroll.
type BalanceStatus interface {
	Balance() float64
	InitialBalance() float64
}

// Server is the dashboard HTTP server.
type Server struct {
	engine Engine
	prices FeedStatus
	odds   OddsStatus
	bank   BalanceStatus
	db     *database.Database
	server *http.Server
}

func NewServer(port int, engine Engine, prices FeedStatus, oddsSrc OddsStatus, bank BalanceStatus, db *database.Database) *Server {
	s := &Server{
		engine: engine,
		prices: prices,
		odds:   oddsSrc,
		bank:   bank,
		db:     db,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/toggle", s.handleToggle)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("📊 Dashboard server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Dashboard server failed")
		}
	}()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Dashboard shutdown error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// statusResponse is the live engine view the dashboard polls.
type statusResponse struct {
	Scanner scanner.Metrics `json:"scanner"`
	Feed    feed.Snapshot   `json:"feed"`
	Odds    *oddsStatus     `json:"odds"`
	Balance balanceStatus   `json:"balance"`
}

type oddsStatus struct {
	Up         float64 `json:"up"`
	Down       float64 `json:"down"`
	Condition  string  `json:"condition_id"`
	CacheAgeMs int64   `json:"cache_age_ms"`
}

type balanceStatus struct {
	Current float64 `json:"current"`
	Initial float64 `json:"initial"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Scanner: s.engine.Metrics(),
		Feed:    s.prices.Snapshot(),
		Balance: balanceStatus{
			Current: s.bank.Balance(),
			Initial: s.bank.InitialBalance(),
		},
	}
	if snap := s.odds.Odds(); snap != nil {
		resp.Odds = &oddsStatus{
			Up:         snap.Up,
			Down:       snap.Down,
			Condition:  snap.ConditionID,
			CacheAgeMs: s.odds.CacheAgeMs(),
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trades, err := s.db.GetRecentTrades(limit)
	if err != nil {
		http.Error(w, "trades query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, trades)
}

// handleToggle flips the scanner master switch: POST /api/toggle?enabled=true|false.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "enabled must be true or false", http.StatusBadRequest)
		return
	}
	s.engine.SetEnabled(enabled)
	writeJSON(w, map[string]bool{"enabled": enabled})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}
