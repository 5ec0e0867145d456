// Package web exposes the admin HTTP surface: trading summary, pair
// configuration and pause control.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vadiminshakov/skim/internal/domain"
	"github.com/vadiminshakov/skim/internal/engine"
	"github.com/vadiminshakov/skim/internal/exchange"
	"github.com/vadiminshakov/skim/internal/reporting"
	"go.uber.org/zap"
)

type pairStore interface {
	Latest() (domain.PairsSnapshot, error)
	Save(pairs []domain.PairConfig) (domain.PairsSnapshot, error)
}

type summarySource interface {
	Summary() reporting.Summary
}

type scheduler interface {
	Status() engine.Status
	Pause()
	Resume()
	VenueTrades(ctx context.Context, exchangeID string, pair domain.Pair, since time.Time) ([]domain.Trade, error)
}

type exchangeCatalog interface {
	Known(id string) bool
	Exchanges() []string
}

// Server exposes JSON endpoints for operators. Configuration edits go through
// the pair store; the engine picks them up at the next cycle boundary.
type Server struct {
	Addr      string
	Store     pairStore
	Reports   summarySource
	Scheduler scheduler
	Catalog   exchangeCatalog
	Logger    *zap.Logger
}

// NewServer creates a web server instance.
func NewServer(addr string, store pairStore, reports summarySource,
	sched scheduler, catalog exchangeCatalog, logger *zap.Logger) *Server {
	return &Server{Addr: addr, Store: store, Reports: reports, Scheduler: sched, Catalog: catalog, Logger: logger}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/pairs", s.handlePairs)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/trades", s.handleTrades)

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := struct {
		Engine  engine.Status     `json:"engine"`
		Reports reporting.Summary `json:"reports"`
	}{
		Engine:  s.Scheduler.Status(),
		Reports: s.Reports.Summary(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.Store.Latest()
		if err != nil {
			s.Logger.Error("load pairs snapshot", zap.Error(err))
			http.Error(w, "failed to load pairs", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, snap)

	case http.MethodPut:
		var pairs []domain.PairConfig
		if err := json.NewDecoder(r.Body).Decode(&pairs); err != nil {
			http.Error(w, "invalid pairs payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		for _, pc := range pairs {
			if !s.Catalog.Known(pc.Exchange) {
				http.Error(w, "unknown exchange: "+pc.Exchange, http.StatusBadRequest)
				return
			}
		}
		snap, err := s.Store.Save(pairs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.Logger.Info("pairs snapshot saved", zap.Uint64("version", snap.Version), zap.Int("pairs", len(snap.Pairs)))
		s.writeJSON(w, http.StatusOK, snap)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Scheduler.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Scheduler.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleTrades returns venue-reported trades for reconciling report rows
// against the exchange's own history.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exchangeID := r.URL.Query().Get("exchange")
	pairStr := r.URL.Query().Get("pair")
	pair, err := domain.ParsePair(pairStr)
	if err != nil {
		http.Error(w, "invalid pair: "+pairStr, http.StatusBadRequest)
		return
	}

	since := time.Now().Add(-24 * time.Hour).UTC()
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since, want RFC3339: "+raw, http.StatusBadRequest)
			return
		}
	}

	trades, err := s.Scheduler.VenueTrades(r.Context(), exchangeID, pair, since)
	if err != nil {
		if errors.Is(err, exchange.ErrUnknownExchange) {
			http.Error(w, "unknown exchange: "+exchangeID, http.StatusBadRequest)
			return
		}
		s.Logger.Error("load venue trades", zap.String("exchange", exchangeID), zap.Error(err))
		http.Error(w, "failed to load trades", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("write response", zap.Error(err))
	}
}
