// Package web exposes the HTTP control surface: a status endpoint, the
// trade-open webhook and a read-only trade listing.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dcabot/internal/domain"
	"dcabot/internal/storage/tradestore"
)

type tradeOpener interface {
	OpenTrade(ctx context.Context, pair domain.Pair) (*domain.Trade, error)
}

type tradeLister interface {
	ListTrades(ctx context.Context, filter tradestore.Filter) ([]domain.Trade, error)
}

// Server exposes the HTTP endpoints of the engine.
type Server struct {
	Addr    string
	Version string
	Pairs   []domain.Pair

	engine tradeOpener
	store  tradeLister
	logger *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(logger *zap.Logger, addr, version string, pairs []domain.Pair, engine tradeOpener, store tradeLister) *Server {
	return &Server{
		Addr:    addr,
		Version: version,
		Pairs:   pairs,
		engine:  engine,
		store:   store,
		logger:  logger,
	}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
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

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/trades", s.handleTrades)
	return mux
}

type statusResponse struct {
	Status         string   `json:"status"`
	Version        string   `json:"version"`
	SupportedPairs []string `json:"supported_pairs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	pairs := make([]string, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		pairs = append(pairs, p.String())
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "running",
		Version:        s.Version,
		SupportedPairs: pairs,
	})
}

type webhookRequest struct {
	Pair string `json:"pair"`
}

type webhookResponse struct {
	Success bool              `json:"success"`
	TradeID string            `json:"trade_id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair := domain.Pair(req.Pair)
	if !pair.Valid() {
		writeError(w, http.StatusBadRequest, "missing 'pair'")
		return
	}

	trade, err := s.engine.OpenTrade(r.Context(), pair)
	if err != nil {
		s.logger.Warn("webhook trade open failed", zap.String("pair", pair.String()), zap.Error(err))

		var exchangeErr *domain.ExchangeError
		switch {
		case errors.Is(err, domain.ErrUnsupportedPair):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrTradeExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &exchangeErr):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.logger.Info("trade opened via webhook",
		zap.String("pair", pair.String()),
		zap.String("trade", trade.ID))
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, TradeID: trade.ID})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := tradestore.Filter{
		Pair:   domain.Pair(r.URL.Query().Get("pair")),
		Status: domain.TradeStatus(r.URL.Query().Get("status")),
	}
	trades, err := s.store.ListTrades(r.Context(), filter)
	if err != nil {
		s.logger.Error("list trades failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, webhookResponse{Success: false, Details: map[string]string{"error": msg}})
}
