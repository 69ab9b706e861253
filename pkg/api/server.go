package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/engine"
	"github.com/bytestrike/matcher/pkg/app/core/transaction"
	"github.com/bytestrike/matcher/pkg/events"
	"github.com/bytestrike/matcher/pkg/storage"
	"github.com/bytestrike/matcher/pkg/util"
)

const (
	maxBodyBytes      = 1 << 20
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Matcher is the part of the matching engine the API drives.
type Matcher interface {
	ProcessOrder(ctx context.Context, o *core.Order) (engine.Outcome, error)
	Cancel(ctx context.Context, marketID common.Hash, k core.OrderKey) (*core.Order, error)
	Book(marketID common.Hash) (engine.Snapshot, bool)
	Markets() []common.Hash
}

// Config carries the optional collaborators of a Server.
type Config struct {
	Trades      storage.TradeReader // nil serves empty trade history
	Gatherer    prometheus.Gatherer // nil uses the default registry
	CORSOrigins []string
	Clock       util.Clock
	Log         *zap.SugaredLogger
	Hub         *Hub // nil creates one
	// ShutdownTimeout bounds the wait for in-flight requests on shutdown.
	// It should cover a full settlement walk.
	ShutdownTimeout time.Duration
}

const defaultShutdownTimeout = 5 * time.Second

// Server handles REST API and WebSocket connections
type Server struct {
	engine   Matcher
	verifier *transaction.Verifier
	trades   storage.TradeReader
	router   *mux.Router
	hub      *Hub
	gatherer prometheus.Gatherer
	origins  []string
	clock    util.Clock
	log      *zap.SugaredLogger
	shutdown time.Duration
}

// NewServer creates a new API server
func NewServer(m Matcher, v *transaction.Verifier, cfg Config) *Server {
	s := &Server{
		engine:   m,
		verifier: v,
		trades:   cfg.Trades,
		router:   mux.NewRouter(),
		hub:      cfg.Hub,
		gatherer: cfg.Gatherer,
		origins:  cfg.CORSOrigins,
		clock:    cfg.Clock,
		log:      cfg.Log,
		shutdown: cfg.ShutdownTimeout,
	}
	if s.shutdown <= 0 {
		s.shutdown = defaultShutdownTimeout
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.hub == nil {
		s.hub = NewHub(s.log, nil)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}

	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub, which the engine publishes to.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order submission
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleCancelOrder).Methods(http.MethodDelete)

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{marketId}/orderbook", s.handleGetOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/markets/{marketId}/trades", s.handleGetTrades).Methods(http.MethodGet)

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves addr until ctx is done, then shuts down
// gracefully: it stops accepting connections and waits up to the shutdown
// timeout for handlers still matching or settling.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	s.log.Infow("api_draining", "timeout", s.shutdown.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req transaction.SignedOrder
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, err := s.verifier.VerifyOrder(&req)
	if err != nil {
		s.respondValidation(w, "order_rejected", err)
		return
	}

	outcome, err := s.engine.ProcessOrder(r.Context(), order)
	if err != nil {
		status := engineStatus(err)
		s.log.Infow("order_refused", "order", order.Key().String(), "status", status, "err", err)
		// A duplicate is already resting under this nonce.
		if !errors.Is(err, engine.ErrDuplicateOrder) {
			if rerr := s.verifier.ReleaseOrder(order); rerr != nil {
				s.log.Errorw("nonce_release_failed", "order", order.Key().String(), "err", rerr)
			}
		}
		respondError(w, status, err.Error())
		return
	}

	s.log.Infow("order_processed",
		"order", order.Key().String(),
		"market", order.MarketID.Hex(),
		"success", outcome.Success,
		"trades", len(outcome.Trades),
		"resting", outcome.Resting != nil)

	respondJSON(w, http.StatusCreated, toSubmitResponse(outcome))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req transaction.SignedCancel
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	marketID, key, err := s.verifier.VerifyCancel(&req)
	if err != nil {
		s.respondValidation(w, "cancel_rejected", err)
		return
	}

	o, err := s.engine.Cancel(r.Context(), marketID, key)
	if err != nil {
		respondError(w, engineStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{Cancelled: events.ToOrderJSON(o)})
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Markets()
	resp := MarketsResponse{Markets: make([]string, len(ids))}
	for i, id := range ids {
		resp.Markets[i] = id.Hex()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID, err := parseMarketID(mux.Vars(r)["marketId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := s.engine.Book(marketID)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found")
		return
	}
	respondJSON(w, http.StatusOK, toSnapshot(snap, s.clock.Now().UnixMilli()))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	marketID, err := parseMarketID(mux.Vars(r)["marketId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTradeLimit)
	}

	out := []events.TradeJSON{}
	if s.trades != nil {
		trades, err := s.trades.RecentTrades(marketID, limit)
		if err != nil {
			s.log.Errorw("trade_history_failed", "market", marketID.Hex(), "err", err)
			respondError(w, http.StatusInternalServerError, "trade history unavailable")
			return
		}
		for _, t := range trades {
			out = append(out, events.ToTradeJSON(t))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondValidation(w http.ResponseWriter, event string, err error) {
	status := transaction.StatusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw(event, "err", err)
		respondError(w, status, "internal error")
		return
	}
	s.log.Infow(event, "status", status, "err", err)
	respondError(w, status, err.Error())
}

// engineStatus maps an engine refusal to an HTTP status.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownMarket), errors.Is(err, engine.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEmptyOrder), errors.Is(err, engine.ErrMissingPrice), errors.Is(err, engine.ErrExpired):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func parseMarketID(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid market id %q", s)
	}
	return common.BytesToHash(b), nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
