package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/chainquery/service/config"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/explorer"
	"github.com/brojonat/chainquery/service/metrics"
	"github.com/brojonat/chainquery/service/query"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the read side of the persistence layer used by the handlers.
// Writes go through the query.Orchestrator.
type Store interface {
	Ping(ctx context.Context) error
	GetQuery(ctx context.Context, id int64) (*db.Query, error)
	RecentQueries(ctx context.Context, limit int) ([]*db.Query, error)
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
	GetWallet(ctx context.Context, address string) (*db.Wallet, error)
	ListWallets(ctx context.Context, limit int32) ([]*db.Wallet, error)
}

// Server represents the HTTP server for the query service.
type Server struct {
	addr         string
	cfg          *config.Config
	orchestrator *query.Orchestrator
	store        Store
	explorer     explorer.Explorer
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The explorer is optional - if nil, explorer endpoints won't be available.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(
	addr string,
	cfg *config.Config,
	orchestrator *query.Orchestrator,
	store Store,
	exp explorer.Explorer,
	ssePublisher *SSEPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		explorer:     exp,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	recentLimit := defaultRecentQueriesLimit
	if s.cfg != nil && s.cfg.RecentQueriesLimit > 0 {
		recentLimit = s.cfg.RecentQueriesLimit
	}

	// Query routes
	route("POST /api/query", "/api/query", handleQuery(s.orchestrator, s.logger))
	route("GET /api/recent-queries", "/api/recent-queries", handleRecentQueries(s.store, recentLimit, s.logger))
	route("GET /api/queries/{id}", "/api/queries/{id}", handleGetQuery(s.store, s.logger))
	route("POST /api/suggestions", "/api/suggestions", handleSuggestions(s.orchestrator, s.logger))

	// Fact routes
	route("GET /api/transactions", "/api/transactions", handleListTransactions(s.store, s.logger))
	route("GET /api/transactions/analysis", "/api/transactions/analysis", handleTransactionAnalysis(s.orchestrator, s.logger))
	route("GET /api/wallets", "/api/wallets", handleListWallets(s.store, s.logger))
	route("GET /api/wallets/{address}", "/api/wallets/{address}", handleGetWallet(s.store, s.logger))

	// Explorer routes (if an explorer is configured)
	if s.explorer != nil {
		route("GET /api/explorer/{address}/balance", "/api/explorer/{address}/balance", handleExplorerBalance(s.explorer, s.logger))
		route("GET /api/explorer/{address}/transactions", "/api/explorer/{address}/transactions", handleExplorerTransactions(s.explorer, s.logger))
	} else {
		s.logger.Warn("explorer not configured, explorer endpoints disabled")
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		route("GET /api/stream/queries", "/api/stream/queries", handleStreamQueries(s.ssePublisher, s.metrics, s.logger))
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.Handle("GET /health", handleHealth(s.store, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Wrap mux with CORS middleware
	return corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// writeTimeout leaves room for one synthesizer call. SSE handlers clear
// their own deadline.
func (s *Server) writeTimeout() time.Duration {
	if s.cfg != nil && s.cfg.SynthTimeout > 0 {
		return s.cfg.SynthTimeout + 15*time.Second
	}
	return 75 * time.Second
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
