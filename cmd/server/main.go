package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/config"
	"github.com/brojonat/chainquery/service/db"
	"github.com/brojonat/chainquery/service/explorer"
	"github.com/brojonat/chainquery/service/metrics"
	natspkg "github.com/brojonat/chainquery/service/nats"
	"github.com/brojonat/chainquery/service/query"
	"github.com/brojonat/chainquery/service/server"
	"github.com/brojonat/chainquery/service/synth"
	"github.com/brojonat/chainquery/service/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// store is what both the orchestrator and the HTTP layer need.
type store interface {
	query.Store
	server.Store
	db.FactWriter
	Migrate(ctx context.Context) error
}

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"store_backend", cfg.StoreBackend,
		"synth_provider", cfg.SynthProvider,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "chainquery", cfg.OTELEndpoint, cfg.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// nil uses the default registry, which promhttp serves at /metrics
	m := metrics.NewMetrics(nil)

	st, closeStore, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	synthesizer, err := synth.New(ctx, cfg.SynthConfig(), logger)
	if err != nil {
		return err
	}
	prompts, err := synth.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return err
	}
	logger.Info("initialized synthesizer", "provider", synthesizer.Name(), "prompts_file", cfg.PromptsFile)

	// Events are optional: without NATS the service still answers questions.
	var publisher natspkg.Publisher
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		jsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "nats_url", cfg.NATSURL, "error", err)
		} else {
			publisher = jsPublisher
			defer jsPublisher.Close()

			// Closed by the server on shutdown.
			ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
			if err != nil {
				logger.Warn("SSE stream disabled", "error", err)
				ssePublisher = nil
			}
		}
	}

	router := explorer.NewRouter().Register(chain.KindEVM, explorer.NewEtherscanClient(explorer.EtherscanConfig{
		APIKey:  cfg.EtherscanAPIKey,
		BaseURL: cfg.EtherscanBaseURL,
		RPS:     cfg.EtherscanRPS,
	}, m, logger))
	if cfg.SolanaRPCURL != "" {
		// For premium RPC endpoints, include the API key in the URL
		router.Register(chain.KindSolana, explorer.NewSolanaExplorer(explorer.NewSolanaRPC(cfg.SolanaRPCURL), m, logger))
		logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL)
	}

	orchestrator := query.NewOrchestrator(st, synthesizer, prompts, publisher, query.Options{
		CacheLookback:  cfg.CacheLookback,
		Policy:         cfg.AnswerPolicy(),
		MaxQueryLength: cfg.MaxQueryLength,
	}, m, logger)

	httpServer := server.New(cfg.ServerAddr, cfg, orchestrator, st, router, ssePublisher, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects the configured backend and applies the schema. The
// in-memory backend is seeded with demo data.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (store, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		mem := db.NewMemStore()
		inserted, err := db.Seed(ctx, mem, time.Now().UTC())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seed memory store: %w", err)
		}
		logger.Info("using in-memory store", "seeded_transactions", inserted)
		return mem, func() {}, nil
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	pg := db.NewStore(dbPool, m)
	if err := pg.Migrate(ctx); err != nil {
		dbPool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return pg, dbPool.Close, nil
}
