package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"leaseflow/address"
	"leaseflow/application"
	"leaseflow/attempt"
	"leaseflow/auth"
	"leaseflow/compensation"
	"leaseflow/config"
	"leaseflow/contentstore"
	"leaseflow/db"
	"leaseflow/disclosure"
	"leaseflow/dispute"
	"leaseflow/escrow"
	"leaseflow/fanout"
	"leaseflow/flow"
	"leaseflow/lease"
	"leaseflow/ledger"
	"leaseflow/listing"
	"leaseflow/metrics"
	"leaseflow/ratelimit"
	"leaseflow/txassembler"
	"leaseflow/viewcache"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LEASEFLOW_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("leaseflow api: %v", err)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	poolOpts := db.DefaultPoolOptions
	poolOpts.MaxConns = cfg.Database.MaxConns
	pool, err := db.NewPoolWithOptions(ctx, cfg.Database.URL, poolOpts)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	cache, closeCache, err := newCache(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	program, err := address.Parse(cfg.Ledger.ProgramID)
	if err != nil {
		return fmt.Errorf("ledger program id: %w", err)
	}
	arbitrator, err := address.Parse(cfg.Auth.Arbitrator)
	if err != nil {
		return fmt.Errorf("arbitrator address: %w", err)
	}
	signer, err := txassembler.ParseKeySigner(cfg.Ledger.SignerKey)
	if err != nil {
		return err
	}

	m := metrics.New()
	rpc := ledger.NewRPCClient(cfg.Ledger.RPCURL)
	reader := ledger.NewReader(rpc, cache, program, cfg.Ledger.ReadTTL).WithLogger(logger)
	asm := txassembler.New(rpc, signer)
	store := contentstore.NewCachedStore(
		contentstore.NewHTTPStore(cfg.ContentStore.APIURL, cfg.ContentStore.GatewayURL, cfg.ContentStore.JWT),
		cache, cfg.ContentStore.CacheTTL)
	cleaner := compensation.NewCoordinator(store).WithLogger(logger).WithMetrics(m)

	hub := fanout.NewHub().WithQueueSize(cfg.Fanout.QueueSize).WithMetrics(m).WithLogger(logger)
	attempts := attempt.NewService(pool, attempt.NewRepository(), cleaner, asm).
		WithPublisher(hub).
		WithMetrics(m).
		WithLogger(logger)
	runner := flow.NewRunner(asm, reader, attempts, cleaner).WithLogger(logger)
	deps := flow.Deps{
		Runner:  runner,
		Reader:  reader,
		Deriver: address.NewDeriver(program),
		Content: store,
		Now:     time.Now,
	}

	disclosures := disclosure.NewEngine(disclosure.NewHTTPClient(cfg.Attestation.BaseURL, cfg.Attestation.APIKey)).
		WithLogger(logger).
		WithMetrics(m)
	disclosures.Start()
	defer disclosures.Stop()

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).WithArbitrator(arbitrator)
	authService.Start()
	defer authService.Stop()

	ws := fanout.NewServer(hub, authService).
		WithHeartbeat(cfg.Fanout.Heartbeat).
		WithOrigins(cfg.Server.AllowedOrigins).
		WithLogger(logger)
	watcher := fanout.NewWatcher(hub, reader.Fresh()).
		WithInterval(cfg.Fanout.PollInterval).
		WithLogger(logger)

	server := &Server{
		authService:        authService,
		listingService:     listing.NewService(deps, disclosures).WithLogger(logger),
		applicationService: application.NewService(deps).WithLogger(logger),
		leaseService:       lease.NewService(deps).WithLogger(logger),
		escrowService:      escrow.NewService(deps).WithLogger(logger),
		disputeService:     dispute.NewService(deps).WithLogger(logger),
		disclosureService:  disclosures,
		attemptService:     attempts,
		content:            store,
		verifyAttempt:      runner.Verify,
		callbackSecretHash: cfg.Attestation.CallbackSecretHash,
		limiter:            ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute),
		metrics:            m,
		ws:                 ws,
		logger:             logger.With("component", "http"),
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ws.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newCache shares ledger views through Redis when configured and keeps
// them in process otherwise.
func newCache(cfg config.RedisConfig) (viewcache.Cache, func(), error) {
	if cfg.URL == "" {
		mem := viewcache.NewMemory(10_000)
		mem.Start()
		return mem, mem.Stop, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return viewcache.NewRedis(client, cfg.Prefix), func() { _ = client.Close() }, nil
}
