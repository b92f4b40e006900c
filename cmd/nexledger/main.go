package main

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/core"
	"NexLedger/internal/ingestion"
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	"NexLedger/internal/observability"
	"NexLedger/internal/persistence"
	"NexLedger/internal/pool"
	"NexLedger/internal/query"
	"NexLedger/internal/server"
	"NexLedger/internal/split"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// recoverWarmRecords is how many recent records seed the duplicate cache.
const recoverWarmRecords = 10_000

func main() {
	logger := observability.NewLogger("nexledger")
	if err := run(DefaultConfig(), logger); err != nil {
		logger.Fatal().Err(err).Msg("nexledger stopped")
	}
	logger.Info().Msg("nexledger shutdown complete")
}

func run(cfg Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		return err
	}
	currency := cfg.Currency()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	authority, err := auth.NewAuthority([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("jwt authority: %w", err)
	}

	// --- Store + lockdown audit trail ---
	store, audit, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	gate := lockdown.NewGate(authority, audit, logger.With().Str("component", "lockdown").Logger())
	gate.Subscribe(func(s lockdown.State) {
		metrics.LockdownLevel.Set(float64(s.Level))
	})
	if err := gate.Restore(ctx); err != nil {
		return err
	}
	gate.Subscribe(func(s lockdown.State) {
		metrics.LockdownTransitions.WithLabelValues(s.Level.String()).Inc()
	})

	// --- Locks ---
	locks, err := openLocks(cfg, gate, metrics, logger)
	if err != nil {
		return err
	}

	// --- Pools + splits ---
	pools, err := pool.NewEngine(core.VerifiedAccountEligibility(store))
	if err != nil {
		return fmt.Errorf("pool engine: %w", err)
	}
	splits := split.NewRegistry()
	configs, err := split.Parse(cfg.Splits)
	if err != nil {
		return fmt.Errorf("NEX_SPLITS: %w", err)
	}
	for _, c := range configs {
		splits.Register(c)
	}

	// --- NATS (optional) ---
	var (
		js        jetstream.JetStream
		publisher *ingestion.Publisher
	)
	deps := core.Deps{
		Store:       store,
		Locks:       locks,
		Gate:        gate,
		Pools:       pools,
		Splits:      splits,
		Idempotency: core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, store, metrics, logger),
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "processor").Logger(),
		LockTimeout: cfg.LockTimeout,
	}
	if cfg.NATSURL != "" {
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		publisher = ingestion.NewPublisher(js, cfg.PublishBuffer, currency, metrics, logger)
		deps.Publisher = publisher
		gate.Subscribe(publisher.PublishLockdown)
		health.AddCheck("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	proc, err := core.NewProcessor(deps)
	if err != nil {
		return err
	}
	if err := proc.Recover(ctx, recoverWarmRecords); err != nil {
		return err
	}
	poolSpecs, err := ParsePools(cfg.Pools, currency)
	if err != nil {
		return fmt.Errorf("NEX_POOLS: %w", err)
	}
	for _, ps := range poolSpecs {
		if _, err := proc.InitPool(ctx, ps.ID, ps.Minimum, ps.Maximum, ps.Rate); err != nil && !errors.Is(err, pool.ErrPoolExists) {
			return fmt.Errorf("init pool %s: %w", ps.ID, err)
		}
	}

	// --- API ---
	queries := query.NewService(store, locks, pools, gate, currency)
	handler, err := server.NewHTTPHandler(server.HTTPDeps{
		Processor:  proc,
		Queries:    queries,
		Dispatcher: lockdown.NewDispatcher(gate, authority),
		Verifier:   authority,
		Health:     health,
		Metrics:    metrics,
		Logger:     logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, handler, logger)
	srv.WatchLockdown(gate)

	health.AddCheck("store", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(pingCtx)
	})
	health.AddStatus("lockdown", func() interface{} { return gate.State() })

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return lock.NewJanitor(locks, cfg.JanitorInterval, logger, metrics).Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	if cfg.Shared() {
		g.Go(func() error { return gate.Watch(gctx, cfg.LockdownSyncInterval) })
	}
	if js != nil {
		g.Go(func() error { return publisher.Run(gctx) })

		intake := ingestion.NewIntake(proc, ingestion.IntakeConfig{Currency: currency}, metrics, logger)
		if err := intake.Subscribe(gctx, js); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer intake.Stop()
		g.Go(func() error { return intake.Run(gctx) })
	}

	health.SetReady(true)
	logger.Info().
		Str("store", cfg.Store).
		Str("locks", cfg.LockBackend).
		Bool("nats", cfg.NATSURL != "").
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("nexledger ready")

	err = g.Wait()
	health.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore returns the ledger store and the audit log backing the gate.
func openStore(ctx context.Context, cfg Config, logger zerolog.Logger) (ledger.Store, lockdown.AuditLog, error) {
	switch cfg.Store {
	case "memory":
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		return ledger.NewMemoryStore(), lockdown.NewMemoryAuditLog(), nil

	case "bolt":
		s, err := persistence.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.BoltPath).Msg("bolt store opened")
		return s, s, nil

	case "postgres":
		db, err := persistence.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Msg("postgres connected, migrations applied")
		return persistence.NewPostgresStore(db, logger), persistence.NewPostgresAuditLog(db), nil

	default:
		return nil, nil, fmt.Errorf("NEX_STORE: unknown store %q (memory|bolt|postgres)", cfg.Store)
	}
}

func openLocks(cfg Config, gate *lockdown.Gate, metrics *observability.Metrics, logger zerolog.Logger) (lock.Registry, error) {
	opts := []lock.Option{
		lock.WithDefaultTimeout(cfg.LockTimeout),
		lock.WithAdmitter(gate),
		lock.WithMetrics(metrics),
	}
	switch cfg.LockBackend {
	case "memory":
		return lock.NewMemoryRegistry(opts...), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis lock registry")
		return lock.NewRedisRegistry(client, "nexledger:lock:", logger, opts...), nil
	default:
		return nil, fmt.Errorf("NEX_LOCK_BACKEND: unknown backend %q (memory|redis)", cfg.LockBackend)
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
