package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PerpClient/internal/address"
	"PerpClient/internal/broadcast"
	"PerpClient/internal/cache"
	"PerpClient/internal/config"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/persistence"
	"PerpClient/internal/query"
	"PerpClient/internal/server"
	"PerpClient/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $PERP_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	level := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLoggerTo(os.Stdout, "perpclient", level).With().Str("instance", cfg.Instance).Logger()
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, name, level).With().Str("instance", cfg.Instance).Logger()
	}
	logger.Info().
		Str("cluster", cfg.Ledger.Cluster).
		Str("program", cfg.Ledger.ProgramID).
		Bool("simulate", cfg.Ledger.Simulate).
		Msg("PerpClient starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Ledger client ---
	program := cfg.ProgramID()
	deriver := address.NewDeriver(program)
	var client ledger.Client
	if cfg.Ledger.Simulate {
		client = ledger.NewSimulator(program,
			ledger.WithPreflight(cfg.Ledger.Preflight),
			ledger.WithLogger(component("simulator")),
		)
		logger.Warn().Msg("running against the in-process ledger; state is lost on exit")
	} else {
		keys, payer, err := loadKeyring(cfg.Ledger.KeypairPaths)
		if err != nil {
			logger.Fatal().Err(err).Msg("load keypairs")
		}
		rpcOpts := transport.DefaultRPCOptions()
		rpcOpts.MaxRetries = cfg.Ledger.MaxRetries
		rpcOpts.RPS = cfg.Ledger.RPS
		rpcOpts.Burst = cfg.Ledger.Burst
		tc := transport.NewClient(transport.Config{
			Endpoint:     cfg.Ledger.RPCURL,
			ProgramID:    program,
			Payer:        payer,
			Commitment:   cfg.Ledger.Commitment,
			Preflight:    cfg.Ledger.Preflight,
			PollInterval: cfg.Ledger.PollInterval,
			AwaitTimeout: cfg.Ledger.AwaitTimeout,
			RPC:          rpcOpts,
		}, keys, metrics, component("transport"))
		healthChecker.AddCheck("ledger", tc.Health)
		client = tc
		logger.Info().Str("rpc", cfg.Ledger.RPCURL).Str("payer", payer.String()).Msg("ledger node configured")
	}

	// --- Postgres (optional) ---
	var (
		db        *sql.DB
		snapshots *persistence.SnapshotStore
		opLog     *persistence.OperationLog
	)
	if cfg.Postgres.URL != "" {
		db, err = sql.Open("postgres", cfg.Postgres.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres ping")
		}
		applied, err := persistence.NewMigrator(db, nil, component("migrate")).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Int("applied", applied).Msg("Postgres connected, migrations applied")

		healthChecker.AddCheck("postgres", db.PingContext)
		opLog = persistence.NewOperationLog(db)
		if cfg.Postgres.Snapshots {
			snapshots = persistence.NewSnapshotStore(db, metrics)
		}
	}

	// --- Account cache ---
	cacheOpts := []cache.Option{
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithWorkers(cfg.Cache.Workers),
		cache.WithMetrics(metrics),
		cache.WithLogger(component("cache")),
	}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer rdb.Close()
		tier := cache.NewRedisTier(rdb, cfg.Cache.RedisTTL)
		if err := tier.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis ping")
		}
		healthChecker.AddCheck("redis", tier.Ping)
		cacheOpts = append(cacheOpts, cache.WithRemote(tier))
		logger.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Redis cache tier enabled")
	}
	if snapshots != nil {
		cacheOpts = append(cacheOpts, cache.WithSnapshotSink(snapshots))
	}
	accounts, err := cache.New(client, deriver, cacheOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("account cache")
	}
	defer accounts.Close()

	// --- Orchestrator ---
	errChan := make(chan error, 10)
	orchOpts := []orchestrator.Option{
		orchestrator.WithInstance(cfg.Instance),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(component("orchestrator")),
	}

	var journal *persistence.JournalWorker
	if db != nil {
		journal = persistence.NewJournalWorker(persistence.NewOperationWriter(db),
			cfg.Postgres.BatchSize, cfg.Postgres.FlushTimeout,
			persistence.WithWorkerMetrics(metrics),
			persistence.WithWorkerLogger(component("journal")),
		)
		orchOpts = append(orchOpts, orchestrator.WithRecorder(journal))
	}

	// --- NATS settlement broadcast (optional) ---
	var (
		nc         *nats.Conn
		publisher  *broadcast.Publisher
		subscriber *broadcast.Subscriber
	)
	if cfg.NATS.URL != "" {
		conn, js, err := broadcast.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		nc = conn
		defer nc.Close()
		if err := broadcast.EnsureStream(ctx, js, component("nats")); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS stream")
		}
		publisher = broadcast.NewPublisher(js, cfg.NATS.Buffer, metrics, component("publisher"))
		orchOpts = append(orchOpts, orchestrator.WithNotifier(publisher))

		subscriber = broadcast.NewSubscriber(cfg.Instance, accounts, metrics, component("subscriber"))
		if err := subscriber.Start(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATS.URL).Str("consumer", subscriber.ConsumerName()).Msg("NATS broadcast enabled")
	}

	orch := orchestrator.New(client, instruction.NewBuilder(deriver, accounts), accounts, orchOpts...)

	// --- Query + servers ---
	queryOpts := []query.Option{}
	if opLog != nil {
		queryOpts = append(queryOpts, query.WithHistory(opLog))
	}
	if snapshots != nil {
		queryOpts = append(queryOpts, query.WithSnapshots(snapshots))
	}
	srv, err := server.New(server.Deps{
		Query:          query.NewService(accounts, queryOpts...),
		Submitter:      orch,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         component("server"),
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("server")
	}

	// --- Start goroutines ---
	// Workers that must drain on shutdown run on their own context.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		done := make(chan struct{}, 2)
		n := 0
		if journal != nil {
			n++
			go func() {
				if err := journal.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("journal worker stopped")
				}
				done <- struct{}{}
			}()
		}
		if publisher != nil {
			n++
			go func() {
				publisher.Run(workerCtx)
				done <- struct{}{}
			}()
		}
		for i := 0; i < n; i++ {
			<-done
		}
	}()

	// 1. Program account watcher
	if !cfg.Ledger.Simulate {
		watcher := transport.NewWatcher(cfg.Ledger.WSURL, program, accounts,
			transport.WithWatcherMetrics(metrics),
			transport.WithWatcherLogger(component("watcher")),
			transport.WithCommitment(cfg.Ledger.Commitment),
		)
		go watcher.Run(ctx)
	}

	// 2. Reconciliation of unknown outcomes
	go runReconciler(ctx, orch, cfg.Orchestrator.ReconcileInterval, component("reconciler"))

	// 3. gRPC server
	go func() {
		errChan <- srv.ServeGRPC(ctx, cfg.Server.GRPCAddr)
	}()

	// 4. HTTP API
	go func() {
		errChan <- srv.ServeHTTP(ctx, cfg.Server.HTTPAddr)
	}()

	// 5. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PerpClient ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then let the journal flush what it holds.
	healthChecker.SetReady(false)
	cancel()
	if subscriber != nil {
		subscriber.Stop()
	}
	stopWorkers()

	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain within 30s")
	}
	if pending := orch.Pending(); len(pending) > 0 {
		logger.Warn().Int("operations", len(pending)).Msg("exiting with unreconciled operations")
	}
	logger.Info().Msg("PerpClient shutdown complete")
}

// runReconciler periodically re-awaits operations whose outcome was unknown.
func runReconciler(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := len(orch.Pending())
			if pending == 0 {
				continue
			}
			settled := orch.ReconcileAll(ctx)
			logger.Info().Int("pending", pending).Int("settled", settled).Msg("reconciled")
		}
	}
}

// loadKeyring reads every keypair file; the first key pays fees.
func loadKeyring(paths []string) (*transport.Keyring, address.Pubkey, error) {
	keys := make([]ed25519.PrivateKey, 0, len(paths))
	for _, p := range paths {
		k, err := transport.LoadKeypair(p)
		if err != nil {
			return nil, address.Pubkey{}, fmt.Errorf("%s: %w", p, err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, address.Pubkey{}, errors.New("no keypairs configured")
	}
	return transport.NewKeyring(keys...), transport.PublicKeyOf(keys[0]), nil
}
