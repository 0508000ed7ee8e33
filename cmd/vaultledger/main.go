package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VaultLedger/internal/adapter"
	"VaultLedger/internal/auth"
	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/keeper"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/report"
	"VaultLedger/internal/server"
	"VaultLedger/migrations"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	cfgPath := envOrDefault("CONFIG_PATH", "configs/vaultledger.yaml")
	cfg, err := config.Load(cfgPath, envOrDefault("ENV_FILE", ".env"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)
	logger.Info().Str("config", cfgPath).Str("mode", cfg.Vault.Mode).Msg("VaultLedger starting")

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("VaultLedger stopped with error")
	}
	logger.Info().Msg("VaultLedger shutdown complete")
}

func run(cfg *config.Config, level zerolog.Level, logger zerolog.Logger) error {
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if applied, err := persistence.NewMigrator(db, migrations.FS, component("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	} else if applied > 0 {
		logger.Info().Int("applied", applied).Msg("migrations applied")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddProbe("postgres", db.PingContext)

	// --- Vault ---
	// Persist blocks (backpressure); projection drops when full.
	persistChan := make(chan core.Output, cfg.Channels.PersistSize)
	projectionChan := make(chan core.Output, cfg.Channels.ProjectionSize)

	// TODO: replace the in-memory yield source with a chain-backed adapter.
	yield := adapter.NewMemoryAdapter()
	vault, err := buildVault(cfg, yield, persistChan, projectionChan, metrics, component("vault"))
	if err != nil {
		return err
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(ctx, vault, snapMgr, metrics, component("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	recovered, err := vault.State(ctx)
	if err != nil {
		return fmt.Errorf("read recovered state: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int64("replayed", stats.Replayed).
		Dur("duration", stats.Duration).
		Str("state_hash", recovered.StateHash.Hex()).
		Msg("vault recovered")

	// The simulated position starts empty; seed it with the recovered total
	// so the first report does not book the whole pool as a loss.
	if err := yield.Accrue(recovered.TotalAssets); err != nil {
		return fmt.Errorf("seed yield adapter: %w", err)
	}

	// --- Idempotency ---
	dedup := ingestion.NewDeduplicator(cfg.Idempotency.LRUCapacity, persistence.NewPostgresKeyStore(db), metrics, component("dedup"))
	keys, err := snapMgr.RecentIdempotencyKeys(ctx, cfg.Idempotency.WarmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		dedup.Warm(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure command stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	errChan := make(chan error, 8)

	// --- Persistence worker ---
	// It outlives ctx so it can drain persistChan after ingestion stops.
	publishChan := make(chan ingestion.PublishableEvent, cfg.Channels.PublishSize)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, component("persistence"))
	persistWorker.AfterFlush(func(out core.Output) {
		ingestion.Offer(publishChan, ingestion.NewPublishableEvent(out), metrics)
	})
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// --- Projection worker ---
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, component("projection"))
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// --- Outbound publisher ---
	publisher := ingestion.NewOutboundPublisher(js, publishChan, component("publisher"))
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	// --- Snapshots ---
	snapshotter := persistence.NewSnapshotter(vault, snapMgr, cfg.Persistence.SnapshotInterval, stats.SnapshotSequence, metrics, component("snapshot"))
	go snapshotter.Run(ctx, cfg.Persistence.SnapshotCheck)

	// --- Command ingestion ---
	rawChan := make(chan ingestion.RawCommand, cfg.Channels.InboundSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, component("subscriber"))
	dispatcher := ingestion.NewDispatcher(vault, dedup, ingestion.DefaultSubjects(), metrics, component("dispatcher"))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx, rawChan)
	}()
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Keeper ---
	var k *keeper.Keeper
	if cfg.Keeper.Enabled {
		rec := newRecorder(cfg.Keeper.SQLitePath, logger)
		defer rec.Close()

		k = keeper.NewKeeper(ctx, vault, common.HexToAddress(cfg.Keeper.Caller), rec, metrics, component("keeper"))
		if err := k.Register(cfg.Keeper.Cron); err != nil {
			return err
		}
		k.Start()
	}

	// --- gRPC + HTTP ---
	srv, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Vault:     vault,
		Query:     query.NewQueryService(db),
		Snapshots: snapshotter,
		Rebuild: func(ctx context.Context) (int64, error) {
			return projection.RebuildProjections(ctx, db, component("projection"))
		},
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        component("server"),
	})
	if err != nil {
		return err
	}
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", recovered.Sequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("VaultLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop every writer before closing persistChan: ingestion, then keeper.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancel()
	<-dispatchDone
	if k != nil {
		k.Stop()
	}

	close(persistChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence drain timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshotter.Take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	return runErr
}

func buildVault(cfg *config.Config, yield adapter.YieldAdapter, persist, projected chan<- core.Output, metrics *observability.Metrics, logger zerolog.Logger) (*core.Vault, error) {
	grants, err := cfg.Grants()
	if err != nil {
		return nil, err
	}

	var policy report.Policy
	switch report.Mode(cfg.Vault.Mode) {
	case report.ModeSkimming:
		rate, err := uint256.FromDecimal(cfg.Oracle.InitialRate)
		if err != nil {
			return nil, fmt.Errorf("oracle rate: %w", err)
		}
		policy = report.NewSkimming(adapter.NewManualRateOracle(rate, cfg.Oracle.Decimals), cfg.Vault.AssetDecimals)
	default:
		policy = report.NewDonating()
	}

	return core.New(core.Params{
		Address:       common.HexToAddress(cfg.Vault.Address),
		Beneficiary:   common.HexToAddress(cfg.Vault.Beneficiary),
		AssetDecimals: cfg.Vault.AssetDecimals,
		Lockup:        cfg.LockupConfig(),
	}, policy, auth.NewStaticAuthorizer(grants), yield,
		core.WithOutputs(persist, projected),
		core.WithMetrics(metrics),
		core.WithLogger(logger),
	)
}

func newRecorder(path string, logger zerolog.Logger) keeper.Recorder {
	if path == "" {
		return keeper.NewNoopRecorder()
	}
	rec, err := keeper.NewSQLiteRecorder(path)
	if err != nil {
		logger.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
		return keeper.NewNoopRecorder()
	}
	logger.Info().Str("path", path).Msg("sqlite recorder opened")
	return rec
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
