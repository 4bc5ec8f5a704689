package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bidvault/internal/config"
	"bidvault/internal/event"
	"bidvault/internal/ledger"
	"bidvault/internal/observability"
	"bidvault/internal/persistence"
	"bidvault/internal/reserve"
	"bidvault/internal/server"
	"bidvault/internal/stream"
	"bidvault/internal/upkeep"
	"bidvault/internal/vault"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log := observability.NewLogger("vaultd")
	log.Info().Msg("bid vault starting")

	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Ledger store ---
	var store ledger.Store
	var db *sql.DB
	switch cfg.StoreBackend {
	case "memory":
		store = ledger.NewMemoryStore()
		log.Warn().Msg("using in-memory store, balances are not durable")

	default:
		var err error
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping")
		}
		log.Info().Msg("postgres connected")

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}

		store = persistence.NewPostgresStore(db)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Outbound events via NATS JetStream ---
	var sink event.Sink
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("bidvault"))
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Drain()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("jetstream init")
		}
		if err := stream.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure event stream")
		}
		sink = stream.NewPublisher(js, observability.NewLogger("publisher"))
		log.Info().Str("url", cfg.NATSURL).Msg("nats connected")
	} else {
		log.Warn().Msg("VAULT_NATS_URL empty, outbound events disabled")
	}

	// --- Vault core ---
	callers := vault.NewCallerSet(cfg.ResolverKeys...)
	if callers.Len() == 0 {
		log.Warn().Msg("no resolver keys configured, lock/settle/refund will reject every caller")
	}

	v := vault.New(store, callers, sink, observability.NewLogger("vault"), metrics, vault.Config{
		FixedFee:       cfg.FixedFee,
		PlatformCutBps: cfg.PlatformCutBps,
		MaxLockAge:     cfg.MaxLockAge,
	})

	// --- Reserve verifier ---
	oracle := reserve.NewHTTPOracle(cfg.OracleURL, cfg.OracleTimeout)
	verifier := reserve.NewVerifier(store, oracle, sink, observability.NewLogger("reserve"), metrics, cfg.OracleTimeout)

	// --- Upkeep ---
	uk := upkeep.New(store, v, verifier, cfg.ReserveCheckInterval, observability.NewLogger("upkeep"))
	runner := upkeep.NewRunner(uk, cfg.UpkeepPoll, observability.NewLogger("upkeep"))
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("upkeep runner stopped")
		}
	}()

	// --- Metrics endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	// --- HTTP API ---
	srv := server.New(v, callers, verifier, uk, cfg.AdminKey, health, observability.NewLogger("http"), metrics)
	health.SetReady(true)

	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}

	log.Info().Msg("bid vault stopped")
}
