package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/config"
	"github.com/PortNumber53/entitlement-engine/backend/internal/handlers"
	"github.com/PortNumber53/entitlement-engine/backend/internal/httpserver"
	"github.com/PortNumber53/entitlement-engine/backend/internal/identity"
	"github.com/PortNumber53/entitlement-engine/backend/internal/ingest"
	"github.com/PortNumber53/entitlement-engine/backend/internal/logging"
	"github.com/PortNumber53/entitlement-engine/backend/internal/migrations"
	"github.com/PortNumber53/entitlement-engine/backend/internal/notify"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
	"github.com/PortNumber53/entitlement-engine/backend/internal/quota"
	"github.com/PortNumber53/entitlement-engine/backend/internal/store"
	stripeclient "github.com/PortNumber53/entitlement-engine/backend/internal/stripe"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
	"github.com/PortNumber53/entitlement-engine/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters := usageCounters(shutdownCtx, cfg, db)
	tracker := quota.NewTracker(counters, st,
		quota.WithLocation(cfg.QuotaLocation),
		quota.WithUnlimitedAccounts(cfg.UnlimitedAccounts...),
	)

	var (
		provider        identity.Provider
		billingProvider handlers.BillingProvider
	)
	if client := stripeclient.NewClient(cfg.StripeSecretKey); client != nil {
		provider = client
		billingProvider = client
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; provider lookups, checkout and cancellation are disabled")
	}

	parser := stripeclient.NewEventParser(cfg.StripeWebhookSecret, cfg.VerifyWebhookSignature)
	if !parser.Verifies() {
		log.Warn().Msg("webhook signature verification is DISABLED; enable STRIPE_WEBHOOK_VERIFY in production")
	}

	prices := plans.NewPriceTable(cfg.PriceIDs)
	outbox := notify.NewOutbox(jobs, cfg.DefaultLocale)
	applier := ingest.NewApplier(st, subscription.NewMachine(prices), outbox)
	resolver := identity.NewResolver(st,
		identity.WithWindow(cfg.CorrelationWindow),
		identity.WithLookupTimeout(cfg.IdentityLookupTimeout),
	)
	gateway := ingest.NewGateway(parser, st, resolver, provider, applier)

	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if cfg.LineChannelAccessToken != "" {
		dispatcher = notify.NewLineDispatcher(cfg.LineChannelAccessToken)
	}
	jobWorker := worker.New(worker.DefaultConfig(), jobs)
	jobWorker.RegisterHandler(notify.JobKind, notify.Handler(dispatcher))

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:      st,
		Webhook: gateway,
		Accounts: &handlers.AccountHandler{
			Accounts: st,
			Applier:  applier,
			Provider: billingProvider,
			Checkout: handlers.CheckoutConfig{
				Prices:          prices,
				TrialPeriodDays: cfg.TrialPeriodDays,
				SuccessURL:      cfg.CheckoutSuccessURL,
				CancelURL:       cfg.CheckoutCancelURL,
				PortalReturnURL: cfg.PortalReturnURL,
			},
			Locale: cfg.DefaultLocale,
		},
		Quota:  tracker,
		Jobs:   &handlers.JobHandler{Store: jobs, Worker: jobWorker},
		Worker: jobWorker,
	})

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// usageCounters prefers Redis when configured and reachable.
func usageCounters(ctx context.Context, cfg config.Config, db *sql.DB) quota.CounterStore {
	if cfg.RedisURL != "" {
		client, err := quota.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			log.Info().Msg("quota: using Redis counters")
			return quota.NewRedisCounters(client)
		}
		log.Warn().Err(err).Msg("quota: Redis unavailable; using Postgres counters")
	}
	counters, err := store.NewUsageCounters(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create usage counters")
	}
	return counters
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		if !migrations.IsDirty(err) {
			return err
		}
		log.Warn().Err(err).Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
		if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
			log.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
			return err
		}
		return migrations.Up(db)
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db: target")
}
