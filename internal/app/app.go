// Package app wires the tenant runtime core's infrastructure and domain
// packages together and runs one of the three process modes: api, worker,
// or cron.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/daino/tenantcore/internal/config"
	"github.com/daino/tenantcore/internal/httpserver"
	"github.com/daino/tenantcore/internal/platform"
	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/internal/version"
	"github.com/daino/tenantcore/pkg/api"
	"github.com/daino/tenantcore/pkg/billing"
	"github.com/daino/tenantcore/pkg/connmgr"
	"github.com/daino/tenantcore/pkg/cron"
	"github.com/daino/tenantcore/pkg/healthrepair"
	"github.com/daino/tenantcore/pkg/jobs"
	"github.com/daino/tenantcore/pkg/migrations"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/resolver"
	"github.com/daino/tenantcore/pkg/seed"
	"github.com/daino/tenantcore/pkg/tokenrefresh"
	"github.com/daino/tenantcore/pkg/vault"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode ("api", "worker", or "cron").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tenantcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "tenantcore", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to master database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	v, err := vault.New(cfg.VaultKeyActive, cfg.VaultKeys)
	if err != nil {
		return fmt.Errorf("constructing credential vault: %w", err)
	}

	reg := registry.New(db, v, logger)

	defaultStoreID, _ := uuid.Parse(cfg.ResolverDefaultStoreID)
	res := resolver.New(reg, defaultStoreID)

	conns := connmgr.New(reg, logger, cfg.ConnHealthProbeTimeout, healthrepair.EnsureProvisioned)
	defer conns.Close()

	repair := healthrepair.New(reg, conns, migrations.NewTenantLoader(cfg.MigrationsTenantDir), seed.New(), logger)

	engine := jobs.New(db, cfg.JobRetryBaseDelay, cfg.JobRetryMaxDelay)

	cronScheduler := cron.New(db, engine, logger, cfg.CronTickInterval, cfg.CronAdvisoryLock)
	if err := ensureSystemCronEntries(ctx, cronScheduler, cfg); err != nil {
		return fmt.Errorf("registering system cron entries: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, reg, res, conns, repair, engine, tokenrefresh.NewStateStore(rdb))
	case "worker":
		refreshHandler, err := buildTokenRefreshHandler(ctx, cfg, reg, rdb, logger)
		if err != nil {
			return fmt.Errorf("building token refresh handler: %w", err)
		}
		return runWorker(ctx, cfg, logger, db, reg, engine, refreshHandler)
	case "cron":
		return cronScheduler.Run(ctx)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI mounts the external HTTP interface on the shared server
// bootstrap and serves until ctx is cancelled.
func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	reg *registry.Registry,
	res *resolver.Resolver,
	conns *connmgr.Manager,
	repair *healthrepair.Repairer,
	engine *jobs.Engine,
	oauthState *tokenrefresh.StateStore,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, db, rdb, metricsReg)

	handler := api.New(reg, res, conns, repair, engine, oauthState, cfg.TokenMaxFailures, logger)
	srv.APIRouter.Mount("/", handler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// rewrapCredentialsJobType names the job that re-encrypts
// a store's database credentials under the vault's current active key,
// without requiring a process restart for key rotation to take effect.
const rewrapCredentialsJobType = "rewrap_credentials"

// trimHistoryJobType names the job that bounds job_history retention.
const trimHistoryJobType = "trim_job_history"

type rewrapCredentialsPayload struct {
	StoreID uuid.UUID `json:"store_id"`
}

// runWorker leases and executes jobs until ctx is cancelled. The built-in
// job types (refresh_tokens, uptime_billing, trim_job_history,
// rewrap_credentials) are always registered so the standing cron entries and
// key-rotation callers have somewhere to land; every other handler a
// deployment needs is registered the same way before calling Run.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, reg *registry.Registry, engine *jobs.Engine, refreshHandler *tokenrefresh.Handler) error {
	handlers := jobs.NewHandlerRegistry()
	handlers.Register(tokenrefresh.JobType, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		result, err := refreshHandler.Run(ctx, cfg.RefreshBatchDeadline)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling refresh result: %w", err)
		}
		return payload, nil
	})
	billingHandler := billing.New(db, cfg.BillingRateCents, logger)
	handlers.Register(billing.JobType, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		result, err := billingHandler.Run(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling billing result: %w", err)
		}
		return payload, nil
	})
	handlers.Register(trimHistoryJobType, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		trimmed, err := engine.TrimHistory(ctx, cfg.JobHistoryRetention)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"trimmed": trimmed})
	})
	handlers.Register(rewrapCredentialsJobType, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		var p rewrapCredentialsPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding rewrap_credentials payload: %w", err)
		}
		if err := reg.RewrapCredentials(ctx, p.StoreID); err != nil {
			return nil, err
		}
		return nil, nil
	})

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.New().String())
	}

	worker := jobs.NewWorker(engine, handlers, logger, workerID, cfg.WorkerLeaseBatchSize, cfg.JobPollInterval, cfg.JobLeaseVisibilityTimeout)

	go releaseExpiredLeasesLoop(ctx, engine, logger, cfg.JobLeaseVisibilityTimeout)

	return worker.Run(ctx)
}

// releaseExpiredLeasesLoop returns jobs whose lease has expired (a crashed or
// stalled worker) to pending, checking every half visibility timeout so an
// expired lease is released within that interval of expiring.
func releaseExpiredLeasesLoop(ctx context.Context, engine *jobs.Engine, logger *slog.Logger, visibilityTimeout time.Duration) {
	interval := visibilityTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ReleaseExpiredLeases(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "releasing expired job leases", "error", err)
				continue
			}
			if n > 0 {
				logger.WarnContext(ctx, "released expired job leases", "count", n)
			}
		}
	}
}

// buildTokenRefreshHandler wires the refresh batch handler together with
// whichever concrete providers this deployment has credentials for.
// Integration types with no configured provider are simply never
// registered; refreshOne records those as ordinary refresh failures.
func buildTokenRefreshHandler(ctx context.Context, cfg *config.Config, reg *registry.Registry, rdb *redis.Client, logger *slog.Logger) (*tokenrefresh.Handler, error) {
	providers := tokenrefresh.NewProviderRegistry()

	if cfg.OIDCMarketplaceIssuerURL != "" && cfg.OIDCMarketplaceClientID != "" {
		provider, err := tokenrefresh.OIDCMarketplaceProvider(ctx, cfg.OIDCMarketplaceIssuerURL, cfg.OIDCMarketplaceClientID, cfg.OIDCMarketplaceClientSecret)
		if err != nil {
			return nil, fmt.Errorf("constructing oidc marketplace provider: %w", err)
		}
		providers.Register(cfg.OIDCMarketplaceIntegrationType, provider)
		logger.Info("oidc marketplace token refresh provider enabled", "integration_type", cfg.OIDCMarketplaceIntegrationType)
	}

	if cfg.OAuth2ClientID != "" && cfg.OAuth2TokenURL != "" {
		oauth2Cfg := &oauth2.Config{
			ClientID:     cfg.OAuth2ClientID,
			ClientSecret: cfg.OAuth2ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuth2AuthURL,
				TokenURL: cfg.OAuth2TokenURL,
			},
		}
		providers.Register(cfg.OAuth2IntegrationType, tokenrefresh.OAuth2Provider(oauth2Cfg))
		logger.Info("generic oauth2 token refresh provider enabled", "integration_type", cfg.OAuth2IntegrationType)
	}

	credentials := tokenrefresh.NewVaultCredentialSource(reg)
	return tokenrefresh.New(reg, providers, credentials, cfg.TokenExpiryBuffer, logger), nil
}

// ensureSystemCronEntries registers the standing system entries (token
// refresh, uptime billing, history trim), once per environment: RegisterIfAbsent leaves
// an existing entry (and any operator edits to it) untouched on subsequent
// process starts.
func ensureSystemCronEntries(ctx context.Context, scheduler *cron.Scheduler, cfg *config.Config) error {
	if _, err := scheduler.RegisterIfAbsent(ctx, cfg.RefreshCronExpression, "UTC", tokenrefresh.JobType, json.RawMessage(`{}`), "system", cfg.CronMaxFailures); err != nil {
		return fmt.Errorf("refresh_tokens entry: %w", err)
	}
	if _, err := scheduler.RegisterIfAbsent(ctx, cfg.BillingCronExpression, "UTC", billing.JobType, json.RawMessage(`{}`), "system", cfg.CronMaxFailures); err != nil {
		return fmt.Errorf("uptime_billing entry: %w", err)
	}
	if _, err := scheduler.RegisterIfAbsent(ctx, cfg.TrimCronExpression, "UTC", trimHistoryJobType, json.RawMessage(`{}`), "system", cfg.CronMaxFailures); err != nil {
		return fmt.Errorf("trim_job_history entry: %w", err)
	}
	return nil
}
