// Command maestro runs the orchestration server: model HR registry, router,
// work-package runner, run ledger, analytics, and the HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/analytics"
	"github.com/Mindburn-Labs/maestro/pkg/api"
	"github.com/Mindburn-Labs/maestro/pkg/artifacts"
	"github.com/Mindburn-Labs/maestro/pkg/assembler"
	"github.com/Mindburn-Labs/maestro/pkg/config"
	"github.com/Mindburn-Labs/maestro/pkg/credentials"
	"github.com/Mindburn-Labs/maestro/pkg/deliverables"
	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/llm"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/evaluation"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
	"github.com/Mindburn-Labs/maestro/pkg/observability"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/runner"
	"github.com/Mindburn-Labs/maestro/pkg/tenants"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsConfig := observability.DefaultConfig()
	obsConfig.Environment = os.Getenv("MAESTRO_ENV")
	obsConfig.OTLPEndpoint = cfg.OTLPEndpoint
	obsConfig.Enabled = cfg.OTELEnabled
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	}()

	logCredentialStatus()

	storage, db, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close() //nolint:errcheck
	}

	registry := modelhr.NewRegistry(ctx, storage)
	actions := evaluation.NewActionsQueue(registry, storage).
		WithRetention(time.Duration(cfg.ActionsRetentionDays) * 24 * time.Hour)
	evalSvc := evaluation.NewService(registry, storage, actions).
		WithObservationsCap(cfg.ObservationsCap)

	gateway := llm.NewGatewayFromEnv(os.Getenv)

	engine := policy.NewEngine()
	tracker := trust.NewTracker()
	variance := trust.NewVarianceTracker()

	cache := router.NewPortfolioCache(router.NewBuilder(engine, tracker), tracker, variance).
		WithTTL(time.Duration(cfg.PortfolioTTLSec) * time.Second)
	if cfg.RedisAddr != "" {
		cache = cache.WithBackend(router.NewRedisBackend(cfg.RedisAddr))
		slog.Info("portfolio cache backed by redis", "addr", cfg.RedisAddr)
	}

	tuning := analytics.NewTuningConfig().WithForceRefreshHook(cache.SetForceRefreshNext)
	applyProfile(tuning)

	store, err := openLedgerStore(ctx, cfg, db)
	if err != nil {
		return err
	}

	deliverableStore, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("deliverable store: %w", err)
	}
	// the assembler nests runs/<id> under its root itself
	dataRoot := filepath.Dir(cfg.RunsDir)
	publisher := deliverables.NewPublisher(assembler.New(dataRoot), deliverableStore, dataRoot)

	tenantStorage, err := tenants.NewFileStorage(filepath.Join(cfg.DataDir, "tenants"))
	if err != nil {
		return fmt.Errorf("tenant storage: %w", err)
	}

	srv := api.NewServer(api.ServerDeps{
		Planner:  planner.New(planner.NewStubDecomposer()),
		Ledgers:  store,
		Sessions: runner.NewSessionStore(),
		RunnerDeps: runner.Deps{
			Router:     router.New(engine),
			Registry:   registry,
			Evaluation: evalSvc,
			Trust:      tracker,
			Variance:   variance,
			Executor:   gateway,
			Ledger:     store,
			OnComplete: publisher.OnRunComplete,
			Obs:        obs,
		},
		Registry:  registry,
		Actions:   actions,
		Tuning:    tuning,
		Trust:     tracker,
		Variance:  variance,
		Portfolio: cache,
		Tenants:   tenantStorage,
		Obs:       obs,
	})

	startCanarySweep(ctx, registry, gateway)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("maestro listening", "port", cfg.Port, "persistence", string(cfg.PersistenceDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func logCredentialStatus() {
	resolver := credentials.NewResolver()
	for _, provider := range []string{"openai", "anthropic", "google"} {
		res := resolver.CheckStatus(provider)
		slog.Info("provider credentials", "provider", provider, "status", string(res.Status))
	}
}

// openStorage selects the Model HR persistence driver. The db driver keeps
// the *sql.DB open for the ledger archive as well.
func openStorage(ctx context.Context, cfg *config.Config) (modelhr.Storage, *sql.DB, error) {
	if cfg.PersistenceDriver != config.DriverDB {
		storage, err := modelhr.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("file storage: %w", err)
		}
		return storage, nil, nil
	}

	driver := "postgres"
	if strings.HasPrefix(cfg.DatabaseDSN, "file:") {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	storage := modelhr.NewSQLStorage(db)
	if err := storage.Init(ctx); err != nil {
		db.Close() //nolint:errcheck,gosec
		return nil, nil, fmt.Errorf("init sql storage: %w", err)
	}
	return storage, db, nil
}

// openLedgerStore returns the in-memory store, decorated with a SQL archive
// when the db driver is active.
func openLedgerStore(ctx context.Context, cfg *config.Config, db *sql.DB) (ledger.Store, error) {
	mem := ledger.NewMemoryStore()
	if cfg.PersistenceDriver != config.DriverDB || db == nil {
		return mem, nil
	}

	archive := ledger.NewSQLArchive(db)
	if err := archive.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger archive: %w", err)
	}
	archiving := ledger.NewArchivingStore(mem, archive, nil)
	if err := archiving.Restore(ctx, mem); err != nil {
		slog.Warn("ledger archive restore failed", "error", err)
	}
	return archiving, nil
}

// applyProfile overlays the optional YAML routing profile onto tuning
// defaults. A missing profile is not an error; a broken one is logged.
func applyProfile(tuning *analytics.TuningConfig) {
	name := os.Getenv("MAESTRO_PROFILE")
	if name == "" {
		return
	}
	dir := os.Getenv("MAESTRO_CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	profile, err := config.LoadProfile(dir, name)
	if err != nil {
		slog.Warn("routing profile not applied", "profile", name, "error", err)
		return
	}
	tuning.SetToggles(profile.TuningEnabled, profile.AllowAutoApply)
	if profile.PortfolioMode != "" {
		tuning.SetPortfolioMode(profile.PortfolioMode)
	}
	slog.Info("routing profile applied", "profile", profile.Name)
}

// startCanarySweep periodically re-evaluates models due for a canary pass:
// probation, unverified, or flagged by a recent pricing or creation signal.
// Disabled unless MODEL_HR_CANARY_INTERVAL_MINUTES is set.
func startCanarySweep(ctx context.Context, registry *modelhr.Registry, gateway *llm.Gateway) {
	interval := envMinutes("MODEL_HR_CANARY_INTERVAL_MINUTES")
	if interval <= 0 {
		return
	}
	canary := evaluation.NewCanary(registry, llm.CanaryExecutor{Gateway: gateway})
	logger := slog.Default().With("component", "canary-sweep")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, m := range canary.DueModels(ctx, time.Now().Add(-interval)) {
				res, tr, err := canary.Evaluate(ctx, m.ID)
				if err != nil {
					logger.Warn("canary evaluation failed", "model", m.ID, "error", err)
					continue
				}
				logger.Info("canary evaluated",
					"model", m.ID, "avgQuality", res.AvgQuality, "failed", res.FailedCount,
					"action", tr.Action, "reason", tr.Reason)
			}
		}
	}()
	logger.Info("canary sweep scheduled", "interval", interval.String())
}

func envMinutes(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	var minutes int
	if _, err := fmt.Sscanf(raw, "%d", &minutes); err != nil || minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
