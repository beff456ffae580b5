package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/analytics"
	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/evaluation"
	"github.com/Mindburn-Labs/maestro/pkg/observability"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/runner"
	"github.com/Mindburn-Labs/maestro/pkg/tenants"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

// ServerDeps are the subsystems the HTTP surface exposes. RunnerDeps is a
// template; the per-run registry snapshot and portfolio recommendation are
// filled in per request.
type ServerDeps struct {
	Planner    *planner.Planner
	Ledgers    ledger.Store
	Sessions   *runner.SessionStore
	RunnerDeps runner.Deps

	Registry *modelhr.Registry
	Actions  *evaluation.ActionsQueue

	Tuning   *analytics.TuningConfig
	Trust    *trust.Tracker
	Variance *trust.VarianceTracker

	Portfolio       *router.PortfolioCache // optional
	PortfolioConfig router.BuilderConfig

	Tenants tenants.Storage // optional; enables X-Tenant-ID filtering

	Obs    *observability.Provider // optional; RED metrics per request
	Logger *slog.Logger
}

// Server carries the wired subsystems behind the route handlers.
type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "api")
	}
	return &Server{deps: deps}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects/plan", s.handlePlan)
	mux.HandleFunc("POST /projects/package", s.handlePackage)
	mux.HandleFunc("POST /projects/run-packages", s.handleRunPackages)
	mux.HandleFunc("GET /projects/run-session", s.handleRunSession)
	mux.HandleFunc("POST /projects/run-session/cancel", s.handleRunSessionCancel)
	mux.HandleFunc("GET /projects/ledger", s.handleLedger)
	mux.HandleFunc("GET /projects/run-bundle", s.handleRunBundle)

	mux.HandleFunc("GET /observability/kpis", s.handleKpis)
	mux.HandleFunc("GET /observability/tuning/config", s.handleTuningConfigGet)
	mux.HandleFunc("POST /observability/tuning/config", s.handleTuningConfigSet)
	mux.HandleFunc("GET /observability/tuning/proposals", s.handleTuningProposals)
	mux.HandleFunc("POST /observability/tuning/apply", s.handleTuningApply)

	mux.HandleFunc("GET /ops/model-hr/registry", s.handleRegistryList)
	mux.HandleFunc("POST /ops/model-hr/registry", s.handleRegistryUpsert)
	mux.HandleFunc("POST /ops/model-hr/registry/{provider}/{model}/status", s.handleRegistryStatus)
	mux.HandleFunc("POST /ops/model-hr/registry/{provider}/{model}/disable", s.handleRegistryDisable)
	mux.HandleFunc("GET /ops/model-hr/actions", s.handleActionsList)
	mux.HandleFunc("POST /ops/model-hr/actions/{id}/approve", s.handleActionApprove)
	mux.HandleFunc("POST /ops/model-hr/actions/{id}/reject", s.handleActionReject)
	mux.HandleFunc("GET /ops/model-hr/health", s.handleRegistryHealth)

	return mux
}

// Handler wraps the routes with logging, rate limiting, and idempotent
// replay for mutating requests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	h = IdempotencyMiddleware(NewIdempotencyStore(10 * time.Minute))(h)
	h = NewGlobalRateLimiter(50, 100).Middleware(h)
	if s.deps.Obs != nil {
		h = TelemetryMiddleware(s.deps.Obs, h)
	}
	h = LoggingMiddleware(s.deps.Logger, h)
	return h
}
