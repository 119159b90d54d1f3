package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/config"
	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/internal/workflow"
	"github.com/pitabwire/portal/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Steps    *definition.Registry
	Gate     *validation.Gate
	Drafts   draft.Store
	Sessions *workflow.Sessions

	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/portal/health", observability.HandleHealth())
	r.Get("/portal/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	recordMetrics := func(next http.Handler) http.Handler { return next }
	if deps.Metrics != nil {
		recordMetrics = deps.Metrics.MetricsMiddleware
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(recordMetrics)

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapRegisterSelf))

			r.Get("/portal/registration", handleGetRegistration(deps.Sessions))
			r.Get("/portal/registration/steps", handleListSteps(deps.Steps))
			r.Patch("/portal/registration/steps/{stepKey}", handleUpdateStep(deps.Sessions))
			r.Get("/portal/registration/steps/{stepKey}/validation", handleValidateStep(deps.Sessions, deps.Steps, deps.Gate))
			r.Post("/portal/registration/advance", handleAdvance(deps.Sessions))
			r.Post("/portal/registration/retreat", handleRetreat(deps.Sessions))
			r.Post("/portal/registration/jump", handleJump(deps.Sessions))
			r.Post("/portal/registration/submit", handleSubmit(deps.Sessions))
		})

		r.With(RequireCapability(model.CapViewDrafts)).Get("/portal/staff/drafts", handleListDrafts(deps.Drafts))
		r.With(RequireCapability(model.CapViewDrafts)).Get("/portal/staff/drafts/{subjectId}", handleGetDraft(deps.Drafts))
		r.With(RequireCapability(model.CapPurgeDrafts)).Delete("/portal/staff/drafts/{subjectId}", handlePurgeDraft(deps.Drafts, deps.Sessions))
	})

	return r
}
