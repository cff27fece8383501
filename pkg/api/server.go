package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/gateway"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/observability"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 10 << 20

// Gateway is the evaluation surface the API serves. *gateway.Service
// implements it.
type Gateway interface {
	Evaluate(ctx context.Context, req gateway.EvaluateRequest) (*gateway.Summary, error)
	GetEvaluation(ctx context.Context, id string) (*evaluation.Evaluation, error)
	ListEvaluations(ctx context.Context, appID, environment string, limit int) ([]*evaluation.Evaluation, error)
	EngineHealthy(ctx context.Context) bool
}

// Deps wires the server. Gateway, Audit and Registry are required.
type Deps struct {
	Gateway  Gateway
	Audit    *audit.QueryService
	Registry registry.Manager
	Metrics  *observability.Metrics
	Limiter  *RateLimiter
	Logger   *slog.Logger
	// Ping reports storage health for /health.
	Ping func(ctx context.Context) error
	Now  func() time.Time
}

// Server holds handler state.
type Server struct {
	gw       Gateway
	audit    *audit.QueryService
	registry registry.Manager
	metrics  *observability.Metrics
	limiter  *RateLimiter
	log      *slog.Logger
	ping     func(ctx context.Context) error
	now      func() time.Time
	schema   *jsonschema.Schema
}

// NewServer compiles the request schema and returns a Server.
func NewServer(d Deps) (*Server, error) {
	schema, err := compileEvaluateSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		gw:       d.Gateway,
		audit:    d.Audit,
		registry: d.Registry,
		metrics:  d.Metrics,
		limiter:  d.Limiter,
		log:      d.Logger,
		ping:     d.Ping,
		now:      d.Now,
		schema:   schema,
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "api")
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(s.recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/health/policy-engine", s.handleEngineHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}

		api.Post("/evaluations", s.handleEvaluate)
		api.Get("/evaluations/{id}", s.handleGetEvaluation)

		api.Route("/applications", func(apps chi.Router) {
			apps.Post("/", s.handleRegister)
			apps.Get("/", s.handleListApplications)
			apps.Get("/{id}", s.handleGetApplication)
			apps.Get("/{id}/evaluations", s.handleListEvaluations)
			apps.Post("/{id}/environments", s.handleAddEnvironment)
			apps.Put("/{id}/environments/{name}", s.handleUpdateEnvironment)
			apps.Delete("/{id}/environments/{name}", s.handleDeactivateEnvironment)
		})

		api.Route("/audit", func(a chi.Router) {
			a.Get("/blocked", s.handleListBlocked)
			a.Get("/critical", s.handleListCritical)
			a.Get("/statistics", s.handleStatistics)
			a.Get("/risk-tiers/{tier}", s.handleListByRiskTier)
			a.Get("/applications/{id}", s.handleListAuditByApplication)
			a.Get("/evaluations/{id}", s.handleGetAuditByEvaluation)
			a.Get("/{id}", s.handleGetAudit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
	})
	return r
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.ErrorContext(r.Context(), "handler panicked", "panic", rec, "path", r.URL.Path)
				WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics by route pattern and logs the request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		s.log.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
