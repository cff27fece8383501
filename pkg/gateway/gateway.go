// Package gateway orchestrates a compliance evaluation.
//
// Evaluate resolves the application environment, normalizes scan reports,
// asks the policy engine for a decision, then records an immutable
// evaluation and its audit log. Notification is a best-effort last step.
// A policy deny is a successful call with Passed=false.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/notify"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultAuditAttempts = 3
	defaultAuditBackoff  = 50 * time.Millisecond
	maxAuditBackoff      = time.Second
)

// Metrics receives evaluation telemetry. *observability.Metrics implements it.
type Metrics interface {
	ObserveEvaluation(result string, d time.Duration)
	ObserveEngine(outcome string, d time.Duration)
	AuditGap()
}

// Submitter accepts notifications without blocking. *notify.Dispatcher
// implements it.
type Submitter interface {
	Submit(n notify.Notification) bool
}

// Deps are the collaborators of a Service. Registry, Engine, Evaluations and
// Audit are required.
type Deps struct {
	Registry    registry.Reader
	Engine      pdp.Evaluator
	Evaluations evaluation.Repository
	Audit       audit.Repository

	Normalizer *scan.Normalizer
	Trigger    *notify.Trigger
	Notifier   Submitter
	Metrics    Metrics
	Logger     *slog.Logger

	// DefaultPolicy is used when an environment names no policy.
	DefaultPolicy string
	// AuditAttempts bounds audit write retries.
	AuditAttempts int
	AuditBackoff  time.Duration

	Now   func() time.Time
	NewID func() string
}

// Service runs evaluations. It holds no per-call state and is safe for
// concurrent use.
type Service struct {
	registry    registry.Reader
	engine      pdp.Evaluator
	evaluations evaluation.Repository
	audit       audit.Repository

	normalizer    *scan.Normalizer
	trigger       *notify.Trigger
	notifier      Submitter
	metrics       Metrics
	log           *slog.Logger
	tracer        trace.Tracer
	defaultPolicy string
	auditAttempts int
	auditBackoff  time.Duration
	now           func() time.Time
	newID         func() string
}

// New builds a Service. It panics when a required dependency is missing.
func New(d Deps) *Service {
	if d.Registry == nil || d.Engine == nil || d.Evaluations == nil || d.Audit == nil {
		panic("gateway: registry, engine, evaluations and audit are required")
	}
	s := &Service{
		registry:      d.Registry,
		engine:        d.Engine,
		evaluations:   d.Evaluations,
		audit:         d.Audit,
		normalizer:    d.Normalizer,
		trigger:       d.Trigger,
		notifier:      d.Notifier,
		metrics:       d.Metrics,
		log:           d.Logger,
		tracer:        otel.Tracer("compliance-gateway/gateway"),
		defaultPolicy: d.DefaultPolicy,
		auditAttempts: d.AuditAttempts,
		auditBackoff:  d.AuditBackoff,
		now:           d.Now,
		newID:         d.NewID,
	}
	if s.normalizer == nil {
		s.normalizer = scan.NewNormalizer(scan.DefaultClockSkew)
	}
	if s.trigger == nil {
		s.trigger = notify.MustTrigger(notify.DefaultTrigger)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "gateway")
	}
	if s.defaultPolicy == "" {
		s.defaultPolicy = pdp.DefaultPackage
	}
	if s.auditAttempts <= 0 {
		s.auditAttempts = defaultAuditAttempts
	}
	if s.auditBackoff <= 0 {
		s.auditBackoff = defaultAuditBackoff
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// EngineHealthy probes the policy engine.
func (s *Service) EngineHealthy(ctx context.Context) bool {
	return s.engine.Health(ctx)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvaluation(string, time.Duration) {}
func (nopMetrics) ObserveEngine(string, time.Duration)     {}
func (nopMetrics) AuditGap()                               {}
