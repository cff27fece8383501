package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/notify"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const opEvaluate = "gateway.Evaluate"

// Evaluate runs one compliance evaluation.
//
// Validation, NotFound and EngineTransport failures leave no records. Once the
// evaluation is saved its audit log is written with retries on a context that
// ignores caller cancellation; if that still fails the call returns a
// Persistence error and the gap is logged and counted.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*Summary, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "gateway.Evaluate", trace.WithAttributes(
		attribute.String("application.id", req.ApplicationID),
		attribute.String("environment", req.Environment),
	))
	defer span.End()

	sum, err := s.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.PublicMessage(err))
		s.metrics.ObserveEvaluation(apperr.KindOf(err).String(), time.Since(start))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("evaluation.id", sum.ID),
		attribute.Bool("evaluation.passed", sum.Passed),
	)
	result := "passed"
	if !sum.Passed {
		result = "blocked"
	}
	s.metrics.ObserveEvaluation(result, time.Since(start))
	return sum, nil
}

func (s *Service) evaluate(ctx context.Context, req EvaluateRequest) (*Summary, error) {
	if strings.TrimSpace(req.ApplicationID) == "" {
		return nil, apperr.Validation(opEvaluate, "applicationId is required")
	}
	if registry.NormalizeName(req.Environment) == "" {
		return nil, apperr.Validation(opEvaluate, "environment is required")
	}

	app, err := s.registry.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	env, err := app.ActiveEnvironment(req.Environment)
	if err != nil {
		return nil, err
	}

	results, err := s.normalizer.Normalize(req.ScanResults)
	if err != nil {
		return nil, err
	}
	counts := scan.Aggregate(results)

	policy, ok := env.PrimaryPolicy()
	if !ok {
		policy = s.defaultPolicy
	}
	input := buildEngineInput(app, env, results, counts, req.Metadata)

	decision, err := s.decide(ctx, input, policy)
	if err != nil {
		return nil, err
	}

	evaluatedAt := s.now().UTC()
	ev := evaluation.New(evaluation.Params{
		ID:            s.newID(),
		ApplicationID: app.ID,
		Environment:   env.Name,
		RiskTier:      env.RiskTier,
		Results:       results,
		Decision:      decision,
		EvaluatedAt:   evaluatedAt,
	})

	// Build the audit log before any write: bad evidence must leave no rows.
	entry, err := s.buildAuditLog(app, env, ev, decision, counts, req.InitiatedBy)
	if err != nil {
		return nil, err
	}

	if err := s.evaluations.Save(ctx, ev); err != nil {
		return nil, err
	}
	if err := s.writeAudit(ctx, entry); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "evaluation recorded",
		"evaluation_id", ev.ID(),
		"audit_id", entry.ID(),
		"application_id", app.ID,
		"environment", env.Name,
		"passed", ev.Passed(),
		"violations", len(decision.Violations),
		"policy_package", decision.PolicyPackage,
	)

	s.maybeNotify(ctx, app, entry)
	return newSummary(app, ev, entry.ID()), nil
}

// decide calls the engine and enforces the decision contract. Every failure
// is an EngineTransport error.
func (s *Service) decide(ctx context.Context, input engineInput, policy string) (*pdp.Decision, error) {
	start := time.Now()
	decision, err := s.engine.Evaluate(ctx, input, policy)
	if err == nil {
		err = decision.Validate()
	}
	if err != nil {
		outcome := "error"
		var ee *pdp.EngineError
		if errors.As(err, &ee) {
			outcome = string(ee.Reason)
		}
		s.metrics.ObserveEngine(outcome, time.Since(start))
		return nil, apperr.E(apperr.KindEngineTransport, opEvaluate, engineMessage(err), err)
	}
	s.metrics.ObserveEngine("ok", decision.Duration)
	return decision, nil
}

func engineMessage(err error) string {
	var ee *pdp.EngineError
	if errors.As(err, &ee) {
		switch ee.Reason {
		case pdp.ReasonCancelled:
			return "policy evaluation was cancelled"
		case pdp.ReasonCircuitOpen:
			return "policy engine is temporarily unavailable"
		case pdp.ReasonContract, pdp.ReasonParse, pdp.ReasonNoResult:
			return "policy engine returned an invalid decision"
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "policy evaluation was cancelled"
	}
	return "policy engine is unavailable"
}

func buildEngineInput(app *registry.Application, env *registry.EnvironmentConfig, results []scan.Result, counts scan.Counts, metadata map[string]any) engineInput {
	if results == nil {
		results = []scan.Result{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return engineInput{
		Application: engineApplication{
			ID:          app.ID,
			Name:        app.Name,
			Owner:       app.Owner,
			Environment: env.Name,
			RiskTier:    env.RiskTier,
		},
		ScanResults: results,
		Summary:     counts.Summary(),
		Metadata:    metadata,
	}
}

func (s *Service) buildAuditLog(app *registry.Application, env *registry.EnvironmentConfig, ev *evaluation.Evaluation, d *pdp.Decision, counts scan.Counts, initiatedBy string) (*audit.Log, error) {
	results := ev.Results()
	if results == nil {
		results = []scan.Result{}
	}
	scanJSON, err := json.Marshal(results)
	if err != nil {
		return nil, apperr.Persistence(opEvaluate, "could not encode scan results for evidence", err)
	}
	evidence, err := audit.NewEvidence(scanJSON, d.RawRequest, d.RawResponse, ev.EvaluatedAt())
	if err != nil {
		return nil, apperr.Persistence(opEvaluate, "could not capture decision evidence", err)
	}
	hash, err := d.Hash()
	if err != nil {
		return nil, apperr.Persistence(opEvaluate, "could not hash decision", err)
	}
	if strings.TrimSpace(initiatedBy) == "" {
		initiatedBy = "unknown"
	}
	entry, err := audit.New(audit.Params{
		ID:              s.newID(),
		EvaluationID:    ev.ID(),
		ApplicationID:   app.ID,
		ApplicationName: app.Name,
		Environment:     env.Name,
		RiskTier:        env.RiskTier,
		Allowed:         d.Allow,
		Reason:          d.Reason,
		Violations:      d.Violations,
		PolicyPackage:   d.PolicyPackage,
		DecisionHash:    hash,
		Evidence:        evidence,
		Duration:        d.Duration,
		Counts:          counts,
		InitiatedBy:     initiatedBy,
		EvaluatedAt:     ev.EvaluatedAt(),
	})
	if err != nil {
		return nil, apperr.Persistence(opEvaluate, "could not build audit log", err)
	}
	return entry, nil
}

// writeAudit retries with exponential backoff. Create is idempotent on the
// evaluation id, so a retry after an ambiguous failure is safe.
func (s *Service) writeAudit(ctx context.Context, entry *audit.Log) error {
	wctx := context.WithoutCancel(ctx)
	backoff := s.auditBackoff

	var err error
	for attempt := 1; attempt <= s.auditAttempts; attempt++ {
		if err = s.audit.Create(wctx, entry); err == nil {
			return nil
		}
		if attempt == s.auditAttempts {
			break
		}
		s.log.WarnContext(ctx, "audit write failed, retrying",
			"evaluation_id", entry.EvaluationID(),
			"attempt", attempt,
			"error", err,
		)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxAuditBackoff {
			backoff = maxAuditBackoff
		}
	}

	s.metrics.AuditGap()
	s.log.ErrorContext(ctx, "audit gap: evaluation recorded without audit log",
		"evaluation_id", entry.EvaluationID(),
		"audit_id", entry.ID(),
		"attempts", s.auditAttempts,
		"error", err,
	)
	return apperr.Persistence(opEvaluate,
		fmt.Sprintf("evaluation %s recorded but its audit log could not be written", entry.EvaluationID()), err)
}

func (s *Service) maybeNotify(ctx context.Context, app *registry.Application, entry *audit.Log) {
	if s.notifier == nil {
		return
	}
	n := notify.Notification{
		EvaluationID:    entry.EvaluationID(),
		AuditID:         entry.ID(),
		ApplicationID:   app.ID,
		ApplicationName: entry.ApplicationName(),
		Environment:     entry.Environment(),
		RiskTier:        string(entry.RiskTier()),
		Allowed:         entry.Allowed(),
		Reason:          entry.Reason(),
		Violations:      entry.Violations(),
		Counts:          entry.Counts().Summary(),
		PolicyPackage:   entry.PolicyPackage(),
		EvaluatedAt:     entry.EvaluatedAt(),
	}
	match, err := s.trigger.Match(n)
	if err != nil {
		s.log.WarnContext(ctx, "notification trigger failed", "evaluation_id", n.EvaluationID, "error", err)
		return
	}
	if !match {
		return
	}
	if !s.notifier.Submit(n) {
		s.log.WarnContext(ctx, "notification dropped", "evaluation_id", n.EvaluationID)
	}
}
