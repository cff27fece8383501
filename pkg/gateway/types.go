package gateway

import (
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
)

// EvaluateRequest asks for a compliance decision on a set of scan reports.
type EvaluateRequest struct {
	ApplicationID string           `json:"applicationId"`
	Environment   string           `json:"environment"`
	ScanResults   []scan.RawResult `json:"scanResults,omitempty"`
	InitiatedBy   string           `json:"initiatedBy"`
	// Metadata is passed to the engine as is. Use json.Number for numbers
	// that must keep their exact digits.
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// PolicyDecision is the caller-facing part of the engine decision.
type PolicyDecision struct {
	Allow         bool            `json:"allow"`
	Violations    []pdp.Violation `json:"violations"`
	PolicyPackage string          `json:"policyPackage"`
	Reason        string          `json:"reason,omitempty"`
}

// Summary is the result of a successful Evaluate call.
type Summary struct {
	ID               string            `json:"id"`
	AuditID          string            `json:"auditId"`
	ApplicationID    string            `json:"applicationId"`
	ApplicationName  string            `json:"applicationName"`
	Environment      string            `json:"environment"`
	RiskTier         registry.RiskTier `json:"riskTier"`
	EvaluatedAt      time.Time         `json:"evaluatedAt"`
	Passed           bool              `json:"passed"`
	ScanResults      []scan.Result     `json:"scanResults"`
	PolicyDecision   PolicyDecision    `json:"policyDecision"`
	AggregatedCounts scan.Summary      `json:"aggregatedCounts"`
}

func newSummary(app *registry.Application, ev *evaluation.Evaluation, auditID string) *Summary {
	d := ev.Decision()
	violations := d.Violations
	if violations == nil {
		violations = []pdp.Violation{}
	}
	results := ev.Results()
	if results == nil {
		results = []scan.Result{}
	}
	return &Summary{
		ID:              ev.ID(),
		AuditID:         auditID,
		ApplicationID:   ev.ApplicationID(),
		ApplicationName: app.Name,
		Environment:     ev.Environment(),
		RiskTier:        ev.RiskTier(),
		EvaluatedAt:     ev.EvaluatedAt(),
		Passed:          ev.Passed(),
		ScanResults:     results,
		PolicyDecision: PolicyDecision{
			Allow:         d.Allow,
			Violations:    violations,
			PolicyPackage: d.PolicyPackage,
			Reason:        d.Reason,
		},
		AggregatedCounts: ev.AggregatedCounts().Summary(),
	}
}

// engineInput is the document posted to the policy engine as "input".
type engineInput struct {
	Application engineApplication `json:"application"`
	ScanResults []scan.Result     `json:"scanResults"`
	Summary     scan.Summary      `json:"summary"`
	Metadata    map[string]any    `json:"metadata"`
}

type engineApplication struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	Environment string            `json:"environment"`
	RiskTier    registry.RiskTier `json:"riskTier"`
}
