// Package evaluation holds the compliance evaluation aggregate: the
// normalized scan results of one Evaluate call together with the decision
// the policy engine returned. Evaluations are immutable once built.
package evaluation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
)

// Evaluation is the aggregate root. Fields are unexported; there are no
// mutators.
type Evaluation struct {
	id            string
	applicationID string
	environment   string
	riskTier      registry.RiskTier
	results       []scan.Result
	decision      pdp.Decision
	evaluatedAt   time.Time
}

// Params carries everything needed to build an Evaluation.
type Params struct {
	ID            string
	ApplicationID string
	Environment   string
	RiskTier      registry.RiskTier
	Results       []scan.Result
	Decision      *pdp.Decision
	EvaluatedAt   time.Time
}

// New builds an evaluation. A missing id or decision is a programming
// error and panics; a decision that breaks the deny contract is rejected
// by the caller before this point.
func New(p Params) *Evaluation {
	if p.ID == "" {
		panic("evaluation: id is required")
	}
	if p.Decision == nil {
		panic("evaluation: decision is required")
	}
	results := make([]scan.Result, len(p.Results))
	copy(results, p.Results)
	d := *p.Decision
	d.Violations = append([]pdp.Violation{}, p.Decision.Violations...)
	d.RawRequest = nil
	d.RawResponse = nil
	return &Evaluation{
		id:            p.ID,
		applicationID: p.ApplicationID,
		environment:   p.Environment,
		riskTier:      p.RiskTier,
		results:       results,
		decision:      d,
		evaluatedAt:   p.EvaluatedAt.UTC(),
	}
}

func (e *Evaluation) ID() string                  { return e.id }
func (e *Evaluation) ApplicationID() string       { return e.applicationID }
func (e *Evaluation) Environment() string         { return e.environment }
func (e *Evaluation) RiskTier() registry.RiskTier { return e.riskTier }
func (e *Evaluation) EvaluatedAt() time.Time      { return e.evaluatedAt }
func (e *Evaluation) Passed() bool                { return e.decision.Allow }

// Results returns a copy of the scan results.
func (e *Evaluation) Results() []scan.Result {
	out := make([]scan.Result, len(e.results))
	copy(out, e.results)
	return out
}

// Decision returns a copy of the decision.
func (e *Evaluation) Decision() pdp.Decision {
	d := e.decision
	d.Violations = append([]pdp.Violation{}, e.decision.Violations...)
	return d
}

// AggregatedCounts sums the per-result counts.
func (e *Evaluation) AggregatedCounts() scan.Counts {
	return scan.Aggregate(e.results)
}

// Record is the serialized form used by storage and the API.
type Record struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"applicationId"`
	Environment   string            `json:"environment"`
	RiskTier      registry.RiskTier `json:"riskTier"`
	Results       []scan.Result     `json:"scanResults"`
	Decision      pdp.Decision      `json:"policyDecision"`
	Counts        scan.Summary      `json:"aggregatedCounts"`
	Passed        bool              `json:"passed"`
	EvaluatedAt   time.Time         `json:"evaluatedAt"`
}

// Record snapshots the evaluation.
func (e *Evaluation) Record() Record {
	return Record{
		ID:            e.id,
		ApplicationID: e.applicationID,
		Environment:   e.environment,
		RiskTier:      e.riskTier,
		Results:       e.Results(),
		Decision:      e.Decision(),
		Counts:        e.AggregatedCounts().Summary(),
		Passed:        e.Passed(),
		EvaluatedAt:   e.evaluatedAt,
	}
}

// FromRecord restores an evaluation read back from storage.
func FromRecord(r Record) *Evaluation {
	d := r.Decision
	return New(Params{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		Environment:   r.Environment,
		RiskTier:      r.RiskTier,
		Results:       r.Results,
		Decision:      &d,
		EvaluatedAt:   r.EvaluatedAt,
	})
}

func (e *Evaluation) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

// Repository persists evaluations. Save never overwrites an existing id.
type Repository interface {
	Save(ctx context.Context, e *Evaluation) error
	Get(ctx context.Context, id string) (*Evaluation, error)
	ListByApplication(ctx context.Context, appID, environment string, limit int) ([]*Evaluation, error)
}
