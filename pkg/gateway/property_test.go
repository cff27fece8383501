package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// noCritical denies whenever the input reports a critical finding.
type noCritical struct{}

func (noCritical) Health(context.Context) bool { return true }

func (noCritical) Evaluate(ctx context.Context, input any, policyPackage string) (*pdp.Decision, error) {
	req, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	in := input.(engineInput)
	d := &pdp.Decision{Allow: in.Summary.Critical == 0, Violations: []pdp.Violation{}, PolicyPackage: policyPackage}
	if !d.Allow {
		d.Violations = []pdp.Violation{{Rule: "no_critical", Message: "critical findings present", Severity: "critical"}}
	}
	resp, err := json.Marshal(map[string]any{"result": d})
	if err != nil {
		return nil, err
	}
	d.RawRequest, d.RawResponse = req, resp
	return d, nil
}

func genScans() gopter.Gen {
	vuln := gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf("critical", "high", "medium", "low"),
		gen.Float64Range(0, 10),
	).Map(func(v []interface{}) scan.RawVulnerability {
		return scan.RawVulnerability{ID: v[0].(string), Severity: v[1].(string), CVSSScore: v[2].(float64), PackageName: "pkg-" + v[0].(string)}
	})
	result := gopter.CombineGens(
		gen.OneConstOf("trivy", "snyk", "grype"),
		gen.SliceOf(vuln),
	).Map(func(v []interface{}) scan.RawResult {
		return scan.RawResult{ToolName: v[0].(string), ScannedAt: now.Add(-time.Hour), Vulnerabilities: v[1].([]scan.RawVulnerability)}
	})
	return gen.SliceOf(result)
}

func TestEvaluateProperties(t *testing.T) {
	svc := New(Deps{
		Registry:    seedRegistry(t),
		Engine:      noCritical{},
		Evaluations: evaluation.NewMemoryRepository(),
		Audit:       audit.NewMemoryStore(),
		Normalizer:  &scan.Normalizer{Now: func() time.Time { return now }},
		Now:         func() time.Time { return now },
	})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregated counts match submitted findings", prop.ForAll(
		func(raw []scan.RawResult) bool {
			sum, err := svc.Evaluate(context.Background(), EvaluateRequest{ApplicationID: "app-1", Environment: "production", ScanResults: raw})
			if err != nil {
				return false
			}
			want := 0
			for _, r := range raw {
				want += len(r.Vulnerabilities)
			}
			c := sum.AggregatedCounts
			return c.Total == want && c.Critical+c.High+c.Medium+c.Low == want
		},
		genScans(),
	))

	properties.Property("a deny always carries violations", prop.ForAll(
		func(raw []scan.RawResult) bool {
			sum, err := svc.Evaluate(context.Background(), EvaluateRequest{ApplicationID: "app-1", Environment: "production", ScanResults: raw})
			if err != nil {
				return false
			}
			return sum.Passed == sum.PolicyDecision.Allow && (sum.Passed || len(sum.PolicyDecision.Violations) > 0)
		},
		genScans(),
	))

	properties.TestingRun(t)
}
