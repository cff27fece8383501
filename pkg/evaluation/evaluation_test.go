package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evaluatedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func results(t *testing.T) []scan.Result {
	t.Helper()
	n := &scan.Normalizer{Now: func() time.Time { return evaluatedAt }}
	out, err := n.Normalize([]scan.RawResult{
		{ToolName: "trivy", ScannedAt: evaluatedAt.Add(-time.Hour), Vulnerabilities: []scan.RawVulnerability{
			{ID: "CVE-1", Severity: "critical", CVSSScore: 9.8, PackageName: "openssl"},
			{ID: "CVE-2", Severity: "high", CVSSScore: 7.1, PackageName: "zlib"},
		}},
		{ToolName: "snyk", ScannedAt: evaluatedAt.Add(-time.Hour), Vulnerabilities: []scan.RawVulnerability{
			{ID: "SNYK-1", Severity: "critical", CVSSScore: 9.1, PackageName: "lodash"},
			{ID: "SNYK-2", Severity: "low", CVSSScore: 2.0, PackageName: "left-pad"},
		}},
	})
	require.NoError(t, err)
	return out
}

func build(t *testing.T, id string, at time.Time) *Evaluation {
	return New(Params{
		ID:            id,
		ApplicationID: "app-1",
		Environment:   "production",
		RiskTier:      registry.RiskCritical,
		Results:       results(t),
		Decision: &pdp.Decision{
			Allow:         false,
			Violations:    []pdp.Violation{{Rule: "no_critical", Message: "critical found", Severity: "critical"}},
			PolicyPackage: "compliance.critical",
			RawRequest:    []byte(`{"input":{}}`),
		},
		EvaluatedAt: at,
	})
}

func TestEvaluation_AggregatedCounts(t *testing.T) {
	e := build(t, "ev-1", evaluatedAt)
	c := e.AggregatedCounts()
	assert.Equal(t, scan.Counts{Critical: 2, High: 1, Low: 1}, c)
	assert.Equal(t, 4, c.Total())
	assert.False(t, e.Passed())
}

func TestEvaluation_IsImmutable(t *testing.T) {
	d := &pdp.Decision{Allow: false, Violations: []pdp.Violation{{Rule: "r", Message: "m"}}}
	e := New(Params{ID: "ev-1", Decision: d, EvaluatedAt: evaluatedAt})

	d.Violations[0].Message = "changed"
	got := e.Decision()
	assert.Equal(t, "m", got.Violations[0].Message)

	got.Violations[0].Message = "changed again"
	assert.Equal(t, "m", e.Decision().Violations[0].Message)
	assert.Nil(t, e.Decision().RawRequest)
}

func TestNew_PanicsWithoutDecision(t *testing.T) {
	assert.Panics(t, func() { New(Params{ID: "x"}) })
	assert.Panics(t, func() { New(Params{Decision: &pdp.Decision{Allow: true}}) })
}

func TestRecordRoundTrip(t *testing.T) {
	e := build(t, "ev-1", evaluatedAt)
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aggregatedCounts":{"critical":2,"high":1,"medium":0,"low":1,"total":4}`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	back := FromRecord(rec)
	assert.Equal(t, e.AggregatedCounts(), back.AggregatedCounts())
	assert.Equal(t, e.Decision().Violations, back.Decision().Violations)
	assert.True(t, back.EvaluatedAt().Equal(e.EvaluatedAt()))
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(ctx, build(t, fmt.Sprintf("ev-%d", i), evaluatedAt.Add(time.Duration(i)*time.Minute))))
	}
	err := repo.Save(ctx, build(t, "ev-0", evaluatedAt))
	assert.True(t, errors.Is(err, apperr.ErrPersistence))

	got, err := repo.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", got.ID())

	_, err = repo.Get(ctx, "nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	list, err := repo.ListByApplication(ctx, "app-1", "PRODUCTION", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ev-2", list[0].ID())
	assert.Equal(t, "ev-1", list[1].ID())

	list, err = repo.ListByApplication(ctx, "app-1", "staging", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
