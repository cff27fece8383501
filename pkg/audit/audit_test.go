package audit

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

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func evidence(t *testing.T) Evidence {
	t.Helper()
	ev, err := NewEvidence(
		[]byte(`[{"toolName":"trivy","vulnerabilities":[]}]`),
		[]byte(`{"input": {"b": 1, "a": 2}}`),
		[]byte(`{"result":{"allow":true,"violations":[]}}`),
		now,
	)
	require.NoError(t, err)
	return ev
}

type logOpt func(*Params)

func denied(p *Params) {
	p.Allowed = false
	p.Violations = []pdp.Violation{{Rule: "no_critical", Message: "critical found", Severity: "critical"}}
}

func newLog(t *testing.T, id string, at time.Time, opts ...logOpt) *Log {
	t.Helper()
	p := Params{
		ID:              id,
		EvaluationID:    "ev-" + id,
		ApplicationID:   "app-1",
		ApplicationName: "pay-api",
		Environment:     "production",
		RiskTier:        registry.RiskCritical,
		Allowed:         true,
		PolicyPackage:   "compliance.critical",
		Evidence:        evidence(t),
		Duration:        12 * time.Millisecond,
		InitiatedBy:     "ci",
		EvaluatedAt:     at,
	}
	for _, o := range opts {
		o(&p)
	}
	l, err := New(p)
	require.NoError(t, err)
	return l
}

func TestNewEvidence_KeepsPayloadsVerbatim(t *testing.T) {
	input := []byte(`{"input": {"metadata": {"build": 9007199254740993}, "b": 1, "a": 2}}`)
	output := []byte(`{"result":{"allow":true,"violations":[],"ticket":12345678901234567891,"ratio":1.10}}`)
	ev, err := NewEvidence([]byte(`[]`), input, output, now)
	require.NoError(t, err)

	assert.Equal(t, string(input), string(ev.EngineInput))
	assert.Equal(t, string(output), string(ev.EngineOutput))
	assert.True(t, ev.Complete())

	input[0] = '['
	assert.Equal(t, byte('{'), ev.EngineInput[0], "evidence owns its bytes")
}

func TestEvidenceDigest(t *testing.T) {
	spaced, err := NewEvidence([]byte(`[ ]`), []byte(`{"note": "a<b"}`), []byte(`{"n": 1.10}`), now)
	require.NoError(t, err)
	compact, err := NewEvidence([]byte(`[]`), []byte(`{"note":"a\u003cb"}`), []byte(`{"n":1.10}`), now)
	require.NoError(t, err)
	changed, err := NewEvidence([]byte(`[]`), []byte(`{"note":"a<b"}`), []byte(`{"n":1.1}`), now)
	require.NoError(t, err)

	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, spaced.Digest())
	assert.Equal(t, spaced.Digest(), compact.Digest(), "spelling of the same JSON does not change the digest")
	assert.NotEqual(t, spaced.Digest(), changed.Digest(), "a rewritten number does")
}

func TestNewEvidence_RequiresAllPayloads(t *testing.T) {
	ok := []byte(`{}`)
	cases := map[string][3][]byte{
		"scan":   {nil, ok, ok},
		"input":  {ok, []byte("  "), ok},
		"output": {ok, ok, nil},
		"broken": {ok, ok, []byte(`{"result":`)},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewEvidence(c[0], c[1], c[2], now)
			assert.True(t, errors.Is(err, ErrIncompleteEvidence))
		})
	}
	_, err := NewEvidence(ok, ok, ok, time.Time{})
	assert.True(t, errors.Is(err, ErrIncompleteEvidence))
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Params{ID: "a", EvaluationID: "e", EvaluatedAt: now, Evidence: evidence(t), Allowed: false})
	assert.Error(t, err, "deny without violations")

	_, err = New(Params{ID: "a", EvaluationID: "e", EvaluatedAt: now, Allowed: true})
	assert.True(t, errors.Is(err, ErrIncompleteEvidence))

	_, err = New(Params{ID: "a", EvaluatedAt: now, Evidence: evidence(t), Allowed: true})
	assert.Error(t, err)
}

func TestEntryRoundTrip(t *testing.T) {
	l := newLog(t, "a1", now, denied, func(p *Params) { p.Counts = scan.Counts{Critical: 2} })
	data, err := json.Marshal(l.Entry())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severityCounts":{"critical":2,"high":0,"medium":0,"low":0,"total":2}`)

	assert.Contains(t, string(data), `"evidenceDigest":"`+l.Evidence().Digest()+`"`)

	var e Entry
	require.NoError(t, json.Unmarshal(data, &e))
	back, err := FromEntry(e)
	require.NoError(t, err)
	again, err := json.Marshal(back.Entry())
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	e.Evidence.EngineOutput = json.RawMessage(`{"result":{"allow":false,"violations":[]}}`)
	_, err = FromEntry(e)
	assert.True(t, errors.Is(err, ErrEvidenceDigest))
}

func TestMemoryStore_CreateIsIdempotentOnEvaluation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	l := newLog(t, "a1", now)

	require.NoError(t, s.Create(ctx, l))
	require.NoError(t, s.Create(ctx, l), "retrying the same write is a no-op")
	assert.Equal(t, 1, s.Len())

	other, err := New(Params{ID: "a2", EvaluationID: l.EvaluationID(), EvaluatedAt: now, Allowed: true, Evidence: evidence(t)})
	require.NoError(t, err)
	err = s.Create(ctx, other)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
}

func TestMemoryStore_ReadsAreStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newLog(t, "a1", now, denied)))

	first, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	v := first.Violations()
	v[0].Message = "tampered"
	ev := first.Evidence()
	ev.EngineOutput[0] = 'X'

	second, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, first.Reason(), second.Reason())
	assert.Equal(t, "critical found", second.Violations()[0].Message)
	assert.Equal(t, first.Entry(), second.Entry())

	byEval, err := s.GetByEvaluationID(ctx, "ev-a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", byEval.ID())

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

// Blocked decisions in the last seven days come back denied-only and
// newest first.
func TestQueryService_ListBlockedLastSevenDays(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newLog(t, "old", now.Add(-10*24*time.Hour), denied)))
	require.NoError(t, s.Create(ctx, newLog(t, "b1", now.Add(-3*24*time.Hour), denied)))
	require.NoError(t, s.Create(ctx, newLog(t, "ok", now.Add(-2*24*time.Hour))))
	require.NoError(t, s.Create(ctx, newLog(t, "b2", now.Add(-1*time.Hour), denied)))
	require.NoError(t, s.Create(ctx, newLog(t, "b3", now.Add(-5*24*time.Hour), denied)))

	q := NewQueryService(s)
	got, err := q.ListBlocked(ctx, now.Add(-7*24*time.Hour), 0)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, l := range got {
		assert.False(t, l.Allowed())
		ids[i] = l.ID()
	}
	assert.Equal(t, []string{"b2", "b1", "b3"}, ids)
}

func TestQueryService_ListByApplicationPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, newLog(t, fmt.Sprintf("p%d", i), now.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Create(ctx, newLog(t, "stg", now, func(p *Params) { p.Environment = "staging" })))
	require.NoError(t, s.Create(ctx, newLog(t, "other", now, func(p *Params) { p.ApplicationID = "app-2" })))

	q := NewQueryService(s)
	page, err := q.ListByApplication(ctx, "app-1", "Production", time.Time{}, time.Time{}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "p3", page.Items[0].ID())
	assert.Equal(t, "p2", page.Items[1].ID())

	page, err = q.ListByApplication(ctx, "app-1", "", now, now.Add(2*time.Minute), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total, "p0, p1 and staging fall inside the window")

	_, err = q.ListByApplication(ctx, "app-1", "", now, now, 10, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = q.ListByApplication(ctx, "", "", time.Time{}, time.Time{}, 10, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestQueryService_CriticalAndRiskTier(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newLog(t, "c", now, denied, func(p *Params) { p.Counts = scan.Counts{Critical: 1} })))
	require.NoError(t, s.Create(ctx, newLog(t, "h", now, func(p *Params) {
		p.Counts = scan.Counts{High: 3}
		p.RiskTier = registry.RiskLow
	})))

	q := NewQueryService(s)
	crit, err := q.ListCritical(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, crit, 1)
	assert.Equal(t, "c", crit[0].ID())

	page, err := q.ListByRiskTier(ctx, registry.RiskLow, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "h", page.Items[0].ID())

	_, err = q.ListByRiskTier(ctx, "severe", 10, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestQueryService_Statistics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newLog(t, "1", now.Add(-time.Hour), denied, func(p *Params) { p.Counts = scan.Counts{Critical: 2, High: 1} })))
	require.NoError(t, s.Create(ctx, newLog(t, "2", now.Add(-2*time.Hour), func(p *Params) { p.Counts = scan.Counts{High: 4} })))
	require.NoError(t, s.Create(ctx, newLog(t, "3", now.Add(-3*time.Hour), func(p *Params) {
		p.Environment = "staging"
		p.RiskTier = registry.RiskMedium
	})))
	require.NoError(t, s.Create(ctx, newLog(t, "4", now.Add(-3*time.Hour), denied, func(p *Params) { p.Environment = "staging" })))
	require.NoError(t, s.Create(ctx, newLog(t, "outside", now.Add(-48*time.Hour), denied)))

	q := NewQueryService(s)
	st, err := q.Statistics(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Allowed)
	assert.Equal(t, 2, st.Blocked)
	assert.InDelta(t, 50.0, st.BlockedPercentage, 0.001)
	assert.Equal(t, 2, st.TotalCritical)
	assert.Equal(t, 5, st.TotalHigh)
	assert.Equal(t, Breakdown{Total: 2, Allowed: 1, Blocked: 1}, *st.ByEnvironment["production"])
	assert.Equal(t, Breakdown{Total: 2, Allowed: 1, Blocked: 1}, *st.ByEnvironment["staging"])
	assert.Equal(t, Breakdown{Total: 1, Allowed: 1}, *st.ByRiskTier[registry.RiskMedium])
	assert.Equal(t, Breakdown{Total: 3, Allowed: 1, Blocked: 2}, *st.ByRiskTier[registry.RiskCritical])

	empty, err := q.Statistics(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.BlockedPercentage)
}

// growingRepo appends a fresh log after the first page has been read.
type growingRepo struct {
	*MemoryStore
	late  *Log
	calls int
}

func (g *growingRepo) Find(ctx context.Context, q Query) (Page, error) {
	page, err := g.MemoryStore.Find(ctx, q)
	g.calls++
	if g.calls == 1 {
		if err := g.MemoryStore.Create(ctx, g.late); err != nil {
			return Page{}, err
		}
	}
	return page, err
}

func TestQueryService_StatisticsStableUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	n := MaxLimit + 1
	for i := 0; i < n; i++ {
		require.NoError(t, s.Create(ctx, newLog(t, fmt.Sprintf("l-%04d", i), now.Add(-time.Duration(i+2)*time.Second))))
	}
	repo := &growingRepo{MemoryStore: s, late: newLog(t, "late", now.Add(-time.Second))}

	st, err := NewQueryService(repo).Statistics(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
	assert.Equal(t, n, st.Total, "no log is counted twice")
}

func TestMemoryStore_FindBeforeCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, newLog(t, id, now)))
	}
	require.NoError(t, s.Create(ctx, newLog(t, "d", now.Add(-time.Minute))))

	var ids []string
	q := Query{Limit: 2}
	for {
		page, err := s.Find(ctx, q)
		require.NoError(t, err)
		for _, l := range page.Items {
			ids = append(ids, l.ID())
		}
		if q.Before = page.Next(); q.Before == nil {
			break
		}
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, ids)
}
