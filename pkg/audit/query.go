package audit

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
)

// QueryService answers read-only questions over the audit trail.
type QueryService struct {
	repo Repository
	now  func() time.Time
}

func NewQueryService(repo Repository) *QueryService {
	return &QueryService{repo: repo, now: time.Now}
}

func (s *QueryService) Get(ctx context.Context, id string) (*Log, error) {
	return s.repo.Get(ctx, id)
}

func (s *QueryService) GetByEvaluationID(ctx context.Context, evaluationID string) (*Log, error) {
	return s.repo.GetByEvaluationID(ctx, evaluationID)
}

// ListByApplication pages through one application's logs, optionally for a
// single environment and a [from, to) window.
func (s *QueryService) ListByApplication(ctx context.Context, appID, environment string, from, to time.Time, limit, offset int) (Page, error) {
	if appID == "" {
		return Page{}, apperr.Validation("audit.ListByApplication", "application id is required")
	}
	if err := checkWindow("audit.ListByApplication", from, to); err != nil {
		return Page{}, err
	}
	return s.repo.Find(ctx, Query{
		ApplicationID: appID,
		Environment:   environment,
		Since:         from,
		Until:         to,
		Limit:         limit,
		Offset:        offset,
	})
}

// ListBlocked returns denied decisions since the given time.
func (s *QueryService) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*Log, error) {
	denied := false
	page, err := s.repo.Find(ctx, Query{Allowed: &denied, Since: since, Limit: limit})
	return page.Items, err
}

// ListCritical returns logs with at least one critical vulnerability.
func (s *QueryService) ListCritical(ctx context.Context, since time.Time, limit int) ([]*Log, error) {
	page, err := s.repo.Find(ctx, Query{CriticalOnly: true, Since: since, Limit: limit})
	return page.Items, err
}

// ListByRiskTier pages through logs of one risk tier.
func (s *QueryService) ListByRiskTier(ctx context.Context, tier registry.RiskTier, limit, offset int) (Page, error) {
	if _, err := registry.ParseRiskTier(string(tier)); err != nil {
		return Page{}, apperr.Validation("audit.ListByRiskTier", "%s", err.Error())
	}
	return s.repo.Find(ctx, Query{RiskTier: tier, Limit: limit, Offset: offset})
}

// Breakdown counts decisions in one bucket.
type Breakdown struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Blocked int `json:"blocked"`
}

func (b *Breakdown) add(allowed bool) {
	b.Total++
	if allowed {
		b.Allowed++
	} else {
		b.Blocked++
	}
}

// Statistics summarizes decisions over a window.
type Statistics struct {
	From              time.Time                        `json:"from"`
	To                time.Time                        `json:"to"`
	Total             int                              `json:"total"`
	Allowed           int                              `json:"allowed"`
	Blocked           int                              `json:"blocked"`
	BlockedPercentage float64                          `json:"blockedPercentage"`
	TotalCritical     int                              `json:"totalCritical"`
	TotalHigh         int                              `json:"totalHigh"`
	ByEnvironment     map[string]*Breakdown            `json:"byEnvironment"`
	ByRiskTier        map[registry.RiskTier]*Breakdown `json:"byRiskTier"`
}

// Statistics walks every log in [from, to) with keyset paging, so logs
// written during the walk are neither skipped nor counted twice. A zero to
// means now.
func (s *QueryService) Statistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	if to.IsZero() {
		to = s.now().UTC()
	}
	if err := checkWindow("audit.Statistics", from, to); err != nil {
		return nil, err
	}
	st := &Statistics{
		From:          from,
		To:            to,
		ByEnvironment: make(map[string]*Breakdown),
		ByRiskTier:    make(map[registry.RiskTier]*Breakdown),
	}
	q := Query{Since: from, Until: to, Limit: MaxLimit}
	for {
		page, err := s.repo.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, l := range page.Items {
			st.Total++
			if l.allowed {
				st.Allowed++
			} else {
				st.Blocked++
			}
			st.TotalCritical += l.counts.Critical
			st.TotalHigh += l.counts.High
			bucket(st.ByEnvironment, l.environment).add(l.allowed)
			bucket(st.ByRiskTier, l.riskTier).add(l.allowed)
		}
		if q.Before = page.Next(); q.Before == nil {
			break
		}
	}
	if st.Total > 0 {
		st.BlockedPercentage = float64(st.Blocked) * 100 / float64(st.Total)
	}
	return st, nil
}

func bucket[K comparable](m map[K]*Breakdown, k K) *Breakdown {
	b, ok := m[k]
	if !ok {
		b = &Breakdown{}
		m[k] = b
	}
	return b
}

func checkWindow(op string, from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return apperr.Validation(op, "window start %s is not before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return nil
}
