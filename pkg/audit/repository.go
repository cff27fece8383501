package audit

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
)

// ErrDuplicate is returned when a different log already exists for the
// same evaluation.
var ErrDuplicate = errors.New("audit: evaluation already has an audit log")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Repository is insert-and-read only. There is no update or delete.
//
// Create is idempotent on the evaluation id: writing the same log again is a
// no-op, writing a different log for an already audited evaluation returns
// ErrDuplicate.
type Repository interface {
	Create(ctx context.Context, l *Log) error
	Get(ctx context.Context, id string) (*Log, error)
	GetByEvaluationID(ctx context.Context, evaluationID string) (*Log, error)
	Find(ctx context.Context, q Query) (Page, error)
}

// Query filters audit logs. Zero fields do not filter. Since is inclusive,
// Until exclusive. Before restricts the result to logs strictly older than
// the cursor, for keyset paging that stays stable while logs are appended.
type Query struct {
	ApplicationID string
	Environment   string
	RiskTier      registry.RiskTier
	Allowed       *bool
	CriticalOnly  bool
	Since         time.Time
	Until         time.Time
	Before        *Cursor
	Limit         int
	Offset        int
}

// Cursor is a position in newest-first order.
type Cursor struct {
	EvaluatedAt time.Time
	ID          string
}

// Cursor returns the position of l.
func (l *Log) Cursor() Cursor {
	return Cursor{EvaluatedAt: l.evaluatedAt, ID: l.id}
}

// olderThan reports whether l sorts after c in newest-first order.
func (c Cursor) olderThan(l *Log) bool {
	if !l.evaluatedAt.Equal(c.EvaluatedAt) {
		return l.evaluatedAt.Before(c.EvaluatedAt)
	}
	return l.id < c.ID
}

// Normalized clamps paging and normalizes the environment name.
func (q Query) Normalized() Query {
	q.Environment = registry.NormalizeName(q.Environment)
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches applies the filters to l.
func (q Query) Matches(l *Log) bool {
	if q.ApplicationID != "" && l.applicationID != q.ApplicationID {
		return false
	}
	if q.Environment != "" && l.environment != q.Environment {
		return false
	}
	if q.RiskTier != "" && l.riskTier != q.RiskTier {
		return false
	}
	if q.Allowed != nil && l.allowed != *q.Allowed {
		return false
	}
	if q.CriticalOnly && l.counts.Critical == 0 {
		return false
	}
	if !q.Since.IsZero() && l.evaluatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !l.evaluatedAt.Before(q.Until) {
		return false
	}
	if q.Before != nil && !q.Before.olderThan(l) {
		return false
	}
	return true
}

// Page is one slice of a result set, newest first.
type Page struct {
	Items  []*Log `json:"-"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Next returns the cursor after the last item, or nil when the page was not
// full and nothing follows it.
func (p Page) Next() *Cursor {
	if len(p.Items) == 0 || len(p.Items) < p.Limit {
		return nil
	}
	c := p.Items[len(p.Items)-1].Cursor()
	return &c
}

// Entries serializes the page items.
func (p Page) Entries() []Entry {
	out := make([]Entry, len(p.Items))
	for i, l := range p.Items {
		out[i] = l.Entry()
	}
	return out
}

// Newer orders logs newest first with the id as tiebreaker.
func Newer(a, b *Log) bool {
	if !a.evaluatedAt.Equal(b.evaluatedAt) {
		return a.evaluatedAt.After(b.evaluatedAt)
	}
	return a.id > b.id
}
