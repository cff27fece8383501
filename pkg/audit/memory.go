package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
)

// MemoryStore is an in-process Repository.
type MemoryStore struct {
	mu           sync.RWMutex
	byID         map[string]*Log
	byEvaluation map[string]*Log
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Log), byEvaluation: make(map[string]*Log)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byEvaluation[l.evaluationID]; ok {
		if existing.id == l.id {
			return nil
		}
		return apperr.E(apperr.KindPersistence, "audit.Create",
			fmt.Sprintf("evaluation %s already has audit log %s", l.evaluationID, existing.id), ErrDuplicate)
	}
	if _, ok := m.byID[l.id]; ok {
		return apperr.E(apperr.KindPersistence, "audit.Create",
			fmt.Sprintf("audit log %s already exists", l.id), ErrDuplicate)
	}
	cp := *l
	cp.evidence = l.evidence.clone()
	cp.violations = l.Violations()
	m.byID[l.id] = &cp
	m.byEvaluation[l.evaluationID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("audit.Get", "audit log %q not found", id)
	}
	return l, nil
}

func (m *MemoryStore) GetByEvaluationID(ctx context.Context, evaluationID string) (*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.byEvaluation[evaluationID]
	if !ok {
		return nil, apperr.NotFound("audit.GetByEvaluationID", "no audit log for evaluation %q", evaluationID)
	}
	return l, nil
}

func (m *MemoryStore) Find(ctx context.Context, q Query) (Page, error) {
	q = q.Normalized()
	m.mu.RLock()
	var matched []*Log
	for _, l := range m.byID {
		if q.Matches(l) {
			matched = append(matched, l)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return Newer(matched[i], matched[j]) })
	page := Page{Total: len(matched), Limit: q.Limit, Offset: q.Offset}
	if q.Offset < len(matched) {
		end := q.Offset + q.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[q.Offset:end]
	}
	return page, nil
}

// Len is the number of stored logs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
