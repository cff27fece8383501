package evaluation

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
)

// MemoryRepository keeps evaluations in process.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]*Evaluation
	order []string
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Evaluation)}
}

func (m *MemoryRepository) Save(ctx context.Context, e *Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[e.ID()]; ok {
		return apperr.Persistence("evaluation.Save", "evaluation already recorded", nil)
	}
	m.byID[e.ID()] = e
	m.order = append(m.order, e.ID())
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("evaluation.Get", "evaluation %q not found", id)
	}
	return e, nil
}

// ListByApplication returns newest first. An empty environment matches all.
func (m *MemoryRepository) ListByApplication(ctx context.Context, appID, environment string, limit int) ([]*Evaluation, error) {
	env := registry.NormalizeName(environment)
	m.mu.RLock()
	var out []*Evaluation
	for _, id := range m.order {
		e := m.byID[id]
		if e.ApplicationID() != appID || (env != "" && e.Environment() != env) {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt().After(out[j].EvaluatedAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len is the number of stored evaluations.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
