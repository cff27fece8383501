package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/google/uuid"
)

// MemoryRegistry is an in-process Manager. Values handed out are deep copies.
type MemoryRegistry struct {
	mu   sync.RWMutex
	apps map[string]*Application
	now  func() time.Time
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{apps: make(map[string]*Application), now: time.Now}
}

func (r *MemoryRegistry) GetApplication(ctx context.Context, id string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[id]
	if !ok {
		return nil, apperr.NotFound("registry.GetApplication", "application %q not found", id)
	}
	return app.Clone(), nil
}

func (r *MemoryRegistry) ListApplications(ctx context.Context) ([]*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Application, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, name, owner string) (*Application, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("registry.Register", "application name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameTaken(name, "") {
		return nil, apperr.E(apperr.KindValidation, "registry.Register",
			fmt.Sprintf("application %q already registered", name), ErrDuplicate)
	}
	app := &Application{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     strings.TrimSpace(owner),
		Active:    true,
		CreatedAt: r.now().UTC(),
	}
	r.apps[app.ID] = app
	return app.Clone(), nil
}

// nameTaken reports whether an application other than exceptID already
// holds name's key. Callers hold the lock.
func (r *MemoryRegistry) nameTaken(name, exceptID string) bool {
	key := NameKey(name)
	for _, a := range r.apps {
		if a.ID != exceptID && NameKey(a.Name) == key {
			return true
		}
	}
	return false
}

// PutApplication stores a fully built application, replacing any with the
// same id. Used for seeding.
func (r *MemoryRegistry) PutApplication(ctx context.Context, app *Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameTaken(app.Name, app.ID) {
		return fmt.Errorf("application %q: %w", app.Name, ErrDuplicate)
	}
	r.apps[app.ID] = app.Clone()
	return nil
}

func (r *MemoryRegistry) AddEnvironment(ctx context.Context, appID string, spec EnvironmentSpec) (*EnvironmentConfig, error) {
	tier, err := spec.Validate()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil, apperr.NotFound("registry.AddEnvironment", "application %q not found", appID)
	}
	if _, exists := app.Environment(spec.Name); exists {
		return nil, apperr.E(apperr.KindValidation, "registry.AddEnvironment",
			fmt.Sprintf("environment %q already exists for application %q", spec.Name, app.Name), ErrDuplicate)
	}
	now := r.now().UTC()
	env := &EnvironmentConfig{
		ID:               uuid.NewString(),
		ApplicationID:    app.ID,
		Name:             spec.Name,
		RiskTier:         tier,
		SecurityTools:    spec.SecurityTools,
		PolicyReferences: spec.PolicyReferences,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	app.Environments = append(app.Environments, env)
	cp := *env
	return &cp, nil
}

func (r *MemoryRegistry) UpdateEnvironment(ctx context.Context, appID string, spec EnvironmentSpec) (*EnvironmentConfig, error) {
	tier, err := spec.Validate()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil, apperr.NotFound("registry.UpdateEnvironment", "application %q not found", appID)
	}
	env, ok := app.Environment(spec.Name)
	if !ok {
		return nil, apperr.NotFound("registry.UpdateEnvironment", "environment %q not found for application %q", spec.Name, app.Name)
	}
	env.RiskTier = tier
	env.SecurityTools = spec.SecurityTools
	env.PolicyReferences = spec.PolicyReferences
	env.Active = true
	env.UpdatedAt = r.now().UTC()
	cp := *env
	cp.SecurityTools = append([]string(nil), env.SecurityTools...)
	cp.PolicyReferences = append([]string(nil), env.PolicyReferences...)
	return &cp, nil
}

func (r *MemoryRegistry) DeactivateEnvironment(ctx context.Context, appID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[appID]
	if !ok {
		return apperr.NotFound("registry.DeactivateEnvironment", "application %q not found", appID)
	}
	env, ok := app.Environment(name)
	if !ok {
		return apperr.NotFound("registry.DeactivateEnvironment", "environment %q not found for application %q", NormalizeName(name), app.Name)
	}
	env.Active = false
	env.UpdatedAt = r.now().UTC()
	return nil
}
