package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productionSpec() EnvironmentSpec {
	return EnvironmentSpec{
		Name:             "  Production ",
		RiskTier:         "CRITICAL",
		SecurityTools:    []string{"Trivy", "snyk", "trivy"},
		PolicyReferences: []string{"compliance.critical", " ", "compliance.baseline"},
	}
}

func TestEnvironmentSpec_Validate(t *testing.T) {
	spec := productionSpec()
	tier, err := spec.Validate()
	require.NoError(t, err)
	assert.Equal(t, RiskCritical, tier)
	assert.Equal(t, "production", spec.Name)
	assert.Equal(t, []string{"trivy", "snyk"}, spec.SecurityTools)
	assert.Equal(t, []string{"compliance.critical", "compliance.baseline"}, spec.PolicyReferences)
}

func TestEnvironmentSpec_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EnvironmentSpec)
	}{
		{"empty name", func(s *EnvironmentSpec) { s.Name = " " }},
		{"bad tier", func(s *EnvironmentSpec) { s.RiskTier = "extreme" }},
		{"no tools", func(s *EnvironmentSpec) { s.SecurityTools = []string{" "} }},
		{"no policies", func(s *EnvironmentSpec) { s.PolicyReferences = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := productionSpec()
			tt.mutate(&spec)
			_, err := spec.Validate()
			assert.True(t, errors.Is(err, apperr.ErrValidation))
		})
	}
}

func TestMemoryRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	app, err := r.Register(ctx, "pay-api", "payments")
	require.NoError(t, err)
	assert.True(t, app.Active)

	_, err = r.Register(ctx, "PAY-API", "other")
	assert.True(t, errors.Is(err, ErrDuplicate))

	env, err := r.AddEnvironment(ctx, app.ID, productionSpec())
	require.NoError(t, err)
	assert.Equal(t, app.ID, env.ApplicationID)
	assert.True(t, env.Active)

	_, err = r.AddEnvironment(ctx, app.ID, productionSpec())
	assert.True(t, errors.Is(err, ErrDuplicate))

	got, err := r.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	active, err := got.ActiveEnvironment("PRODUCTION")
	require.NoError(t, err)
	p, ok := active.PrimaryPolicy()
	assert.True(t, ok)
	assert.Equal(t, "compliance.critical", p)

	upd := productionSpec()
	upd.RiskTier = "high"
	upd.PolicyReferences = []string{"compliance.high"}
	updated, err := r.UpdateEnvironment(ctx, app.ID, upd)
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, updated.RiskTier)

	require.NoError(t, r.DeactivateEnvironment(ctx, app.ID, "production"))
	got, err = r.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	_, err = got.ActiveEnvironment("production")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, ok = got.Environment("production")
	assert.True(t, ok)
}

func TestMemoryRegistry_NotFound(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.GetApplication(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.AddEnvironment(ctx, "missing", productionSpec())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, errors.Is(r.DeactivateEnvironment(ctx, "missing", "x"), apperr.ErrNotFound))
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	app, err := r.Register(ctx, "pay-api", "payments")
	require.NoError(t, err)
	_, err = r.AddEnvironment(ctx, app.ID, productionSpec())
	require.NoError(t, err)

	got, err := r.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	got.Environments[0].Active = false
	got.Environments[0].SecurityTools[0] = "tampered"

	again, err := r.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, again.Environments[0].Active)
	assert.Equal(t, "trivy", again.Environments[0].SecurityTools[0])
}

func TestLoadSeedFileAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
applications:
  - id: app-1
    name: pay-api
    owner: payments
    environments:
      - name: Production
        risk_tier: critical
        security_tools: [trivy]
        policy_references: [compliance.critical]
      - name: staging
        risk_tier: low
        security_tools: [trivy]
        policy_references: [compliance.low]
        inactive: true
`), 0o600))

	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seeds, 1)

	r := NewMemoryRegistry()
	require.NoError(t, Apply(context.Background(), r, seeds))

	app, err := r.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, app.Environments, 2)
	_, err = app.ActiveEnvironment("production")
	assert.NoError(t, err)
	_, err = app.ActiveEnvironment("staging")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSeedBuild_RejectsInvalidEnvironment(t *testing.T) {
	s := Seed{Name: "x", Environments: []EnvironmentSeed{{EnvironmentSpec: EnvironmentSpec{Name: "prod", RiskTier: "low"}}}}
	_, err := s.Build(time.Now())
	assert.Error(t, err)
}

func TestSeedBuild_DerivesStableID(t *testing.T) {
	s := Seed{Name: "ledger"}
	a, err := s.Build(time.Now())
	require.NoError(t, err)
	b, err := s.Build(time.Now())
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	other, err := Seed{Name: "billing"}.Build(time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}
