// Package registry holds applications and their environment configuration.
//
// The gateway only reads from the registry (Reader). Management operations
// (Manager) exist so the service can be provisioned; they enforce the
// environment invariants: a normalized unique name, at least one security
// tool and at least one policy reference.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RiskTier classifies how strictly an environment is governed.
type RiskTier string

const (
	RiskCritical RiskTier = "critical"
	RiskHigh     RiskTier = "high"
	RiskMedium   RiskTier = "medium"
	RiskLow      RiskTier = "low"
)

// ParseRiskTier is case-insensitive.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskCritical:
		return RiskCritical, nil
	case RiskHigh:
		return RiskHigh, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskLow:
		return RiskLow, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// NormalizeName lower-cases and trims an environment name. Casers are
// stateful, so each call builds its own.
func NormalizeName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// NameKey is the uniqueness key of an application name. Two names with the
// same key are the same application in every Manager.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// EnvironmentConfig is one deployment target of an application.
type EnvironmentConfig struct {
	ID               string    `json:"id" yaml:"id"`
	ApplicationID    string    `json:"applicationId" yaml:"-"`
	Name             string    `json:"name" yaml:"name"`
	RiskTier         RiskTier  `json:"riskTier" yaml:"risk_tier"`
	SecurityTools    []string  `json:"securityTools" yaml:"security_tools"`
	PolicyReferences []string  `json:"policyReferences" yaml:"policy_references"`
	Active           bool      `json:"active" yaml:"active"`
	CreatedAt        time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"-"`
}

// PrimaryPolicy returns the first policy reference in configured order.
func (e *EnvironmentConfig) PrimaryPolicy() (string, bool) {
	if len(e.PolicyReferences) == 0 {
		return "", false
	}
	return e.PolicyReferences[0], true
}

// Application is a registered service.
type Application struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Owner        string               `json:"owner"`
	Active       bool                 `json:"active"`
	Environments []*EnvironmentConfig `json:"environments"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// Environment resolves an environment by normalized name, active or not.
func (a *Application) Environment(name string) (*EnvironmentConfig, bool) {
	n := NormalizeName(name)
	for _, e := range a.Environments {
		if e.Name == n {
			return e, true
		}
	}
	return nil, false
}

// ActiveEnvironment resolves an environment that may be evaluated. Nothing
// of an inactive application may be evaluated.
func (a *Application) ActiveEnvironment(name string) (*EnvironmentConfig, error) {
	if !a.Active {
		return nil, apperr.NotFound("registry.ActiveEnvironment", "application %q is inactive", a.Name)
	}
	env, ok := a.Environment(name)
	if !ok {
		return nil, apperr.NotFound("registry.ActiveEnvironment", "environment %q not found for application %q", NormalizeName(name), a.Name)
	}
	if !env.Active {
		return nil, apperr.NotFound("registry.ActiveEnvironment", "environment %q of application %q is inactive", env.Name, a.Name)
	}
	return env, nil
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Environments = make([]*EnvironmentConfig, len(a.Environments))
	for i, e := range a.Environments {
		ec := *e
		ec.SecurityTools = append([]string(nil), e.SecurityTools...)
		ec.PolicyReferences = append([]string(nil), e.PolicyReferences...)
		cp.Environments[i] = &ec
	}
	return &cp
}

// EnvironmentSpec is the caller-supplied shape for add/update.
type EnvironmentSpec struct {
	Name             string   `json:"name" yaml:"name"`
	RiskTier         string   `json:"riskTier" yaml:"risk_tier"`
	SecurityTools    []string `json:"securityTools" yaml:"security_tools"`
	PolicyReferences []string `json:"policyReferences" yaml:"policy_references"`
}

// Validate normalizes s in place and enforces environment invariants.
func (s *EnvironmentSpec) Validate() (RiskTier, error) {
	const op = "registry.EnvironmentSpec"
	s.Name = NormalizeName(s.Name)
	if s.Name == "" {
		return "", apperr.Validation(op, "environment name is required")
	}
	tier, err := ParseRiskTier(s.RiskTier)
	if err != nil {
		return "", apperr.Validation(op, "%s", err.Error())
	}

	tools := make([]string, 0, len(s.SecurityTools))
	seen := make(map[string]bool)
	for _, t := range s.SecurityTools {
		t = scan.NormalizeToolName(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tools = append(tools, t)
	}
	if len(tools) == 0 {
		return "", apperr.Validation(op, "environment %q requires at least one security tool", s.Name)
	}
	s.SecurityTools = tools

	refs := make([]string, 0, len(s.PolicyReferences))
	for _, p := range s.PolicyReferences {
		if p = strings.TrimSpace(p); p != "" {
			refs = append(refs, p)
		}
	}
	if len(refs) == 0 {
		return "", apperr.Validation(op, "environment %q requires at least one policy reference", s.Name)
	}
	s.PolicyReferences = refs
	return tier, nil
}
