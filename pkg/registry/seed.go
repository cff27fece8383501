package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML shape of a provisioned application.
//
//	applications:
//	  - id: 7b0c...
//	    name: pay-api
//	    owner: payments-team
//	    environments:
//	      - name: production
//	        risk_tier: critical
//	        security_tools: [trivy, snyk]
//	        policy_references: [compliance.critical]
type Seed struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Owner        string            `yaml:"owner"`
	Inactive     bool              `yaml:"inactive,omitempty"`
	Environments []EnvironmentSeed `yaml:"environments"`
}

// EnvironmentSeed is one environment of a Seed.
type EnvironmentSeed struct {
	EnvironmentSpec `yaml:",inline"`
	Inactive        bool `yaml:"inactive,omitempty"`
}

// Seeder accepts fully built applications.
type Seeder interface {
	PutApplication(ctx context.Context, app *Application) error
}

// seedNamespace derives stable ids for seeds that do not name one, so
// re-applying a seed on restart updates the same row.
var seedNamespace = uuid.MustParse("6f1d8c62-4a7e-4c1b-9a55-2f0c3e7d9b10")

// Build validates the seed and produces an Application. A missing id is
// derived from the name.
func (s Seed) Build(now time.Time) (*Application, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, fmt.Errorf("seed: application name is required")
	}
	id := s.ID
	if id == "" {
		id = uuid.NewSHA1(seedNamespace, []byte(name)).String()
	}
	now = now.UTC()
	app := &Application{ID: id, Name: name, Owner: s.Owner, Active: !s.Inactive, CreatedAt: now}
	for _, es := range s.Environments {
		spec := es.EnvironmentSpec
		tier, err := spec.Validate()
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
		if _, dup := app.Environment(spec.Name); dup {
			return nil, fmt.Errorf("seed %s: duplicate environment %q", name, spec.Name)
		}
		app.Environments = append(app.Environments, &EnvironmentConfig{
			ID:               uuid.NewString(),
			ApplicationID:    id,
			Name:             spec.Name,
			RiskTier:         tier,
			SecurityTools:    spec.SecurityTools,
			PolicyReferences: spec.PolicyReferences,
			Active:           !es.Inactive,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return app, nil
}

// seedFile is the top-level document accepted by LoadSeedFile.
type seedFile struct {
	Applications []Seed `yaml:"applications"`
}

// LoadSeedFile parses the applications list of a YAML file.
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return f.Applications, nil
}

// Apply builds every seed and hands it to dst. It stops at the first error.
func Apply(ctx context.Context, dst Seeder, seeds []Seed) error {
	now := time.Now()
	for _, s := range seeds {
		app, err := s.Build(now)
		if err != nil {
			return err
		}
		if err := dst.PutApplication(ctx, app); err != nil {
			return fmt.Errorf("seed %s: %w", app.Name, err)
		}
	}
	return nil
}
