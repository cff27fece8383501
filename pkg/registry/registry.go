package registry

import (
	"context"
	"errors"
)

// ErrDuplicate is returned when a name is already taken.
var ErrDuplicate = errors.New("registry: duplicate name")

// Reader is the read-only lookup the evaluation workflow depends on.
type Reader interface {
	GetApplication(ctx context.Context, id string) (*Application, error)
}

// Manager provisions applications and environments.
type Manager interface {
	Reader
	Register(ctx context.Context, name, owner string) (*Application, error)
	AddEnvironment(ctx context.Context, appID string, spec EnvironmentSpec) (*EnvironmentConfig, error)
	UpdateEnvironment(ctx context.Context, appID string, spec EnvironmentSpec) (*EnvironmentConfig, error)
	DeactivateEnvironment(ctx context.Context, appID, name string) error
	ListApplications(ctx context.Context) ([]*Application, error)
}
