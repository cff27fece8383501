package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/google/uuid"
)

// RegistryStore implements registry.Manager and registry.Seeder.
type RegistryStore struct {
	s   *SQLStore
	now func() time.Time
}

var (
	_ registry.Manager = (*RegistryStore)(nil)
	_ registry.Seeder  = (*RegistryStore)(nil)
)

func (r *RegistryStore) GetApplication(ctx context.Context, id string) (*registry.Application, error) {
	const op = "store.GetApplication"
	var app registry.Application
	err := r.s.db.QueryRowContext(ctx,
		r.s.rebind(`SELECT id, name, owner, active, created_at FROM applications WHERE id = ?`), id).
		Scan(&app.ID, &app.Name, &app.Owner, &app.Active, timeValue{&app.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "application %q not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(op, "could not read application", err)
	}
	envs, err := r.environments(ctx, id)
	if err != nil {
		return nil, apperr.Persistence(op, "could not read environments", err)
	}
	app.Environments = envs
	return &app, nil
}

func (r *RegistryStore) environments(ctx context.Context, appID string) ([]*registry.EnvironmentConfig, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`SELECT id, application_id, name, risk_tier, security_tools,
		policy_references, active, created_at, updated_at
		FROM environments WHERE application_id = ? ORDER BY created_at, name`), appID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*registry.EnvironmentConfig
	for rows.Next() {
		var (
			e           registry.EnvironmentConfig
			tier        string
			tools, refs string
		)
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.Name, &tier, &tools, &refs, &e.Active,
			timeValue{&e.CreatedAt}, timeValue{&e.UpdatedAt}); err != nil {
			return nil, err
		}
		e.RiskTier = registry.RiskTier(tier)
		if err := json.Unmarshal([]byte(tools), &e.SecurityTools); err != nil {
			return nil, fmt.Errorf("decode security tools of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(refs), &e.PolicyReferences); err != nil {
			return nil, fmt.Errorf("decode policy references of %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *RegistryStore) ListApplications(ctx context.Context) ([]*registry.Application, error) {
	const op = "store.ListApplications"
	rows, err := r.s.db.QueryContext(ctx, `SELECT id FROM applications ORDER BY name`)
	if err != nil {
		return nil, apperr.Persistence(op, "could not list applications", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, apperr.Persistence(op, "could not list applications", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, "could not list applications", err)
	}

	out := make([]*registry.Application, 0, len(ids))
	for _, id := range ids {
		app, err := r.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}

func (r *RegistryStore) Register(ctx context.Context, name, owner string) (*registry.Application, error) {
	const op = "store.RegisterApplication"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(op, "application name is required")
	}
	app := &registry.Application{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     strings.TrimSpace(owner),
		Active:    true,
		CreatedAt: r.now().UTC(),
	}
	// The id is fresh, so a skipped insert means the name key is taken.
	res, err := r.s.db.ExecContext(ctx,
		r.s.rebind(`INSERT INTO applications (id, name, name_key, owner, active, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		app.ID, app.Name, registry.NameKey(app.Name), app.Owner, app.Active, r.s.timeArg(app.CreatedAt))
	if err != nil {
		return nil, apperr.Persistence(op, "could not register application", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Persistence(op, "could not confirm application registration", err)
	}
	if n == 0 {
		return nil, apperr.E(apperr.KindValidation, op, fmt.Sprintf("application %q already registered", name), registry.ErrDuplicate)
	}
	return app, nil
}

func (r *RegistryStore) AddEnvironment(ctx context.Context, appID string, spec registry.EnvironmentSpec) (*registry.EnvironmentConfig, error) {
	const op = "store.AddEnvironment"
	tier, err := spec.Validate()
	if err != nil {
		return nil, err
	}
	app, err := r.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if _, exists := app.Environment(spec.Name); exists {
		return nil, apperr.E(apperr.KindValidation, op,
			fmt.Sprintf("environment %q already exists for application %q", spec.Name, app.Name), registry.ErrDuplicate)
	}
	now := r.now().UTC()
	env := &registry.EnvironmentConfig{
		ID:               uuid.NewString(),
		ApplicationID:    appID,
		Name:             spec.Name,
		RiskTier:         tier,
		SecurityTools:    spec.SecurityTools,
		PolicyReferences: spec.PolicyReferences,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.insertEnvironment(ctx, r.s.db, env, false); err != nil {
		return nil, apperr.Persistence(op, "could not add environment", err)
	}
	return env, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *RegistryStore) insertEnvironment(ctx context.Context, db execer, env *registry.EnvironmentConfig, upsert bool) error {
	tools, err := json.Marshal(env.SecurityTools)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(env.PolicyReferences)
	if err != nil {
		return err
	}
	query := `INSERT INTO environments (id, application_id, name, risk_tier, security_tools, policy_references,
		active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += ` ON CONFLICT (application_id, name) DO UPDATE SET risk_tier = excluded.risk_tier,
		security_tools = excluded.security_tools, policy_references = excluded.policy_references,
		active = excluded.active, updated_at = excluded.updated_at`
	}
	_, err = db.ExecContext(ctx, r.s.rebind(query),
		env.ID, env.ApplicationID, env.Name, string(env.RiskTier), string(tools), string(refs),
		env.Active, r.s.timeArg(env.CreatedAt), r.s.timeArg(env.UpdatedAt))
	return err
}

func (r *RegistryStore) UpdateEnvironment(ctx context.Context, appID string, spec registry.EnvironmentSpec) (*registry.EnvironmentConfig, error) {
	const op = "store.UpdateEnvironment"
	tier, err := spec.Validate()
	if err != nil {
		return nil, err
	}
	tools, _ := json.Marshal(spec.SecurityTools)
	refs, _ := json.Marshal(spec.PolicyReferences)
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`UPDATE environments
		SET risk_tier = ?, security_tools = ?, policy_references = ?, active = ?, updated_at = ?
		WHERE application_id = ? AND name = ?`),
		string(tier), string(tools), string(refs), true, r.s.timeArg(r.now()), appID, spec.Name)
	if err != nil {
		return nil, apperr.Persistence(op, "could not update environment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, r.missingEnvironment(ctx, op, appID, spec.Name)
	}
	app, err := r.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	env, _ := app.Environment(spec.Name)
	return env, nil
}

func (r *RegistryStore) DeactivateEnvironment(ctx context.Context, appID, name string) error {
	const op = "store.DeactivateEnvironment"
	name = registry.NormalizeName(name)
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`UPDATE environments SET active = ?, updated_at = ?
		WHERE application_id = ? AND name = ?`), false, r.s.timeArg(r.now()), appID, name)
	if err != nil {
		return apperr.Persistence(op, "could not deactivate environment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingEnvironment(ctx, op, appID, name)
	}
	return nil
}

func (r *RegistryStore) missingEnvironment(ctx context.Context, op, appID, name string) error {
	if _, err := r.GetApplication(ctx, appID); err != nil {
		return err
	}
	return apperr.NotFound(op, "environment %q not found for application %q", name, appID)
}

// PutApplication upserts a seeded application and its environments in one
// transaction. Existing environments keep their ids.
func (r *RegistryStore) PutApplication(ctx context.Context, app *registry.Application) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.s.rebind(`INSERT INTO applications (id, name, name_key, owner, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, name_key = excluded.name_key,
		owner = excluded.owner, active = excluded.active`),
		app.ID, app.Name, registry.NameKey(app.Name), app.Owner, app.Active, r.s.timeArg(app.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert application %s: %w", app.Name, err)
	}
	for _, env := range app.Environments {
		if err := r.insertEnvironment(ctx, tx, env, true); err != nil {
			return fmt.Errorf("upsert environment %s/%s: %w", app.Name, env.Name, err)
		}
	}
	return tx.Commit()
}
