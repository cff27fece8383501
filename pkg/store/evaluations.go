package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
)

// EvaluationStore implements evaluation.Repository.
type EvaluationStore struct {
	s *SQLStore
}

var _ evaluation.Repository = (*EvaluationStore)(nil)

const evaluationColumns = `id, application_id, environment, risk_tier, scan_results, decision, evaluated_at`

func (e *EvaluationStore) Save(ctx context.Context, ev *evaluation.Evaluation) error {
	const op = "store.SaveEvaluation"
	results, err := json.Marshal(ev.Results())
	if err != nil {
		return apperr.Persistence(op, "could not encode scan results", err)
	}
	d := ev.Decision()
	decision, err := json.Marshal(d)
	if err != nil {
		return apperr.Persistence(op, "could not encode decision", err)
	}
	c := ev.AggregatedCounts()

	query := e.s.rebind(`INSERT INTO evaluations (
		id, application_id, environment, risk_tier, allowed, policy_package, scan_results, decision,
		critical_count, high_count, medium_count, low_count, total_count, evaluated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = e.s.db.ExecContext(ctx, query,
		ev.ID(), ev.ApplicationID(), ev.Environment(), string(ev.RiskTier()), d.Allow, d.PolicyPackage,
		string(results), string(decision),
		c.Critical, c.High, c.Medium, c.Low, c.Total(), e.s.timeArg(ev.EvaluatedAt()),
	)
	if err != nil {
		return apperr.Persistence(op, "could not record evaluation", err)
	}
	return nil
}

func (e *EvaluationStore) Get(ctx context.Context, id string) (*evaluation.Evaluation, error) {
	query := e.s.rebind(`SELECT ` + evaluationColumns + ` FROM evaluations WHERE id = ?`)
	ev, err := scanEvaluation(e.s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetEvaluation", "evaluation %q not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence("store.GetEvaluation", "could not read evaluation", err)
	}
	return ev, nil
}

func (e *EvaluationStore) ListByApplication(ctx context.Context, appID, environment string, limit int) ([]*evaluation.Evaluation, error) {
	const op = "store.ListEvaluations"
	if limit <= 0 {
		limit = 50
	}
	where := `application_id = ?`
	args := []any{appID}
	if env := registry.NormalizeName(environment); env != "" {
		where += ` AND environment = ?`
		args = append(args, env)
	}
	args = append(args, limit)
	query := e.s.rebind(`SELECT ` + evaluationColumns + ` FROM evaluations WHERE ` + where +
		` ORDER BY evaluated_at DESC, id DESC LIMIT ?`)

	rows, err := e.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(op, "could not list evaluations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*evaluation.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, apperr.Persistence(op, "could not read evaluation", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, "could not list evaluations", err)
	}
	return out, nil
}

func scanEvaluation(row rowScanner) (*evaluation.Evaluation, error) {
	var (
		rec       evaluation.Record
		tier      string
		resultsJS string
		decJS     string
	)
	if err := row.Scan(&rec.ID, &rec.ApplicationID, &rec.Environment, &tier, &resultsJS, &decJS, timeValue{&rec.EvaluatedAt}); err != nil {
		return nil, err
	}
	rec.RiskTier = registry.RiskTier(tier)
	var results []scan.Result
	if err := json.Unmarshal([]byte(resultsJS), &results); err != nil {
		return nil, fmt.Errorf("decode scan results of %s: %w", rec.ID, err)
	}
	var d pdp.Decision
	if err := json.Unmarshal([]byte(decJS), &d); err != nil {
		return nil, fmt.Errorf("decode decision of %s: %w", rec.ID, err)
	}
	rec.Results = results
	rec.Decision = d
	return evaluation.FromRecord(rec), nil
}
