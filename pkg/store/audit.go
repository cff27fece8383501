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
	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
)

// AuditStore implements audit.Repository. It only ever inserts.
type AuditStore struct {
	s *SQLStore
}

var _ audit.Repository = (*AuditStore)(nil)

const auditColumns = `id, evaluation_id, application_id, application_name, environment, risk_tier, allowed, reason,
	violations, policy_package, decision_hash, evidence_scan, evidence_input, evidence_output, evidence_captured_at,
	duration_ms, critical_count, high_count, medium_count, low_count, initiated_by, evaluated_at`

// Create inserts l. A conflicting row for the same evaluation is accepted
// only when it is the same log, which makes retries safe.
func (a *AuditStore) Create(ctx context.Context, l *audit.Log) error {
	const op = "store.CreateAuditLog"
	violations, err := json.Marshal(l.Violations())
	if err != nil {
		return apperr.Persistence(op, "could not encode violations", err)
	}
	ev := l.Evidence()
	c := l.Counts()

	query := a.s.rebind(`INSERT INTO audit_logs (` + auditColumns + `, total_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	res, err := a.s.db.ExecContext(ctx, query,
		l.ID(), l.EvaluationID(), l.ApplicationID(), l.ApplicationName(), l.Environment(), string(l.RiskTier()),
		l.Allowed(), l.Reason(), string(violations), l.PolicyPackage(), l.DecisionHash(),
		string(ev.ScanResults), string(ev.EngineInput), string(ev.EngineOutput), a.s.timeArg(ev.CapturedAt),
		l.Duration().Milliseconds(), c.Critical, c.High, c.Medium, c.Low, l.InitiatedBy(), a.s.timeArg(l.EvaluatedAt()),
		c.Total(),
	)
	if err != nil {
		return apperr.Persistence(op, "could not record audit log", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(op, "could not confirm audit log write", err)
	}
	if n == 1 {
		return nil
	}

	var existing string
	err = a.s.db.QueryRowContext(ctx, a.s.rebind(`SELECT id FROM audit_logs WHERE evaluation_id = ?`), l.EvaluationID()).Scan(&existing)
	switch {
	case err == nil && existing == l.ID():
		return nil
	case err == nil:
		return apperr.E(apperr.KindPersistence, op,
			fmt.Sprintf("evaluation %s already has audit log %s", l.EvaluationID(), existing), audit.ErrDuplicate)
	case errors.Is(err, sql.ErrNoRows):
		return apperr.E(apperr.KindPersistence, op, fmt.Sprintf("audit log %s already exists", l.ID()), audit.ErrDuplicate)
	default:
		return apperr.Persistence(op, "could not confirm audit log write", err)
	}
}

func (a *AuditStore) Get(ctx context.Context, id string) (*audit.Log, error) {
	return a.one(ctx, "store.GetAuditLog", `id = ?`, id, "audit log %q not found")
}

func (a *AuditStore) GetByEvaluationID(ctx context.Context, evaluationID string) (*audit.Log, error) {
	return a.one(ctx, "store.GetAuditLogByEvaluation", `evaluation_id = ?`, evaluationID, "no audit log for evaluation %q")
}

func (a *AuditStore) one(ctx context.Context, op, where, arg, notFound string) (*audit.Log, error) {
	query := a.s.rebind(`SELECT ` + auditColumns + ` FROM audit_logs WHERE ` + where)
	l, err := scanAuditLog(a.s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, notFound, arg)
	}
	if err != nil {
		return nil, apperr.Persistence(op, "could not read audit log", err)
	}
	return l, nil
}

// Find runs a count and a page query with the same filters.
func (a *AuditStore) Find(ctx context.Context, q audit.Query) (audit.Page, error) {
	const op = "store.FindAuditLogs"
	q = q.Normalized()
	where, args := a.filters(q)

	var total int
	if err := a.s.db.QueryRowContext(ctx, a.s.rebind(`SELECT COUNT(*) FROM audit_logs`+where), args...).Scan(&total); err != nil {
		return audit.Page{}, apperr.Persistence(op, "could not count audit logs", err)
	}
	page := audit.Page{Total: total, Limit: q.Limit, Offset: q.Offset}
	if total == 0 || q.Offset >= total {
		return page, nil
	}

	query := a.s.rebind(`SELECT ` + auditColumns + ` FROM audit_logs` + where +
		` ORDER BY evaluated_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := a.s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return audit.Page{}, apperr.Persistence(op, "could not list audit logs", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		l, err := scanAuditLog(rows)
		if err != nil {
			return audit.Page{}, apperr.Persistence(op, "could not read audit log", err)
		}
		page.Items = append(page.Items, l)
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, apperr.Persistence(op, "could not list audit logs", err)
	}
	return page, nil
}

func (a *AuditStore) filters(q audit.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.ApplicationID != "" {
		conds = append(conds, "application_id = ?")
		args = append(args, q.ApplicationID)
	}
	if q.Environment != "" {
		conds = append(conds, "environment = ?")
		args = append(args, q.Environment)
	}
	if q.RiskTier != "" {
		conds = append(conds, "risk_tier = ?")
		args = append(args, string(q.RiskTier))
	}
	if q.Allowed != nil {
		conds = append(conds, "allowed = ?")
		args = append(args, *q.Allowed)
	}
	if q.CriticalOnly {
		conds = append(conds, "critical_count > 0")
	}
	if !q.Since.IsZero() {
		conds = append(conds, "evaluated_at >= ?")
		args = append(args, a.s.timeArg(q.Since))
	}
	if !q.Until.IsZero() {
		conds = append(conds, "evaluated_at < ?")
		args = append(args, a.s.timeArg(q.Until))
	}
	if q.Before != nil {
		at := a.s.timeArg(q.Before.EvaluatedAt)
		conds = append(conds, "(evaluated_at < ? OR (evaluated_at = ? AND id < ?))")
		args = append(args, at, at, q.Before.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAuditLog(row rowScanner) (*audit.Log, error) {
	var (
		p                         audit.Params
		tier                      string
		violations                string
		evScan, evInput, evOutput string
		capturedAt                time.Time
		durationMs                int64
	)
	err := row.Scan(&p.ID, &p.EvaluationID, &p.ApplicationID, &p.ApplicationName, &p.Environment, &tier,
		&p.Allowed, &p.Reason, &violations, &p.PolicyPackage, &p.DecisionHash,
		&evScan, &evInput, &evOutput, timeValue{&capturedAt},
		&durationMs, &p.Counts.Critical, &p.Counts.High, &p.Counts.Medium, &p.Counts.Low,
		&p.InitiatedBy, timeValue{&p.EvaluatedAt})
	if err != nil {
		return nil, err
	}
	p.RiskTier = registry.RiskTier(tier)
	p.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal([]byte(violations), &p.Violations); err != nil {
		return nil, fmt.Errorf("decode violations of %s: %w", p.ID, err)
	}
	if p.Violations == nil {
		p.Violations = []pdp.Violation{}
	}
	p.Evidence = audit.Evidence{
		ScanResults:  json.RawMessage(evScan),
		EngineInput:  json.RawMessage(evInput),
		EngineOutput: json.RawMessage(evOutput),
		CapturedAt:   capturedAt,
	}
	return audit.New(p)
}

// Gap is an evaluation whose audit log was never written.
type Gap struct {
	EvaluationID  string    `json:"evaluationId"`
	ApplicationID string    `json:"applicationId"`
	Environment   string    `json:"environment"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// EvaluationsWithoutAudit lists evaluations since the given time that have
// no matching audit log, newest first.
func (s *SQLStore) EvaluationsWithoutAudit(ctx context.Context, since time.Time, limit int) ([]Gap, error) {
	const op = "store.EvaluationsWithoutAudit"
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT e.id, e.application_id, e.environment, e.evaluated_at
		FROM evaluations e
		LEFT JOIN audit_logs a ON a.evaluation_id = e.id
		WHERE a.id IS NULL AND e.evaluated_at >= ?
		ORDER BY e.evaluated_at DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, s.timeArg(since), limit)
	if err != nil {
		return nil, apperr.Persistence(op, "could not scan for audit gaps", err)
	}
	defer func() { _ = rows.Close() }()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.EvaluationID, &g.ApplicationID, &g.Environment, timeValue{&g.EvaluatedAt}); err != nil {
			return nil, apperr.Persistence(op, "could not read audit gap", err)
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, "could not scan for audit gaps", err)
	}
	return gaps, nil
}
