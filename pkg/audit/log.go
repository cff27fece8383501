// Package audit is the append-only evidentiary record of every decision.
//
// A Log is created once per evaluation and never updated or deleted. It
// denormalizes the application name, environment and risk tier as they
// were at evaluation time so later registry changes cannot rewrite history.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
)

// Log is the audit aggregate root.
type Log struct {
	id              string
	evaluationID    string
	applicationID   string
	applicationName string
	environment     string
	riskTier        registry.RiskTier
	allowed         bool
	reason          string
	violations      []pdp.Violation
	policyPackage   string
	decisionHash    string
	evidence        Evidence
	duration        time.Duration
	counts          scan.Counts
	initiatedBy     string
	evaluatedAt     time.Time
}

// Params carries everything needed to create a Log.
type Params struct {
	ID              string
	EvaluationID    string
	ApplicationID   string
	ApplicationName string
	Environment     string
	RiskTier        registry.RiskTier
	Allowed         bool
	Reason          string
	Violations      []pdp.Violation
	PolicyPackage   string
	DecisionHash    string
	Evidence        Evidence
	Duration        time.Duration
	Counts          scan.Counts
	InitiatedBy     string
	EvaluatedAt     time.Time
}

// New validates and builds a Log.
func New(p Params) (*Log, error) {
	switch {
	case p.ID == "":
		return nil, errors.New("audit: id is required")
	case p.EvaluationID == "":
		return nil, errors.New("audit: evaluation id is required")
	case p.EvaluatedAt.IsZero():
		return nil, errors.New("audit: evaluatedAt is required")
	case !p.Evidence.Complete():
		return nil, fmt.Errorf("%w for evaluation %s", ErrIncompleteEvidence, p.EvaluationID)
	case !p.Allowed && len(p.Violations) == 0:
		return nil, fmt.Errorf("audit: denied evaluation %s has no violations", p.EvaluationID)
	}
	return &Log{
		id:              p.ID,
		evaluationID:    p.EvaluationID,
		applicationID:   p.ApplicationID,
		applicationName: p.ApplicationName,
		environment:     p.Environment,
		riskTier:        p.RiskTier,
		allowed:         p.Allowed,
		reason:          p.Reason,
		violations:      append([]pdp.Violation{}, p.Violations...),
		policyPackage:   p.PolicyPackage,
		decisionHash:    p.DecisionHash,
		evidence:        p.Evidence.clone(),
		duration:        p.Duration,
		counts:          p.Counts,
		initiatedBy:     p.InitiatedBy,
		evaluatedAt:     p.EvaluatedAt.UTC(),
	}, nil
}

func (l *Log) ID() string                  { return l.id }
func (l *Log) EvaluationID() string        { return l.evaluationID }
func (l *Log) ApplicationID() string       { return l.applicationID }
func (l *Log) ApplicationName() string     { return l.applicationName }
func (l *Log) Environment() string         { return l.environment }
func (l *Log) RiskTier() registry.RiskTier { return l.riskTier }
func (l *Log) Allowed() bool               { return l.allowed }
func (l *Log) Reason() string              { return l.reason }
func (l *Log) PolicyPackage() string       { return l.policyPackage }
func (l *Log) DecisionHash() string        { return l.decisionHash }
func (l *Log) Duration() time.Duration     { return l.duration }
func (l *Log) Counts() scan.Counts         { return l.counts }
func (l *Log) InitiatedBy() string         { return l.initiatedBy }
func (l *Log) EvaluatedAt() time.Time      { return l.evaluatedAt }

// Violations returns a copy.
func (l *Log) Violations() []pdp.Violation {
	return append([]pdp.Violation{}, l.violations...)
}

// Evidence returns a copy.
func (l *Log) Evidence() Evidence { return l.evidence.clone() }

// SeverityCounts is the serialized per-severity tally.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Entry is the serialized form of a Log, used by storage, the API and
// evidence bundles.
type Entry struct {
	ID              string            `json:"id"`
	EvaluationID    string            `json:"evaluationId"`
	ApplicationID   string            `json:"applicationId"`
	ApplicationName string            `json:"applicationName"`
	Environment     string            `json:"environment"`
	RiskTier        registry.RiskTier `json:"riskTier"`
	Timestamp       time.Time         `json:"timestamp"`
	Allowed         bool              `json:"allowed"`
	Reason          string            `json:"reason,omitempty"`
	Violations      []pdp.Violation   `json:"violations"`
	PolicyPackage   string            `json:"policyPackage"`
	DecisionHash    string            `json:"decisionHash,omitempty"`
	SeverityCounts  SeverityCounts    `json:"severityCounts"`
	DurationMs      int64             `json:"durationMs"`
	InitiatedBy     string            `json:"initiatedBy,omitempty"`
	EvidenceDigest  string            `json:"evidenceDigest"`
	Evidence        Evidence          `json:"evidence"`
}

// Entry snapshots the log.
func (l *Log) Entry() Entry {
	return Entry{
		ID:              l.id,
		EvaluationID:    l.evaluationID,
		ApplicationID:   l.applicationID,
		ApplicationName: l.applicationName,
		Environment:     l.environment,
		RiskTier:        l.riskTier,
		Timestamp:       l.evaluatedAt,
		Allowed:         l.allowed,
		Reason:          l.reason,
		Violations:      l.Violations(),
		PolicyPackage:   l.policyPackage,
		DecisionHash:    l.decisionHash,
		SeverityCounts: SeverityCounts{
			Critical: l.counts.Critical,
			High:     l.counts.High,
			Medium:   l.counts.Medium,
			Low:      l.counts.Low,
			Total:    l.counts.Total(),
		},
		DurationMs:     l.duration.Milliseconds(),
		InitiatedBy:    l.initiatedBy,
		EvidenceDigest: l.evidence.Digest(),
		Evidence:       l.Evidence(),
	}
}

// FromEntry rebuilds a Log from its serialized form. A non-empty
// EvidenceDigest must match the evidence it travels with.
func FromEntry(e Entry) (*Log, error) {
	if e.EvidenceDigest != "" && e.EvidenceDigest != e.Evidence.Digest() {
		return nil, fmt.Errorf("%w: audit log %s", ErrEvidenceDigest, e.ID)
	}
	return New(Params{
		ID:              e.ID,
		EvaluationID:    e.EvaluationID,
		ApplicationID:   e.ApplicationID,
		ApplicationName: e.ApplicationName,
		Environment:     e.Environment,
		RiskTier:        e.RiskTier,
		Allowed:         e.Allowed,
		Reason:          e.Reason,
		Violations:      e.Violations,
		PolicyPackage:   e.PolicyPackage,
		DecisionHash:    e.DecisionHash,
		Evidence:        e.Evidence,
		Duration:        time.Duration(e.DurationMs) * time.Millisecond,
		Counts: scan.Counts{
			Critical: e.SeverityCounts.Critical,
			High:     e.SeverityCounts.High,
			Medium:   e.SeverityCounts.Medium,
			Low:      e.SeverityCounts.Low,
		},
		InitiatedBy: e.InitiatedBy,
		EvaluatedAt: e.Timestamp,
	})
}
