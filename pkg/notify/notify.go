// Package notify delivers best-effort alerts about evaluation outcomes.
//
// Delivery never affects an evaluation: the Dispatcher runs a fixed pool
// of workers behind a bounded queue, drops work when the queue is full, and
// makes exactly one attempt per notification.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
)

// Notification describes one evaluation outcome.
type Notification struct {
	EvaluationID    string          `json:"evaluationId"`
	AuditID         string          `json:"auditId"`
	ApplicationID   string          `json:"applicationId"`
	ApplicationName string          `json:"applicationName"`
	Environment     string          `json:"environment"`
	RiskTier        string          `json:"riskTier"`
	Allowed         bool            `json:"allowed"`
	Reason          string          `json:"reason,omitempty"`
	Violations      []pdp.Violation `json:"violations"`
	Counts          scan.Summary    `json:"severityCounts"`
	PolicyPackage   string          `json:"policyPackage"`
	EvaluatedAt     time.Time       `json:"evaluatedAt"`
}

// Notifier delivers a notification once.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
