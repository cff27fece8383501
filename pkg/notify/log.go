package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to a structured logger. It is the
// fallback when no external sink is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default().With("component", "notify")
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.log.WarnContext(ctx, "compliance alert",
		"evaluation_id", n.EvaluationID,
		"audit_id", n.AuditID,
		"application", n.ApplicationName,
		"environment", n.Environment,
		"risk_tier", n.RiskTier,
		"allowed", n.Allowed,
		"critical", n.Counts.Critical,
		"high", n.Counts.High,
		"violations", len(n.Violations),
	)
	return nil
}
