package gateway

import (
	"context"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
)

const defaultHistoryLimit = 20

// GetEvaluation loads a stored evaluation.
func (s *Service) GetEvaluation(ctx context.Context, id string) (*evaluation.Evaluation, error) {
	if id == "" {
		return nil, apperr.Validation("gateway.GetEvaluation", "evaluation id is required")
	}
	return s.evaluations.Get(ctx, id)
}

// ListEvaluations returns an application's evaluations, newest first. An
// empty environment lists every environment. The application must exist.
func (s *Service) ListEvaluations(ctx context.Context, appID, environment string, limit int) ([]*evaluation.Evaluation, error) {
	if _, err := s.registry.GetApplication(ctx, appID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.evaluations.ListByApplication(ctx, appID, environment, limit)
}
