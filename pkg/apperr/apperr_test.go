package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKindThroughWrapping(t *testing.T) {
	base := apperr.NotFound("registry.GetApplication", "application %q not found", "app-1")
	wrapped := fmt.Errorf("gateway: %w", base)

	assert.True(t, errors.Is(wrapped, apperr.ErrNotFound))
	assert.False(t, errors.Is(wrapped, apperr.ErrValidation))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(wrapped))
}

func TestPublicMessage_HidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused to 10.0.0.3")
	err := apperr.Persistence("store.SaveEvaluation", "failed to persist evaluation", cause)

	assert.Equal(t, "failed to persist evaluation", apperr.PublicMessage(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestPublicMessage_UnknownError(t *testing.T) {
	assert.Equal(t, "an unexpected error occurred", apperr.PublicMessage(errors.New("boom")))
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(errors.New("boom")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "engine_transport", apperr.KindEngineTransport.String())
	assert.Equal(t, "unknown", apperr.Kind(99).String())
}
