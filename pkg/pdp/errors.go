package pdp

import (
	"fmt"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
)

// Reason classifies an engine failure.
type Reason string

const (
	ReasonUnreachable Reason = "unreachable"
	ReasonCancelled   Reason = "cancelled"
	ReasonStatus      Reason = "http_status"
	ReasonUnreadable  Reason = "unreadable_body"
	ReasonParse       Reason = "parse"
	ReasonNoResult    Reason = "no_result"
	ReasonContract    Reason = "contract_violation"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonRequest     Reason = "request"
)

// EngineError reports that the engine did not produce a usable decision.
// It matches apperr.ErrEngineTransport under errors.Is.
type EngineError struct {
	Reason     Reason
	StatusCode int
	Message    string
	Err        error
}

func (e *EngineError) Error() string {
	msg := "policy engine " + string(e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool {
	return target == apperr.ErrEngineTransport
}

// countsAgainstBreaker is false for caller cancellations and contract
// problems, which say nothing about engine availability.
func (e *EngineError) countsAgainstBreaker() bool {
	switch e.Reason {
	case ReasonUnreachable, ReasonStatus, ReasonUnreadable:
		return true
	}
	return false
}
