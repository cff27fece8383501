// Package pdp is the client for the external policy decision point.
//
// The engine speaks the OPA data API: POST /v1/data/<package path> with
// {"input": ...} and answers {"result": {"allow", "violations", "reason"}}.
// A deny that names at least one violation is a normal Decision. Anything
// else that does not fit that contract is an *EngineError.
package pdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// DefaultPackage is evaluated when an environment names no policy.
const DefaultPackage = "compliance.default"

// Evaluator is what the evaluation workflow needs from the engine.
type Evaluator interface {
	Evaluate(ctx context.Context, input any, policyPackage string) (*Decision, error)
	Health(ctx context.Context) bool
}

// Violation is one reason the engine gave for a deny.
type Violation struct {
	Rule     string         `json:"rule"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Decision is a parsed engine answer.
type Decision struct {
	Allow         bool           `json:"allow"`
	Violations    []Violation    `json:"violations"`
	Reason        string         `json:"reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	PolicyPackage string         `json:"policyPackage"`
	Duration      time.Duration  `json:"duration"`

	// Exact bytes exchanged with the engine.
	RawRequest  []byte `json:"-"`
	RawResponse []byte `json:"-"`
}

// Validate enforces that a deny carries at least one violation.
func (d *Decision) Validate() error {
	if d == nil {
		return &EngineError{Reason: ReasonNoResult, Message: "no decision"}
	}
	if !d.Allow && len(d.Violations) == 0 {
		return &EngineError{
			Reason:  ReasonContract,
			Message: fmt.Sprintf("policy %s denied without violations", d.PolicyPackage),
		}
	}
	return nil
}

// Hash is sha256 over the JCS form of the decision outcome, prefixed with
// the algorithm name.
func (d *Decision) Hash() (string, error) {
	in := struct {
		Allow         bool        `json:"allow"`
		Violations    []Violation `json:"violations"`
		Reason        string      `json:"reason"`
		PolicyPackage string      `json:"policyPackage"`
	}{d.Allow, d.Violations, d.Reason, d.PolicyPackage}
	if in.Violations == nil {
		in.Violations = []Violation{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
