package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrIncompleteEvidence is returned when an evidence payload is missing.
var ErrIncompleteEvidence = errors.New("audit: evidence is incomplete")

// ErrEvidenceDigest is returned when evidence no longer matches its digest.
var ErrEvidenceDigest = errors.New("audit: evidence does not match its digest")

// Evidence is the frozen snapshot of what was exchanged for one decision.
// Payloads are kept byte for byte as produced or received. They are never
// decoded and re-encoded, so numbers and key order survive for replay.
type Evidence struct {
	ScanResults  json.RawMessage `json:"scanResults"`
	EngineInput  json.RawMessage `json:"engineInput"`
	EngineOutput json.RawMessage `json:"engineOutput"`
	CapturedAt   time.Time       `json:"capturedAt"`
}

// NewEvidence copies the three payloads verbatim. All three are required and
// must be valid JSON.
func NewEvidence(scanResults, engineInput, engineOutput []byte, capturedAt time.Time) (Evidence, error) {
	parts := []struct {
		name string
		raw  []byte
	}{
		{"scan results", scanResults},
		{"engine input", engineInput},
		{"engine output", engineOutput},
	}
	for _, p := range parts {
		if len(bytes.TrimSpace(p.raw)) == 0 {
			return Evidence{}, fmt.Errorf("%w: %s payload is empty", ErrIncompleteEvidence, p.name)
		}
		if !json.Valid(p.raw) {
			return Evidence{}, fmt.Errorf("%w: %s payload is not valid JSON", ErrIncompleteEvidence, p.name)
		}
	}
	if capturedAt.IsZero() {
		return Evidence{}, fmt.Errorf("%w: capture time is required", ErrIncompleteEvidence)
	}
	return Evidence{
		ScanResults:  append(json.RawMessage(nil), scanResults...),
		EngineInput:  append(json.RawMessage(nil), engineInput...),
		EngineOutput: append(json.RawMessage(nil), engineOutput...),
		CapturedAt:   capturedAt.UTC(),
	}, nil
}

// Complete reports whether all payloads are present.
func (e Evidence) Complete() bool {
	return len(e.ScanResults) > 0 && len(e.EngineInput) > 0 && len(e.EngineOutput) > 0 && !e.CapturedAt.IsZero()
}

// Digest is sha256 over the three payloads, each length-prefixed in
// compact, HTML-escaped form. Both steps only change how the JSON is spelled
// (whitespace and the escaping encoding/json applies to < > &), never a value,
// so the digest of the stored bytes equals the digest of any serialized Entry.
func (e Evidence) Digest() string {
	h := sha256.New()
	var compact, escaped bytes.Buffer
	for _, p := range [][]byte{e.ScanResults, e.EngineInput, e.EngineOutput} {
		compact.Reset()
		escaped.Reset()
		if err := json.Compact(&compact, p); err != nil {
			compact.Reset()
			compact.Write(p)
		}
		json.HTMLEscape(&escaped, compact.Bytes())
		fmt.Fprintf(h, "%d:", escaped.Len())
		h.Write(escaped.Bytes())
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func (e Evidence) clone() Evidence {
	return Evidence{
		ScanResults:  append(json.RawMessage(nil), e.ScanResults...),
		EngineInput:  append(json.RawMessage(nil), e.EngineInput...),
		EngineOutput: append(json.RawMessage(nil), e.EngineOutput...),
		CapturedAt:   e.CapturedAt,
	}
}
