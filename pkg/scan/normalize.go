package scan

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
)

// DefaultClockSkew is how far in the future a scan timestamp may be.
const DefaultClockSkew = 5 * time.Minute

// RawVulnerability is a finding as reported by a scanner, before validation.
type RawVulnerability struct {
	ID             string  `json:"id"`
	Severity       string  `json:"severity"`
	CVSSScore      float64 `json:"cvssScore"`
	PackageName    string  `json:"packageName"`
	CurrentVersion string  `json:"currentVersion"`
	FixedVersion   string  `json:"fixedVersion,omitempty"`
	Description    string  `json:"description,omitempty"`
}

// RawResult is one tool's report as submitted by a caller.
type RawResult struct {
	ToolName        string             `json:"toolName"`
	ScannedAt       time.Time          `json:"scannedAt"`
	Vulnerabilities []RawVulnerability `json:"vulnerabilities,omitempty"`
	RawOutput       string             `json:"rawOutput,omitempty"`
}

// Normalizer validates raw scan input. The zero value uses time.Now and
// DefaultClockSkew.
type Normalizer struct {
	Now       func() time.Time
	ClockSkew time.Duration
}

// NewNormalizer returns a Normalizer with the given skew tolerance.
func NewNormalizer(skew time.Duration) *Normalizer {
	return &Normalizer{Now: time.Now, ClockSkew: skew}
}

const opNormalize = "scan.Normalize"

// Normalize converts every raw result or fails as a whole. One malformed
// finding rejects the entire input; there is no partial output.
func (n *Normalizer) Normalize(raw []RawResult) ([]Result, error) {
	now := time.Now
	skew := DefaultClockSkew
	if n != nil {
		if n.Now != nil {
			now = n.Now
		}
		if n.ClockSkew > 0 {
			skew = n.ClockSkew
		}
	}
	limit := now().Add(skew)

	out := make([]Result, 0, len(raw))
	for i, r := range raw {
		tool := NormalizeToolName(r.ToolName)
		if tool == "" {
			return nil, apperr.Validation(opNormalize, "scanResults[%d]: toolName is required", i)
		}
		if r.ScannedAt.IsZero() {
			return nil, apperr.Validation(opNormalize, "scanResults[%d] (%s): scannedAt is required", i, tool)
		}
		if r.ScannedAt.After(limit) {
			return nil, apperr.Validation(opNormalize, "scanResults[%d] (%s): scannedAt %s is in the future",
				i, tool, r.ScannedAt.UTC().Format(time.RFC3339))
		}

		vulns := make([]Vulnerability, 0, len(r.Vulnerabilities))
		for j, rv := range r.Vulnerabilities {
			v, err := normalizeVulnerability(rv)
			if err != nil {
				return nil, apperr.Validation(opNormalize, "scanResults[%d] (%s) vulnerabilities[%d]: %s", i, tool, j, err.Error())
			}
			vulns = append(vulns, v)
		}
		out = append(out, newResult(tool, r.ScannedAt, vulns, r.RawOutput))
	}
	return out, nil
}

func normalizeVulnerability(rv RawVulnerability) (Vulnerability, error) {
	if rv.ID == "" {
		return Vulnerability{}, errors.New("id is required")
	}
	sev, ok := ParseSeverity(rv.Severity)
	if !ok {
		return Vulnerability{}, fmt.Errorf("unrecognized severity %q for %s", rv.Severity, rv.ID)
	}
	if math.IsNaN(rv.CVSSScore) || rv.CVSSScore < 0 || rv.CVSSScore > 10 {
		return Vulnerability{}, fmt.Errorf("cvssScore %v for %s must be within [0, 10]", rv.CVSSScore, rv.ID)
	}
	if rv.PackageName == "" {
		return Vulnerability{}, fmt.Errorf("packageName is required for %s", rv.ID)
	}
	return Vulnerability{
		ID:             rv.ID,
		Severity:       sev,
		CVSSScore:      rv.CVSSScore,
		PackageName:    rv.PackageName,
		CurrentVersion: rv.CurrentVersion,
		FixedVersion:   rv.FixedVersion,
		Description:    rv.Description,
	}, nil
}
