package scan

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeToolName lower-cases and trims a tool name ("  Trivy " -> "trivy").
func NormalizeToolName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// Vulnerability is a single validated finding. All fields are values, so a
// copy never aliases another Vulnerability.
type Vulnerability struct {
	ID             string   `json:"id"`
	Severity       Severity `json:"severity"`
	CVSSScore      float64  `json:"cvssScore"`
	PackageName    string   `json:"packageName"`
	CurrentVersion string   `json:"currentVersion"`
	FixedVersion   string   `json:"fixedVersion,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// Fixable reports whether an upstream fix exists.
func (v Vulnerability) Fixable() bool {
	return v.FixedVersion != ""
}

// Result is one tool's report. Counts are derived from the vulnerability list
// on every call and never stored alongside it.
type Result struct {
	tool      string
	scannedAt time.Time
	vulns     []Vulnerability
	rawOutput string
}

func newResult(tool string, scannedAt time.Time, vulns []Vulnerability, rawOutput string) Result {
	cp := make([]Vulnerability, len(vulns))
	copy(cp, vulns)
	return Result{tool: tool, scannedAt: scannedAt.UTC(), vulns: cp, rawOutput: rawOutput}
}

func (r Result) Tool() string         { return r.tool }
func (r Result) ScannedAt() time.Time { return r.scannedAt }
func (r Result) RawOutput() string    { return r.rawOutput }

// Vulnerabilities returns a copy of the findings.
func (r Result) Vulnerabilities() []Vulnerability {
	cp := make([]Vulnerability, len(r.vulns))
	copy(cp, r.vulns)
	return cp
}

// Len is the number of findings.
func (r Result) Len() int { return len(r.vulns) }

// BySeverity filters findings of a single severity.
func (r Result) BySeverity(s Severity) []Vulnerability {
	var out []Vulnerability
	for _, v := range r.vulns {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Counts tallies findings per severity.
func (r Result) Counts() Counts {
	return Counts{
		Critical: len(r.BySeverity(SeverityCritical)),
		High:     len(r.BySeverity(SeverityHigh)),
		Medium:   len(r.BySeverity(SeverityMedium)),
		Low:      len(r.BySeverity(SeverityLow)),
	}
}

// Equal is value equality.
func (r Result) Equal(o Result) bool {
	if r.tool != o.tool || !r.scannedAt.Equal(o.scannedAt) || r.rawOutput != o.rawOutput {
		return false
	}
	if len(r.vulns) != len(o.vulns) {
		return false
	}
	for i := range r.vulns {
		if r.vulns[i] != o.vulns[i] {
			return false
		}
	}
	return true
}

type resultJSON struct {
	ToolName        string          `json:"toolName"`
	ScannedAt       time.Time       `json:"scannedAt"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	RawOutput       string          `json:"rawOutput"`
	Summary         Summary         `json:"summary"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	vulns := r.vulns
	if vulns == nil {
		vulns = []Vulnerability{}
	}
	return json.Marshal(resultJSON{
		ToolName:        r.tool,
		ScannedAt:       r.scannedAt,
		Vulnerabilities: vulns,
		RawOutput:       r.rawOutput,
		Summary:         r.Counts().Summary(),
	})
}

// UnmarshalJSON restores a Result previously produced by MarshalJSON. The
// summary field is ignored and recomputed from the list.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = newResult(in.ToolName, in.ScannedAt, in.Vulnerabilities, in.RawOutput)
	return nil
}

// Aggregate sums counts across results.
func Aggregate(results []Result) Counts {
	var c Counts
	for _, r := range results {
		c = c.Add(r.Counts())
	}
	return c
}
