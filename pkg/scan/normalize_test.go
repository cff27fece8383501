package scan

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time { return fixedNow }, ClockSkew: 5 * time.Minute}
}

func trivyReport() RawResult {
	return RawResult{
		ToolName:  "  Trivy ",
		ScannedAt: fixedNow.Add(-time.Hour),
		RawOutput: `{"SchemaVersion":2}`,
		Vulnerabilities: []RawVulnerability{
			{ID: "CVE-2024-0001", Severity: "CRITICAL", CVSSScore: 9.8, PackageName: "openssl", CurrentVersion: "3.0.1", FixedVersion: "3.0.13"},
			{ID: "CVE-2024-0002", Severity: "high", CVSSScore: 7.5, PackageName: "zlib", CurrentVersion: "1.2.11"},
			{ID: "CVE-2024-0003", Severity: " Medium", CVSSScore: 5.0, PackageName: "curl", CurrentVersion: "7.0"},
			{ID: "CVE-2024-0004", Severity: "low", CVSSScore: 0, PackageName: "bash", CurrentVersion: "5.1"},
		},
	}
}

func TestNormalize_ValidReport(t *testing.T) {
	results, err := testNormalizer().Normalize([]RawResult{trivyReport()})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "trivy", r.Tool())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, Counts{Critical: 1, High: 1, Medium: 1, Low: 1}, r.Counts())
	assert.Equal(t, SeverityMedium, r.Vulnerabilities()[2].Severity)
	assert.True(t, r.Vulnerabilities()[0].Fixable())
	assert.False(t, r.Vulnerabilities()[1].Fixable())
}

func TestNormalize_EmptyInput(t *testing.T) {
	results, err := testNormalizer().Normalize(nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, Aggregate(results).Total())
}

func TestNormalize_RejectsWholeInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *RawResult)
		want   string
	}{
		{"unknown severity", func(r *RawResult) { r.Vulnerabilities[1].Severity = "informational" }, "unrecognized severity"},
		{"empty severity", func(r *RawResult) { r.Vulnerabilities[0].Severity = "" }, "unrecognized severity"},
		{"cvss above range", func(r *RawResult) { r.Vulnerabilities[0].CVSSScore = 10.1 }, "cvssScore"},
		{"cvss negative", func(r *RawResult) { r.Vulnerabilities[0].CVSSScore = -1 }, "cvssScore"},
		{"cvss NaN", func(r *RawResult) { r.Vulnerabilities[0].CVSSScore = math.NaN() }, "cvssScore"},
		{"missing id", func(r *RawResult) { r.Vulnerabilities[3].ID = "" }, "id is required"},
		{"missing package", func(r *RawResult) { r.Vulnerabilities[3].PackageName = "" }, "packageName is required"},
		{"missing tool", func(r *RawResult) { r.ToolName = "   " }, "toolName is required"},
		{"missing timestamp", func(r *RawResult) { r.ScannedAt = time.Time{} }, "scannedAt is required"},
		{"future timestamp", func(r *RawResult) { r.ScannedAt = fixedNow.Add(10 * time.Minute) }, "in the future"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := trivyReport()
			bad := trivyReport()
			tt.mutate(&bad)

			results, err := testNormalizer().Normalize([]RawResult{good, bad})
			require.Error(t, err)
			assert.Nil(t, results)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize_SkewTolerance(t *testing.T) {
	r := trivyReport()
	r.ScannedAt = fixedNow.Add(4 * time.Minute)

	_, err := testNormalizer().Normalize([]RawResult{r})
	assert.NoError(t, err)
}

func TestResult_VulnerabilitiesIsACopy(t *testing.T) {
	results, err := testNormalizer().Normalize([]RawResult{trivyReport()})
	require.NoError(t, err)

	vulns := results[0].Vulnerabilities()
	vulns[0].Severity = SeverityLow

	assert.Equal(t, SeverityCritical, results[0].Vulnerabilities()[0].Severity)
	assert.Equal(t, 1, results[0].Counts().Critical)
}

func TestResult_JSONRoundTripKeepsValue(t *testing.T) {
	results, err := testNormalizer().Normalize([]RawResult{trivyReport()})
	require.NoError(t, err)

	data, err := json.Marshal(results[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"toolName":"trivy"`)
	assert.Contains(t, string(data), `"summary":{"critical":1,"high":1,"medium":1,"low":1,"total":4}`)

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, results[0].Equal(back))
}

func TestCounts(t *testing.T) {
	c := Counts{Critical: 2, High: 1}.Add(Counts{Medium: 3, Low: 4})
	assert.Equal(t, 10, c.Total())
	assert.Equal(t, Summary{Critical: 2, High: 1, Medium: 3, Low: 4, Total: 10}, c.Summary())
}

func TestParseSeverity(t *testing.T) {
	s, ok := ParseSeverity(" HIGH ")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, s)

	_, ok = ParseSeverity("negligible")
	assert.False(t, ok)
}
