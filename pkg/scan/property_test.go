package scan

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genRawVulnerability() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf("critical", "HIGH", "Medium", "low"),
		gen.Float64Range(0, 10),
		gen.Identifier(),
	).Map(func(vals []interface{}) RawVulnerability {
		return RawVulnerability{
			ID:          vals[0].(string),
			Severity:    vals[1].(string),
			CVSSScore:   vals[2].(float64),
			PackageName: vals[3].(string),
		}
	})
}

func genRawResult() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("trivy", "Snyk", "grype", "SonarQube"),
		gen.IntRange(0, 72),
		gen.SliceOf(genRawVulnerability()),
	).Map(func(vals []interface{}) RawResult {
		return RawResult{
			ToolName:        vals[0].(string),
			ScannedAt:       fixedNow.Add(-time.Duration(vals[1].(int)) * time.Hour),
			Vulnerabilities: vals[2].([]RawVulnerability),
		}
	})
}

// Normalize(x) == Normalize(x) and the aggregate total always equals the
// number of submitted findings.
func TestNormalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is pure", prop.ForAll(
		func(raw []RawResult) bool {
			a, errA := testNormalizer().Normalize(raw)
			b, errB := testNormalizer().Normalize(raw)
			if errA != nil || errB != nil {
				return false
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if !a[i].Equal(b[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRawResult()),
	))

	properties.Property("aggregate total equals finding count", prop.ForAll(
		func(raw []RawResult) bool {
			results, err := testNormalizer().Normalize(raw)
			if err != nil {
				return false
			}
			want := 0
			for _, r := range raw {
				want += len(r.Vulnerabilities)
			}
			c := Aggregate(results)
			return c.Total() == want && c.Critical+c.High+c.Medium+c.Low == want
		},
		gen.SliceOf(genRawResult()),
	))

	properties.TestingRun(t)
}
