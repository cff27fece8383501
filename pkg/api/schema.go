package api

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/evaluate_request.schema.json
var evaluateRequestSchema string

const evaluateSchemaURL = "https://compliance-gateway.dev/schemas/evaluate_request.schema.json"

func compileEvaluateSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(evaluateSchemaURL, bytes.NewReader([]byte(evaluateRequestSchema))); err != nil {
		return nil, fmt.Errorf("evaluate schema load failed: %w", err)
	}
	s, err := c.Compile(evaluateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("evaluate schema compile failed: %w", err)
	}
	return s, nil
}

// validateBody checks raw JSON against schema. It returns one line per leaf
// violation, e.g. "/scanResults/0/scannedAt: 'soon' is not valid 'date-time'".
func validateBody(schema *jsonschema.Schema, body []byte) ([]string, error) {
	var doc any
	if err := unmarshalNumbers(body, &doc); err != nil {
		return nil, err
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	var out []string
	collectLeaves(ve, &out)
	sort.Strings(out)
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
