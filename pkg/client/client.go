// Package client is a typed Go client for the gateway HTTP API, used by CI
// pipelines to submit scan results and by operators to read the audit trail.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/api"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/gateway"
)

const maxErrorBody = 1 << 16

// Client calls a gateway at BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// InitiatedBy is sent with evaluations that do not set their own.
	InitiatedBy string
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithInitiatedBy names the caller recorded in the audit trail.
func WithInitiatedBy(who string) Option {
	return func(c *Client) { c.InitiatedBy = who }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends body as JSON and decodes a 2xx answer into out. Non-2xx answers
// come back as *api.ProblemDetail.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var problem api.ProblemDetail
		if err := json.Unmarshal(raw, &problem); err != nil || problem.Status == 0 {
			return &api.ProblemDetail{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(raw))}
		}
		return &problem
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// Evaluate calls POST /api/v1/evaluations. A blocked evaluation is a
// successful call with Passed=false.
func (c *Client) Evaluate(ctx context.Context, req gateway.EvaluateRequest) (*gateway.Summary, error) {
	if req.InitiatedBy == "" {
		req.InitiatedBy = c.InitiatedBy
	}
	var out gateway.Summary
	if err := c.do(ctx, http.MethodPost, "/api/v1/evaluations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditForEvaluation calls GET /api/v1/audit/evaluations/{id}.
func (c *Client) AuditForEvaluation(ctx context.Context, evaluationID string) (*audit.Entry, error) {
	var out audit.Entry
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/evaluations/"+url.PathEscape(evaluationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type entryList struct {
	Items []audit.Entry `json:"items"`
	Count int           `json:"count"`
}

// Blocked calls GET /api/v1/audit/blocked. A zero since uses the server's
// default lookback.
func (c *Client) Blocked(ctx context.Context, since time.Time, limit int) ([]audit.Entry, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out entryList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/audit/blocked", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Statistics calls GET /api/v1/audit/statistics over [from, to).
func (c *Client) Statistics(ctx context.Context, from, to time.Time) (*audit.Statistics, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	var out audit.Statistics
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/audit/statistics", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health and fails unless the server reports ok.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("gateway reports %q", out.Status)
	}
	return nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
