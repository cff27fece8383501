package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout          = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 10 * time.Second
	maxResponseBytes        = 4 << 20
	healthPath              = "/health"
)

// Config configures the engine client.
type Config struct {
	// BaseURL of the engine, e.g. "http://localhost:8181".
	BaseURL string
	// Timeout bounds each HTTP call. Default: 5s.
	Timeout time.Duration
	// BreakerThreshold is the number of consecutive transport failures that
	// open the breaker. Negative disables it. Default: 5.
	BreakerThreshold int
	// BreakerReset is how long the breaker stays open. Default: 10s.
	BreakerReset time.Duration
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls an OPA-compatible engine.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	tracer  trace.Tracer
	log     *slog.Logger
}

var _ Evaluator = (*Client)(nil)

// NewClient creates an engine client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	reset := cfg.BreakerReset
	if reset == 0 {
		reset = defaultBreakerReset
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "pdp")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		breaker: NewCircuitBreaker(threshold, reset),
		tracer:  otel.Tracer("github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"),
		log:     log,
	}
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() string { return c.breaker.State() }

// DecisionPath maps "compliance.critical" to "/v1/data/compliance/critical".
func DecisionPath(policyPackage string) string {
	return "/v1/data/" + strings.ReplaceAll(policyPackage, ".", "/")
}

type engineRequest struct {
	Input any `json:"input"`
}

type engineResponse struct {
	Result json.RawMessage `json:"result"`
}

type engineResult struct {
	Allow      *bool       `json:"allow"`
	Violations []Violation `json:"violations"`
	Reason     string      `json:"reason"`
}

// Evaluate asks the engine for a decision on input under policyPackage.
func (c *Client) Evaluate(ctx context.Context, input any, policyPackage string) (*Decision, error) {
	ctx, span := c.tracer.Start(ctx, "pdp.Evaluate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("policy.package", policyPackage)))
	defer span.End()

	d, err := c.evaluate(ctx, input, policyPackage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("policy.allow", d.Allow), attribute.Int("policy.violations", len(d.Violations)))
	return d, nil
}

func (c *Client) evaluate(ctx context.Context, input any, policyPackage string) (*Decision, error) {
	if strings.Trim(policyPackage, ". ") == "" {
		return nil, &EngineError{Reason: ReasonRequest, Message: "policy package is required"}
	}
	payload, err := json.Marshal(engineRequest{Input: input})
	if err != nil {
		return nil, &EngineError{Reason: ReasonRequest, Message: "encode input", Err: err}
	}
	if !c.breaker.Allow() {
		return nil, &EngineError{Reason: ReasonCircuitOpen, Message: "engine marked unavailable after repeated failures"}
	}

	start := time.Now()
	body, err := c.post(ctx, DecisionPath(policyPackage), payload)
	elapsed := time.Since(start)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.countsAgainstBreaker() {
			c.breaker.Failure()
		} else {
			c.breaker.Release()
		}
		c.log.WarnContext(ctx, "policy engine call failed", "package", policyPackage, "error", err)
		return nil, err
	}
	c.breaker.Success()

	d, err := parseDecision(body)
	if err != nil {
		return nil, err
	}
	d.PolicyPackage = policyPackage
	d.Duration = elapsed
	d.RawRequest = payload
	d.RawResponse = body
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &EngineError{Reason: ReasonRequest, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &EngineError{Reason: ReasonCancelled, Message: "evaluation cancelled", Err: ctx.Err()}
		}
		return nil, &EngineError{Reason: ReasonUnreachable, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &EngineError{Reason: ReasonCancelled, Message: "evaluation cancelled", Err: ctx.Err()}
		}
		return nil, &EngineError{Reason: ReasonUnreadable, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &EngineError{Reason: ReasonStatus, StatusCode: resp.StatusCode, Message: "unexpected status"}
	}
	return body, nil
}

func parseDecision(body []byte) (*Decision, error) {
	var envelope engineResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &EngineError{Reason: ReasonParse, Message: "response is not JSON", Err: err}
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, &EngineError{Reason: ReasonNoResult, Message: "response has no result"}
	}

	var res engineResult
	if err := json.Unmarshal(envelope.Result, &res); err != nil {
		return nil, &EngineError{Reason: ReasonParse, Message: "result has unexpected shape", Err: err}
	}
	if res.Allow == nil {
		return nil, &EngineError{Reason: ReasonParse, Message: "result.allow is missing"}
	}

	var extra map[string]any
	if err := json.Unmarshal(envelope.Result, &extra); err != nil {
		return nil, &EngineError{Reason: ReasonParse, Message: "result is not an object", Err: err}
	}
	delete(extra, "allow")
	delete(extra, "violations")
	delete(extra, "reason")
	if len(extra) == 0 {
		extra = nil
	}

	violations := res.Violations
	if violations == nil {
		violations = []Violation{}
	}
	return &Decision{
		Allow:      *res.Allow,
		Violations: violations,
		Reason:     res.Reason,
		Details:    extra,
	}, nil
}

// Health reports whether GET /health answers 2xx. It never fails.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.DebugContext(ctx, "policy engine health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *Client) String() string {
	return fmt.Sprintf("pdp.Client(%s)", c.baseURL)
}
