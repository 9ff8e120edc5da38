// Package apiclient executes requests against the assistant backend with
// bounded automatic retry and a uniform error shape. Callers receive
// either the parsed response body or a normalized *Error — never a raw
// transport failure.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/regassist/regbridge/internal/session"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 300 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
	defaultTimeout    = 15 * time.Second
	defaultUserAgent  = "regbridge/0.1"
)

// RetryPolicy bounds the automatic retry loop. The loop bound is inclusive
// of the initial attempt: MaxRetries=2 means up to 3 attempts total. The
// delay before retry n (0-indexed) is min(BaseDelay * 2^n, MaxDelay).
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryCondition func(*Error) bool
}

// DefaultRetryCondition retries network, timeout and 5xx failures only.
// Validation and auth errors are never retried.
func DefaultRetryCondition(e *Error) bool {
	return e.Retryable
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.RetryCondition == nil {
		p.RetryCondition = DefaultRetryCondition
	}
	return p
}

// backOff builds the delay schedule for this policy. Randomization is
// disabled so the min(base*2^n, max) contract holds exactly.
func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.Reset()
	return b
}

// Config carries the client dependencies.
type Config struct {
	BaseURL    string
	Tokens     session.TokenSource
	HTTPClient *http.Client
	Retry      RetryPolicy
	UserAgent  string
}

// Client is a bearer-authenticated JSON API client.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    session.TokenSource
	retry     RetryPolicy
	userAgent string
	tracer    trace.Tracer
}

// New builds a Client. BaseURL and Tokens are required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("apiclient: base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("apiclient: token source is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      httpClient,
		tokens:    cfg.Tokens,
		retry:     cfg.Retry.withDefaults(),
		userAgent: userAgent,
		tracer:    otel.Tracer("regbridge/apiclient"),
	}, nil
}

type requestOptions struct {
	retry *RetryPolicy
}

// RequestOption overrides per-call behavior.
type RequestOption func(*requestOptions)

// WithRetry overrides the client retry policy for a single call.
func WithRetry(p RetryPolicy) RequestOption {
	return func(o *requestOptions) {
		merged := p
		if merged.RetryCondition == nil {
			merged.RetryCondition = DefaultRetryCondition
		}
		if merged.BaseDelay <= 0 {
			merged.BaseDelay = defaultBaseDelay
		}
		if merged.MaxDelay <= 0 {
			merged.MaxDelay = defaultMaxDelay
		}
		o.retry = &merged
	}
}

// Do executes one logical request. body may be nil, a json.RawMessage /
// []byte used verbatim, or any value marshaled to JSON. On success it
// returns the raw response body; on exhaustion it returns the last
// normalized *Error.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) ([]byte, error) {
	options := requestOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	policy := c.retry
	if options.retry != nil {
		policy = *options.retry
	}

	// Fail fast with no network call when there is no session.
	if _, err := c.tokens.Token(ctx); err != nil {
		return nil, errNoToken(err)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "encode request body: " + err.Error()}
	}

	ctx, span := c.tracer.Start(ctx, "apiclient.request", trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	))
	defer span.End()

	attempts := 0
	operation := func() ([]byte, error) {
		attempts++
		out, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return out, nil
		}
		ae, _ := AsError(err)
		if policy.RetryCondition(ae) {
			return nil, ae
		}
		return nil, backoff.Permanent(ae)
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
	)
	span.SetAttributes(attribute.Int("regbridge.attempts", attempts))
	if err != nil {
		if _, ok := AsError(err); !ok {
			// Context cancellation surfaced by the retry loop.
			err = &Error{Kind: KindUnknown, Message: err.Error()}
		}
		ae, _ := AsError(err)
		span.RecordError(ae)
		span.SetStatus(codes.Error, ae.Kind)
		return nil, ae
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// DoJSON executes the request and unmarshals the response into dst when
// dst is non-nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, dst any, opts ...RequestOption) error {
	out, err := c.Do(ctx, method, path, body, opts...)
	if err != nil {
		return err
	}
	if dst == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, dst); err != nil {
		return &Error{Kind: KindUnknown, Message: "decode response: " + err.Error()}
	}
	return nil
}

// attempt performs a single HTTP exchange and normalizes any failure. The
// token is re-read per attempt because it may rotate mid-retry.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errNoToken(err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "read response: " + err.Error(), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, normalizeStatus(resp.StatusCode, blob)
	}
	return blob, nil
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
