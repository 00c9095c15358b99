// Package backend is the HTTP client for the Galatea server's REST API: the
// session directory (create, delete, list, history, characters) and the
// avatar control surface (voice profile switch, avatar process status,
// launch, shutdown and character switch).
//
// Every response is wrapped in the server's unified envelope
// {"code", "message", "data"}. A code other than 200 is a domain failure and
// is returned as an [*APIError]. Nothing is retried.
//
// [Directory] and [Avatar] describe the two halves as interfaces so that
// callers can be tested against the fakes in the mock subpackage.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lichenr3/Galatea/internal/observe"
)

// DefaultTimeout bounds a single request when no client is supplied.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// codeOK is the envelope code for success.
const codeOK = 200

// APIError is returned when the server answers with a non-success envelope
// code, or with a non-2xx HTTP status and no parsable envelope.
type APIError struct {
	// Op is the client operation, e.g. "create_session".
	Op string
	// Code is the envelope code, or the HTTP status when no envelope was
	// returned.
	Code int
	// Message is the server-provided message.
	Message string
	// HTTPStatus is the HTTP status code of the response.
	HTTPStatus int
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("backend: %s: code %d: %s", e.Op, e.Code, e.Message)
}

// envelope is the server's unified response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Option configures a [Client] during construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as-is; callers wanting trace propagation should wrap it with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
// Ignored when [WithHTTPClient] is also given.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAssetURL sets the base used to resolve relative avatar URLs. Defaults
// to the scheme and host of the API URL.
func WithAssetURL(u string) Option {
	return func(c *Client) {
		c.assetURL = strings.TrimRight(u, "/")
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client talks to the Galatea REST API. It is safe for concurrent use.
type Client struct {
	apiURL   string
	assetURL string
	timeout  time.Duration
	http     *http.Client
	metrics  *observe.Metrics
}

// Compile-time interface assertions.
var (
	_ Directory = (*Client)(nil)
	_ Avatar    = (*Client)(nil)
)

// New creates a Client for the API rooted at apiURL
// (e.g. "http://localhost:8000/api/v1").
func New(apiURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: api url %q must be http or https", apiURL)
	}

	c := &Client{
		apiURL:   strings.TrimRight(apiURL, "/"),
		assetURL: u.Scheme + "://" + u.Host,
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// ResolveAssetURL turns a server-relative asset path into an absolute URL.
// Absolute http(s) URLs and the empty string are returned unchanged.
func (c *Client) ResolveAssetURL(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.assetURL + u
}

// do performs one API call. body, when non-nil, is sent as JSON. When out is
// non-nil the envelope's data is decoded into it; a null data is left as the
// zero value.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := observe.StartSpan(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observe.Attr("galatea.operation", op)),
	)
	start := time.Now()
	defer func() {
		c.metrics.RecordBackendRequest(ctx, op, time.Since(start), err)
		if err != nil {
			observe.Logger(ctx).Debug("backend request failed", "op", op, "err", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target := c.apiURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("backend: %s: read response: %w", op, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{Op: op, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), HTTPStatus: resp.StatusCode}
		}
		return fmt.Errorf("backend: %s: decode envelope: %w", op, err)
	}
	if env.Code != codeOK {
		return &APIError{Op: op, Code: env.Code, Message: env.Message, HTTPStatus: resp.StatusCode}
	}

	if out == nil || len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("backend: %s: decode data: %w", op, err)
	}
	return nil
}

// IsNotFound reports whether err is an [*APIError] with code 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
