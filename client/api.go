package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"loxone-admin/metrics"
	"loxone-admin/protocol"

	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request id used to correlate log records
const RequestIDHeader = "X-Request-ID"

// Request describes one backend call. Relative paths are resolved against the
// configuration base URL, absolute paths against the server root.
type Request struct {
	Method  string // default GET
	Path    string
	Headers map[string]string
	Body    io.Reader
	CSRF    bool // attach the CSRF token header
}

// Options configures an APIClient
type Options struct {
	ServerURL  string
	ConfigID   string
	CSRFHeader string
	CSRFToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// APIClient issues requests against the Loxone REST API of one configuration
type APIClient struct {
	httpClient *http.Client
	rootURL    *url.URL
	baseURL    *url.URL
	configID   string
	csrfHeader string
	csrfToken  string
	metrics    *metrics.Metrics
}

// NewAPIClient creates a client for opts.ConfigID on opts.ServerURL
func NewAPIClient(opts Options) (*APIClient, error) {
	if opts.ConfigID == "" {
		return nil, fmt.Errorf("config id is required")
	}
	root, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", opts.ServerURL, err)
	}
	if root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", opts.ServerURL)
	}
	root.Path = strings.TrimSuffix(root.Path, "/") + "/"

	base := root.JoinPath("a", "loxone", opts.ConfigID)
	base.Path += "/"

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &APIClient{
		httpClient: httpClient,
		rootURL:    root,
		baseURL:    base,
		configID:   opts.ConfigID,
		csrfHeader: opts.CSRFHeader,
		csrfToken:  opts.CSRFToken,
		metrics:    opts.Metrics,
	}, nil
}

// ConfigID returns the configuration id the client is bound to
func (c *APIClient) ConfigID() string {
	return c.configID
}

// BaseURL returns the resolved configuration base URL
func (c *APIClient) BaseURL() string {
	return c.baseURL.String()
}

// CSRF returns the CSRF header name and token
func (c *APIClient) CSRF() (header, token string) {
	return c.csrfHeader, c.csrfToken
}

func (c *APIClient) resolve(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(p, "/") {
		u := *c.rootURL
		u.Path = path.Join(c.rootURL.Path, ref.Path)
		u.RawQuery = ref.RawQuery
		return &u, nil
	}
	return c.baseURL.ResolveReference(ref), nil
}

// Do performs req and returns the decoded envelope. Failures are reported as
// *TransportError, *DecodeError or *DomainError.
func (c *APIClient) Do(ctx context.Context, req Request) (*protocol.Envelope, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", req.Path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.CSRF && c.csrfHeader != "" {
		httpReq.Header.Set(c.csrfHeader, c.csrfToken)
	}

	logger := slog.With("method", method, "url", target.String(), "request_id", requestID)
	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(method, false, time.Since(start))
		logger.Warn("request failed", "err", err)
		return nil, &TransportError{Method: method, URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveRequest(method, false, time.Since(start))
		logger.Warn("read response failed", "status", resp.StatusCode, "err", err)
		return nil, &TransportError{Method: method, URL: target.String(), Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		c.metrics.ObserveRequest(method, false, time.Since(start))
		logger.Warn("unexpected status", "status", resp.StatusCode, "body", string(body))
		return nil, &TransportError{Method: method, URL: target.String(), Status: resp.StatusCode, Body: string(body)}
	}

	env, err := protocol.ParseEnvelope(body)
	if err != nil {
		c.metrics.ObserveRequest(method, false, time.Since(start))
		logger.Error("invalid response body", "err", err, "body", string(body))
		return nil, &DecodeError{URL: target.String(), Body: string(body), Err: err}
	}

	if !env.Success {
		c.metrics.ObserveRequest(method, false, time.Since(start))
		logger.Warn("request rejected", "message", env.Message, "code", env.Code)
		return nil, &DomainError{Message: env.Message, Code: env.Code}
	}

	c.metrics.ObserveRequest(method, true, time.Since(start))
	logger.Debug("request completed", "elapsed", time.Since(start))
	return env, nil
}

// Ping calls the session keep-alive endpoint
func (c *APIClient) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Path: "/a/loxone/ping"})
	return err
}
