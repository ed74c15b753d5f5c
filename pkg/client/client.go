// Package client is a typed HTTP client for the sandboxd API, over TCP or a
// unix socket.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/sandboxd/pkg/api"
	"github.com/psantana5/sandboxd/pkg/retry"
	"github.com/psantana5/sandboxd/pkg/supervisor"
	"github.com/psantana5/sandboxd/pkg/workload"
)

// APIError is a non-2xx reply from the daemon
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sandboxd returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sandboxd returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one sandboxd instance
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retry      retry.Config
}

// Option customizes a Client
type Option func(*Client)

// WithAPIKey sends the key as a bearer token
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRetry overrides the retry policy for idempotent calls
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithHTTPClient replaces the transport, e.g. for tests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTLS dials https with the given configuration. Plain host:port
// addresses are upgraded to https.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.baseURL = strings.Replace(c.baseURL, "http://", "https://", 1)
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = cfg
			return
		}
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// New creates a client for addr: "unix:///run/sandboxd/sandboxd.sock",
// "host:port" or a full http(s) URL. Requests carry no overall timeout
// because wait and event calls are long-lived; bound them with ctx.
func New(addr string, opts ...Option) *Client {
	c := &Client{retry: retry.DefaultConfig()}

	if path, ok := api.SocketPath(addr); ok {
		c.baseURL = "http://sandboxd"
		c.httpClient = &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}}
	} else {
		c.baseURL = strings.TrimSuffix(addr, "/")
		if !strings.HasPrefix(c.baseURL, "http://") && !strings.HasPrefix(c.baseURL, "https://") {
			c.baseURL = "http://" + strings.TrimPrefix(c.baseURL, "tcp://")
		}
		c.httpClient = &http.Client{}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inject submits a workload and returns once it started. Not retried: a
// lost reply may still have started the workload.
func (c *Client) Inject(ctx context.Context, req workload.Request) (*api.InjectResponse, error) {
	var out api.InjectResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workloads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run submits a workload and blocks until it terminates
func (c *Client) Run(ctx context.Context, req workload.Request) (workload.Result, error) {
	var out workload.Result
	err := c.do(ctx, http.MethodPost, "/v1/workloads?wait=true", req, &out)
	return out, err
}

// Get returns the status of a live or finished workload
func (c *Client) Get(ctx context.Context, id string) (workload.Result, error) {
	var out workload.Result
	err := c.idempotent(ctx, http.MethodGet, "/v1/workloads/"+url.PathEscape(id), nil, &out)
	return out, err
}

// List returns the live workloads
func (c *Client) List(ctx context.Context) ([]workload.Result, error) {
	var out api.ListResponse
	if err := c.idempotent(ctx, http.MethodGet, "/v1/workloads", nil, &out); err != nil {
		return nil, err
	}
	return out.Workloads, nil
}

// Wait blocks until the workload is terminal
func (c *Client) Wait(ctx context.Context, id string) (workload.Result, error) {
	var out workload.Result
	err := c.idempotent(ctx, http.MethodGet, "/v1/workloads/"+url.PathEscape(id)+"/wait", nil, &out)
	return out, err
}

// Cancel asks the daemon to terminate a workload. Cancelling a finished
// workload succeeds.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.idempotent(ctx, http.MethodPost, "/v1/workloads/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Health returns the daemon's health report. A stopped daemon answers 503
// with a body, which is not an error here.
func (c *Client) Health(ctx context.Context) (supervisor.Health, error) {
	var out supervisor.Health
	err := c.idempotent(ctx, http.MethodGet, "/healthz", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.State != "" {
		return out, nil
	}
	return out, err
}

// Shutdown starts a drain with the given grace period; zero uses the
// daemon's default.
func (c *Client) Shutdown(ctx context.Context, grace time.Duration) (*api.ShutdownResponse, error) {
	body := api.ShutdownRequest{}
	if grace > 0 {
		body.GracePeriod = grace.String()
	}
	var out api.ShutdownResponse
	if err := c.do(ctx, http.MethodPost, "/v1/shutdown", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics returns the raw Prometheus exposition text
func (c *Client) Metrics(ctx context.Context) (string, error) {
	var text string
	err := retry.Do(ctx, c.retry, func() error {
		resp, err := c.send(ctx, http.MethodGet, "/metrics", nil)
		if err != nil {
			return classify(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return classify(decodeError(resp).APIError)
		}
		b, err := io.ReadAll(resp.Body)
		text = string(b)
		return err
	})
	return text, err
}

func (c *Client) idempotent(ctx context.Context, method, path string, in, out interface{}) error {
	return retry.Do(ctx, c.retry, func() error {
		return classify(c.do(ctx, method, path, in, out))
	})
}

// classify marks everything but transient failures as permanent
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 502 && apiErr.Status <= 504 && apiErr.Code == "" {
			return err
		}
		return retry.Permanent(err)
	}
	if retry.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp)
		// health replies carry a body on 503
		if out != nil && len(apiErr.raw) > 0 {
			json.Unmarshal(apiErr.raw, out)
		}
		return apiErr.APIError
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(req)
}

type rawError struct {
	*APIError
	raw []byte
}

func decodeError(resp *http.Response) rawError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var body api.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return rawError{APIError: apiErr, raw: raw}
}
