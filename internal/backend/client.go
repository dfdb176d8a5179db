// Package backend is the HTTP client for the machine and report record API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"mdmview/internal/machine"
)

const (
	// Retry configuration for backend requests.
	defaultAttempts = 3
	initialBackoff  = 500 * time.Millisecond
	maxBackoff      = 5 * time.Second

	defaultTimeout = 15 * time.Second
	maxResponse    = 8 * 1024 * 1024 // 8MB
	apiKeyHeader   = "X-API-Key"
)

// ErrStatus is matched by every non-2xx response error.
var ErrStatus = errors.New("unexpected backend status")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s from %s", ErrStatus, e.Code, http.StatusText(e.Code), e.URL)
}

// Unwrap lets errors.Is match ErrStatus.
func (*StatusError) Unwrap() error {
	return ErrStatus
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAttempts sets how many times a transient failure is tried.
func WithAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the initial and maximum retry delay.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.delay = initial
		c.maxDelay = maxDelay
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client fetches records from the backend API.
type Client struct {
	http     *http.Client
	log      *zap.SugaredLogger
	base     *url.URL
	apiKey   string
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
}

// New creates a client for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:     base,
		http:     &http.Client{Timeout: defaultTimeout},
		log:      zap.NewNop().Sugar(),
		attempts: defaultAttempts,
		delay:    initialBackoff,
		maxDelay: maxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListMachines fetches every machine record.
func (c *Client) ListMachines(ctx context.Context) ([]machine.Machine, error) {
	start := time.Now()
	body, err := c.get(ctx, c.base.String()+"/api/machines")
	if err != nil {
		return nil, err
	}

	machines, skipped, err := machine.DecodeList(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.log.Warnf("Skipped %d malformed machine records", skipped)
	}
	c.log.Debugf("Fetched %d machines in %v", len(machines), time.Since(start))
	return machines, nil
}

// ListReports fetches the reports of one machine.
func (c *Client) ListReports(ctx context.Context, machineID string) ([]machine.Report, error) {
	if machineID == "" {
		return nil, errors.New("machine id is required")
	}

	start := time.Now()
	body, err := c.get(ctx, c.base.String()+"/api/machines/"+url.PathEscape(machineID)+"/reports")
	if err != nil {
		return nil, err
	}

	reports, skipped, err := machine.DecodeReports(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.log.Warnf("Skipped %d malformed reports for machine %s", skipped, machineID)
	}
	c.log.Debugf("Fetched %d reports for machine %s in %v", len(reports), machineID, time.Since(start))
	return reports, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	body, err := retry.DoWithData(func() ([]byte, error) {
		return c.do(ctx, target)
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(c.maxDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warnf("Backend request %s failed (attempt %d/%d): %v", target, n+1, c.attempts, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponse))
		return nil, &StatusError{URL: target, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxResponse {
		return nil, retry.Unrecoverable(fmt.Errorf("response from %s exceeds %d bytes", target, maxResponse))
	}
	return body, nil
}

// isTransient reports whether a request failure is worth retrying.
// 5xx and 429 responses and network errors are; other statuses are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
