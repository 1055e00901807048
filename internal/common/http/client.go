// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "loan-orchestrator/internal/common/errors"
)

const maxErrorBody = 2048

var errDecode = errors.New("decode response")

type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	baseURL    string
	apiKey     string
	userAgent  string
}

type Option func(*Client)

func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

func WithBearerToken(token string) Option {
	return func(c *Client) { c.apiKey = token }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient owns a private transport so CloseIdleConnections releases only
// this client's sockets.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c := &Client{
		transport: transport,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		userAgent: "loan-orchestrator",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	return c.httpClient.Do(req)
}

func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// PostJSON sends in as a JSON body to baseURL+path and decodes the response
// into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

// Classify maps a transport outcome onto the error taxonomy: deadlines are
// timeouts, 5xx/429 and network failures mean the service is unavailable,
// other statuses are internal faults.
func Classify(ctx context.Context, service string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.NewTimeoutError(service, err)
		}
		return apperrors.NewCancelledError(err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests {
			return apperrors.NewCapabilityUnavailableError(service, err)
		}
		return apperrors.NewInternalError(fmt.Sprintf("%s rejected the request", service), err)
	}

	if isTimeout(err) {
		return apperrors.NewTimeoutError(service, err)
	}

	if errors.Is(err, errDecode) {
		return apperrors.NewInternalError(fmt.Sprintf("%s returned an unreadable response", service), err)
	}
	return apperrors.NewCapabilityUnavailableError(service, err)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
