// Package fal is the HTTP client for the remote generation pipeline: access
// token issuance, metrics polling and stream control. Calls either go through
// a same-origin relay that injects the credential, or straight to the target
// with the credential attached here.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultTokenURL  = "https://rest.alpha.fal.ai/tokens/"
	maxErrorBodySize = 4096

	// HeaderTargetURL names the upstream URL the relay forwards to.
	HeaderTargetURL = "X-Fal-Target-Url"
	// HeaderMethod names the upstream method the relay uses.
	HeaderMethod = "X-Fal-Method"
)

// ErrTimeout indicates the upstream (or the relay) did not answer in time.
var ErrTimeout = errors.New("fal request timed out")

// ErrUnauthorized indicates the credential was rejected.
var ErrUnauthorized = errors.New("fal request unauthorized")

// ErrInvalidResponse indicates a 2xx response with an unexpected body.
var ErrInvalidResponse = errors.New("fal invalid response")

// ErrUpstream indicates a 2xx response whose body reports an error.
var ErrUpstream = errors.New("fal upstream error")

// RelayError is a non-2xx answer from the relay or upstream.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fal request failed with status %d", e.Status)
	}
	return fmt.Sprintf("fal request failed (%d): %s", e.Status, e.Message)
}

// Is maps authentication and gateway-timeout statuses onto the sentinels.
func (e *RelayError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrTimeout:
		return e.Status == http.StatusGatewayTimeout
	}
	return false
}

// Client issues requests to the pipeline API.
type Client struct {
	baseURL    string
	relayURL   string
	tokenURL   string
	key        string
	httpClient *http.Client
	now        func() time.Time
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRelay routes every call through the relay at relayURL.
func WithRelay(relayURL string) Option {
	return func(c *Client) {
		c.relayURL = strings.TrimSpace(relayURL)
	}
}

// WithKey attaches the static credential to direct calls.
func WithKey(key string) Option {
	return func(c *Client) {
		c.key = strings.TrimSpace(key)
	}
}

// WithTokenURL overrides the token issuance endpoint.
func WithTokenURL(tokenURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(tokenURL); trimmed != "" {
			c.tokenURL = trimmed
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client for the pipeline API at base.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		tokenURL:   defaultTokenURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised pipeline API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, target string, body any) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("fal client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil && method != http.MethodGet {
		body = struct{}{}
	}
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	req, err := c.newRequest(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, target)
		}
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RelayError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: reading %s", ErrTimeout, target)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return bytes.TrimSpace(raw), nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, payload []byte) (*http.Request, error) {
	if c.relayURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL, bytes.NewReader(orEmptyObject(payload)))
		if err != nil {
			return nil, fmt.Errorf("create relay request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTargetURL, target)
		req.Header.Set(HeaderMethod, method)
		return req, nil
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Key "+c.key)
	}
	return req, nil
}

func orEmptyObject(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// upstreamError returns the message of an `{"error": "..."}` body, if any.
func upstreamError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return "", false
	}
	var payload struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == nil {
		return "", false
	}
	msg := strings.TrimSpace(*payload.Error)
	if msg == "" {
		msg = "unknown error"
	}
	return msg, true
}
