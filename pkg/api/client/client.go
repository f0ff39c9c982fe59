package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/pipewatch/pkg/metrics"
)

// Client provides typed access to the pipewatch daemon API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	streamHTTP *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamHTTP = &http.Client{Transport: h.Transport}
		}
	}
}

// WithToken sets the bearer token sent with control commands.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided daemon base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 40 * time.Second},
		streamHTTP: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// FeedError is the last failure reported by the daemon's metrics feed.
type FeedError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// State mirrors the daemon's connection state.
type State struct {
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	Phase     string     `json:"phase"`
	WillRetry bool       `json:"will_retry"`
	Attempt   int        `json:"attempt"`
	RetryInMS int64      `json:"retry_in_ms"`
	Error     *FeedError `json:"error"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Metrics is the payload of GET /api/metrics.
type Metrics struct {
	State     State              `json:"state"`
	Snapshot  *metrics.Snapshot  `json:"snapshot"`
	Breakdown *metrics.Breakdown `json:"breakdown"`
	History   []metrics.Snapshot `json:"history"`
	LastError *FeedError         `json:"last_error"`
}

// Metrics returns the current snapshot, state and optionally the history.
func (c *Client) Metrics(ctx context.Context, withHistory bool) (Metrics, error) {
	var out Metrics
	path := "/api/metrics?history=" + strconv.FormatBool(withHistory)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Metrics{}, err
	}
	return out, nil
}

// State returns the connection state of the daemon's feed.
func (c *Client) State(ctx context.Context) (State, error) {
	var out State
	if err := c.do(ctx, http.MethodGet, "/api/connection", nil, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// Breakdown returns the pipeline breakdown of the latest snapshot.
func (c *Client) Breakdown(ctx context.Context) (metrics.Breakdown, error) {
	var out struct {
		Breakdown metrics.Breakdown `json:"breakdown"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metrics/breakdown", nil, &out); err != nil {
		return metrics.Breakdown{}, err
	}
	return out.Breakdown, nil
}

// Reconnect asks the daemon to reconnect its feed immediately.
func (c *Client) Reconnect(ctx context.Context) (State, error) {
	var out State
	if err := c.do(ctx, http.MethodPost, "/api/connection/reconnect", nil, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// Disconnect asks the daemon to close its feed.
func (c *Client) Disconnect(ctx context.Context) (State, error) {
	var out State
	if err := c.do(ctx, http.MethodPost, "/api/connection/disconnect", nil, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// StreamResult is the pipeline's answer relayed by the daemon.
type StreamResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StartStream starts generation. config is sent as-is; nil selects the
// pipeline defaults.
func (c *Client) StartStream(ctx context.Context, config any) (StreamResult, error) {
	if config == nil {
		config = map[string]any{}
	}
	var out StreamResult
	if err := c.do(ctx, http.MethodPost, "/api/stream/start", config, &out); err != nil {
		return StreamResult{}, err
	}
	return out, nil
}

// StopStream stops generation.
func (c *Client) StopStream(ctx context.Context) (StreamResult, error) {
	var out StreamResult
	if err := c.do(ctx, http.MethodPost, "/api/stream/stop", nil, &out); err != nil {
		return StreamResult{}, err
	}
	return out, nil
}

// Event is one frame of the daemon's realtime stream.
type Event struct {
	Type      string             `json:"type"`
	Snapshot  *metrics.Snapshot  `json:"snapshot"`
	Breakdown *metrics.Breakdown `json:"breakdown"`
	State     *State             `json:"state"`
	SentAt    time.Time          `json:"sent_at"`
}

// ErrStreamClosed is returned by Watch when the daemon ends the stream.
var ErrStreamClosed = errors.New("event stream closed")

// Watch follows the daemon's server-sent event stream on topic ("metrics" or
// "state") and calls fn for every event until ctx is cancelled, fn returns an
// error, or the stream ends.
func (c *Client) Watch(ctx context.Context, topic string, fn func(Event) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if topic == "" {
		topic = "metrics"
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/sse/metrics?topic="+url.QueryEscape(topic), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ErrStreamClosed
}
