package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/pipewatch/internal/domain"
	"github.com/splax/pipewatch/internal/service/archive"
	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/internal/ws"
	"github.com/splax/pipewatch/pkg/fal"
	"github.com/splax/pipewatch/pkg/metrics"
)

// StreamController starts and stops generation on the remote pipeline.
type StreamController interface {
	StartStream(ctx context.Context, cfg fal.StreamConfig) (fal.StreamResult, error)
	StopStream(ctx context.Context) (fal.StreamResult, error)
}

// Archive exposes persisted snapshots and connection events.
type Archive interface {
	Enabled() bool
	Snapshots(ctx context.Context, since time.Time, limit int) ([]domain.ArchivedSnapshot, error)
	Events(ctx context.Context, limit int) ([]domain.ConnectionEvent, error)
}

// Dependencies are the collaborators a Router serves. Feed is required; a nil
// Registry registers collectors with the global prometheus registry.
type Dependencies struct {
	Feed         realtime.Feed
	Streams      StreamController
	Archive      Archive
	Hub          *ws.Hub
	Limiter      RateLimiter
	ControlToken string
	Health       func(context.Context) error
	Heartbeat    time.Duration
	Registry     *prometheus.Registry
}

// Router wires HTTP endpoints to the metrics feed.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	feed         realtime.Feed
	streams      StreamController
	archive      Archive
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	controlToken string
	health       func(context.Context) error
	heartbeat    time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	registry           prometheus.Registerer
	gatherer           prometheus.Gatherer
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	feedStatus         *prometheus.GaugeVec
	feedAttempt        prometheus.Gauge
	snapshotsTotal     prometheus.Counter
	queueSize          prometheus.Gauge
	currentFPS         prometheus.Gauge
}

const (
	healthCheckTimeout   = 2 * time.Second
	defaultHeartbeat     = 15 * time.Second
	defaultArchiveLimit  = 300
	streamControlTimeout = 35 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "http"),
		feed:    deps.Feed,
		streams: deps.Streams,
		archive: deps.Archive,
		hub:     deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		controlToken: strings.TrimSpace(deps.ControlToken),
		health:       deps.Health,
		heartbeat:    deps.Heartbeat,
		registry:     prometheus.DefaultRegisterer,
		gatherer:     prometheus.DefaultGatherer,
	}
	if deps.Registry != nil {
		r.registry = deps.Registry
		r.gatherer = deps.Registry
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/api/metrics", r.audit("/api/metrics", r.handleMetrics))
	r.mux.HandleFunc("/api/metrics/breakdown", r.audit("/api/metrics/breakdown", r.handleBreakdown))
	r.mux.HandleFunc("/api/metrics/archive", r.audit("/api/metrics/archive", r.handleArchive))
	r.mux.HandleFunc("/api/connection", r.audit("/api/connection", r.handleConnection))
	r.mux.HandleFunc("/api/connection/events", r.audit("/api/connection/events", r.handleConnectionEvents))
	r.mux.HandleFunc("/api/connection/reconnect", r.audit("/api/connection/reconnect", r.control("/api/connection/reconnect", ruleConnection, r.handleReconnect)))
	r.mux.HandleFunc("/api/connection/disconnect", r.audit("/api/connection/disconnect", r.control("/api/connection/disconnect", ruleConnection, r.handleDisconnect)))
	r.mux.HandleFunc("/api/stream/start", r.audit("/api/stream/start", r.control("/api/stream/start", ruleStream, r.handleStreamStart)))
	r.mux.HandleFunc("/api/stream/stop", r.audit("/api/stream/stop", r.control("/api/stream/stop", ruleStream, r.handleStreamStop)))
	r.mux.HandleFunc("/ws/metrics", r.audit("/ws/metrics", r.withRateLimit("/ws/metrics", ruleRealtime, r.handleMetricsWS)))
	r.mux.HandleFunc("/sse/metrics", r.audit("/sse/metrics", r.withRateLimit("/sse/metrics", ruleRealtime, r.handleMetricsSSE)))
}

func (r *Router) control(route string, rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireControlToken(r.withRateLimit(route, rule, next))
}

type metricsResponse struct {
	State     realtime.State     `json:"state"`
	Snapshot  *metrics.Snapshot  `json:"snapshot"`
	Breakdown *metrics.Breakdown `json:"breakdown,omitempty"`
	History   []metrics.Snapshot `json:"history"`
	LastError *realtime.Error    `json:"last_error"`
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	resp := metricsResponse{
		State:     r.feed.State(),
		LastError: r.feed.LastError(),
	}
	if snap, ok := r.feed.Snapshot(); ok {
		breakdown := metrics.NewBreakdown(snap)
		resp.Snapshot = &snap
		resp.Breakdown = &breakdown
	}
	if include, err := strconv.ParseBool(queryOr(req, "history", "true")); err != nil || include {
		resp.History = r.feed.History()
		if resp.History == nil {
			resp.History = []metrics.Snapshot{}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleBreakdown(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snap, ok := r.feed.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no metrics received yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": snap.Timestamp,
		"breakdown": metrics.NewBreakdown(snap),
		"rtmp": map[string]any{
			"queue_size": snap.RTMP.QueueSize,
			"drop_rate":  metrics.DropRate(snap.RTMP),
		},
	})
}

func (r *Router) handleConnection(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.feed.State())
}

func (r *Router) handleReconnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.feed.Reconnect(); err != nil {
		r.writeFeedError(w, err)
		return
	}
	r.logger.Info("manual reconnect requested", "request_id", requestID(req))
	writeJSON(w, http.StatusAccepted, r.feed.State())
}

func (r *Router) handleDisconnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.feed.Disconnect(); err != nil {
		r.writeFeedError(w, err)
		return
	}
	r.logger.Info("manual disconnect requested", "request_id", requestID(req))
	writeJSON(w, http.StatusOK, r.feed.State())
}

func (r *Router) writeFeedError(w http.ResponseWriter, err error) {
	if errors.Is(err, realtime.ErrStopped) {
		writeError(w, http.StatusConflict, "metrics feed stopped")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) handleStreamStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "stream control unavailable")
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := fal.DecodeStreamConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), streamControlTimeout)
	defer cancel()
	res, err := r.streams.StartStream(ctx, cfg)
	if err != nil {
		r.writeStreamError(w, "start", err)
		return
	}
	r.logger.Info("stream started", "model", cfg.StreamModel(), "request_id", requestID(req))
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleStreamStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "stream control unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), streamControlTimeout)
	defer cancel()
	res, err := r.streams.StopStream(ctx)
	if err != nil {
		r.writeStreamError(w, "stop", err)
		return
	}
	r.logger.Info("stream stopped", "request_id", requestID(req))
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) writeStreamError(w http.ResponseWriter, op string, err error) {
	r.logger.Warn("stream control failed", "op", op, "error", err)
	switch {
	case errors.Is(err, fal.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "pipeline did not respond in time")
	case errors.Is(err, fal.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, "pipeline rejected credentials")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (r *Router) handleArchive(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.archive == nil || !r.archive.Enabled() {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	var since time.Time
	if raw := strings.TrimSpace(req.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since format")
			return
		}
		since = parsed.UTC()
	}
	limit, err := parseLimit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snaps, err := r.archive.Snapshots(req.Context(), since, limit)
	if err != nil {
		r.writeArchiveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": archivedView(snaps)})
}

func (r *Router) handleConnectionEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.archive == nil || !r.archive.Enabled() {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit, err := parseLimit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := r.archive.Events(req.Context(), limit)
	if err != nil {
		r.writeArchiveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventsView(events)})
}

func (r *Router) writeArchiveError(w http.ResponseWriter, err error) {
	if errors.Is(err, archive.ErrDisabled) {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	r.logger.Error("archive query failed", "error", err)
	writeError(w, http.StatusInternalServerError, "archive query failed")
}

func (r *Router) handleMetricsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime fan-out unavailable")
		return
	}
	topic, ok := parseTopic(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown topic")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := client.Send(ws.StateEnvelope(r.feed.State())); err != nil {
		client.Close()
		return
	}
	r.hub.Register(topic, client)
	go func() {
		client.Listen(r.heartbeat)
		r.hub.Unregister(topic, client)
		client.Close()
	}()
}

func (r *Router) handleMetricsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime fan-out unavailable")
		return
	}
	topic, ok := parseTopic(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown topic")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Send(ws.StateEnvelope(r.feed.State())); err != nil {
		return
	}
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	state := r.feed.State()
	components := map[string]any{
		"feed": map[string]any{
			"mode":   state.Mode,
			"status": state.Status,
		},
	}
	status := "ok"
	if state.Status == realtime.StatusErrored {
		status = "degraded"
	}
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["archive"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["archive"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseTopic(req *http.Request) (string, bool) {
	switch topic := queryOr(req, "topic", ws.TopicMetrics); topic {
	case ws.TopicMetrics, ws.TopicState:
		return topic, true
	}
	return "", false
}

func parseLimit(req *http.Request) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get("limit"))
	if raw == "" {
		return defaultArchiveLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func queryOr(req *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(req.URL.Query().Get(key)); v != "" {
		return v
	}
	return fallback
}

type archivedSnapshotView struct {
	ID         int64            `json:"id"`
	Mode       string           `json:"mode"`
	CapturedAt time.Time        `json:"captured_at"`
	ReceivedAt time.Time        `json:"received_at"`
	Snapshot   metrics.Snapshot `json:"snapshot"`
}

func archivedView(snaps []domain.ArchivedSnapshot) []archivedSnapshotView {
	out := make([]archivedSnapshotView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, archivedSnapshotView{
			ID:         s.ID,
			Mode:       s.Mode,
			CapturedAt: s.CapturedAt,
			ReceivedAt: s.ReceivedAt,
			Snapshot:   s.Snapshot,
		})
	}
	return out
}

type connectionEventView struct {
	ID         int64     `json:"id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Phase      string    `json:"phase"`
	Attempt    int       `json:"attempt"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func eventsView(events []domain.ConnectionEvent) []connectionEventView {
	out := make([]connectionEventView, 0, len(events))
	for _, e := range events {
		out = append(out, connectionEventView(e))
	}
	return out
}

type requestIDKey struct{}

func requestID(req *http.Request) string {
	if id, ok := req.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, reqID))

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Debug("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
