package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/pkg/metrics"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	feedStatuses     = []realtime.Status{
		realtime.StatusDisconnected,
		realtime.StatusConnecting,
		realtime.StatusConnected,
		realtime.StatusErrored,
	}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipewatch",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.feedStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Subsystem: "feed",
			Name:      "status",
			Help:      "1 for the current connection status of the metrics feed",
		}, []string{"mode", "status"})

		r.feedAttempt = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Subsystem: "feed",
			Name:      "reconnect_attempt",
			Help:      "Reconnect attempts since the last successful open",
		})

		r.snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "feed",
			Name:      "snapshots_total",
			Help:      "Metrics snapshots accepted from the pipeline",
		})

		r.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Subsystem: "pipeline",
			Name:      "rtmp_queue_size",
			Help:      "RTMP output queue size reported by the latest snapshot",
		})

		r.currentFPS = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Subsystem: "pipeline",
			Name:      "rtmp_current_fps",
			Help:      "Output frame rate reported by the latest snapshot",
		})

		collectors := []prometheus.Collector{
			r.requestTotal, r.requestLatency, r.rateLimitHits,
			r.feedStatus, r.feedAttempt, r.snapshotsTotal, r.queueSize, r.currentFPS,
		}
		for _, collector := range collectors {
			if err := r.registry.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					r.adoptExisting(collector, are.ExistingCollector)
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) adoptExisting(mine, existing prometheus.Collector) {
	switch v := existing.(type) {
	case *prometheus.CounterVec:
		if mine == r.requestTotal {
			r.requestTotal = v
		} else if mine == r.rateLimitHits {
			r.rateLimitHits = v
		}
	case *prometheus.HistogramVec:
		r.requestLatency = v
	case *prometheus.GaugeVec:
		r.feedStatus = v
	case prometheus.Gauge:
		switch mine {
		case r.feedAttempt:
			r.feedAttempt = v
		case r.queueSize:
			r.queueSize = v
		case r.currentFPS:
			r.currentFPS = v
		}
	case prometheus.Counter:
		r.snapshotsTotal = v
	}
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

// FeedListener returns a listener that mirrors the feed into the exported
// gauges. Subscribe it to the feed the router serves.
func (r *Router) FeedListener() realtime.Listener { return feedCollector{r: r} }

type feedCollector struct{ r *Router }

func (c feedCollector) OnSnapshot(snap metrics.Snapshot) {
	if !c.r.metricsInitialized {
		return
	}
	c.r.snapshotsTotal.Inc()
	c.r.queueSize.Set(float64(snap.RTMP.QueueSize))
	c.r.currentFPS.Set(snap.RTMP.CurrentFPS)
}

func (c feedCollector) OnState(state realtime.State) {
	if !c.r.metricsInitialized {
		return
	}
	for _, status := range feedStatuses {
		value := 0.0
		if status == state.Status {
			value = 1
		}
		c.r.feedStatus.With(prometheus.Labels{"mode": state.Mode, "status": string(status)}).Set(value)
	}
	c.r.feedAttempt.Set(float64(state.Attempt))
}
