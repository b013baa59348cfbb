package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: requests that attached to an existing entry instead of calling upstream.
	CoalescedHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalesced_hits_total",
			Help: "Total number of requests served from an existing cache entry.",
		},
	)

	// Counter: requests that created a new entry.
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of requests that created a new cache entry.",
		},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Cache entries removed, by reason.",
		},
		[]string{"reason"}, // ttl | failure
	)

	LiveEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_live_entries",
			Help: "Entries currently present in the coalescing cache.",
		},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream generation calls, by outcome.",
		},
		[]string{"outcome"}, // completed | failed
	)

	FrameParseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_frame_parse_errors_total",
			Help: "Upstream chunks dropped because they could not be decoded.",
		},
	)

	SubscriberTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscriber_timeouts_total",
			Help: "Subscribers that hit their wait bound before the stream ended.",
		},
	)

	// Counter: how many times the models catalog was served from the store.
	StoreHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "store_hits_total",
			Help: "Total number of store hits.",
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register is called once in main() to register metrics.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CoalescedHitsTotal,
			CacheMissesTotal,
			EvictionsTotal,
			LiveEntries,
			UpstreamRequestsTotal,
			FrameParseErrorsTotal,
			SubscriberTimeoutsTotal,
			StoreHitsTotal,
			GatewayLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
