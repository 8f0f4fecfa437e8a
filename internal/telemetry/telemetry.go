// Package telemetry classifies HTTP responses and exposes Prometheus
// collectors for the miner.
package telemetry

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	responsesTotal        *prometheus.CounterVec
	retriesExhaustedTotal *prometheus.CounterVec
	selectorFallbackTotal *prometheus.CounterVec
	throttleWaitSeconds   prometheus.Histogram

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		responsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miner_responses_total",
				Help: "Total HTTP responses observed, labeled by category and code.",
			},
			[]string{"category", "code"},
		)

		retriesExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miner_retries_exhausted_total",
				Help: "Total requests abandoned after exhausting retries, labeled by reason.",
			},
			[]string{"reason"},
		)

		selectorFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miner_selector_fallbacks_total",
				Help: "Selector chains that fell back past their primary strategy or missed entirely.",
			},
			[]string{"chain"},
		)

		throttleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "miner_throttle_wait_seconds",
				Help:    "Histogram of waits imposed by the adaptive throttler.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
		)
	})
}

// ObserveThrottleWait records a wait imposed before an outbound request.
func ObserveThrottleWait(d time.Duration) {
	Init()
	throttleWaitSeconds.Observe(d.Seconds())
}

// CountSelectorFallback records a chain that needed a fallback strategy.
func CountSelectorFallback(chain string) {
	Init()
	selectorFallbackTotal.WithLabelValues(chain).Inc()
}

// Handler returns a chi router exposing /metrics.
func Handler() http.Handler {
	Init()
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Stats accumulates per-run response counters for the final summary.
// All methods are safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	success2xx  int
	redirect3xx int
	client4xx   int
	server5xx   int

	rateLimited429 int
	unavailable503 int

	statusCodes map[int]int

	retryExhausted int
	retryReasons   map[string]int
}

// NewStats returns an empty response accumulator.
func NewStats() *Stats {
	return &Stats{
		statusCodes:  make(map[int]int),
		retryReasons: make(map[string]int),
	}
}

// Record classifies one HTTP response by status category.
func (s *Stats) Record(status int) {
	Init()

	category := "other"
	switch {
	case status >= 200 && status < 300:
		category = "2xx"
	case status >= 300 && status < 400:
		category = "3xx"
	case status >= 400 && status < 500:
		category = "4xx"
	case status >= 500 && status < 600:
		category = "5xx"
	}
	responsesTotal.WithLabelValues(category, strconv.Itoa(status)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCodes[status]++
	switch category {
	case "2xx":
		s.success2xx++
	case "3xx":
		s.redirect3xx++
	case "4xx":
		s.client4xx++
		if status == http.StatusTooManyRequests {
			s.rateLimited429++
		}
	case "5xx":
		s.server5xx++
		if status == http.StatusServiceUnavailable {
			s.unavailable503++
		}
	}
}

// RecordExhausted notes a request abandoned after all retries.
func (s *Stats) RecordExhausted(reason string) {
	Init()
	retriesExhaustedTotal.WithLabelValues(reason).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryExhausted++
	s.retryReasons[reason]++
}

// Summary is an immutable snapshot of the accumulated counters.
type Summary struct {
	Total          int
	Success2xx     int
	Redirect3xx    int
	ClientError4xx int
	ServerError5xx int
	RateLimited429 int
	Unavailable503 int
	StatusCodes    map[int]int
	RetryExhausted int
	RetryReasons   map[string]int
}

// Snapshot copies the current counters into a Summary.
func (s *Stats) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := make(map[int]int, len(s.statusCodes))
	for k, v := range s.statusCodes {
		codes[k] = v
	}
	reasons := make(map[string]int, len(s.retryReasons))
	for k, v := range s.retryReasons {
		reasons[k] = v
	}
	return Summary{
		Total:          s.success2xx + s.redirect3xx + s.client4xx + s.server5xx,
		Success2xx:     s.success2xx,
		Redirect3xx:    s.redirect3xx,
		ClientError4xx: s.client4xx,
		ServerError5xx: s.server5xx,
		RateLimited429: s.rateLimited429,
		Unavailable503: s.unavailable503,
		StatusCodes:    codes,
		RetryExhausted: s.retryExhausted,
		RetryReasons:   reasons,
	}
}

// Fields renders the summary as zap fields for the end-of-run log line.
func (sum Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Int("responses_total", sum.Total),
		zap.Int("success_2xx", sum.Success2xx),
		zap.Int("redirect_3xx", sum.Redirect3xx),
		zap.Int("client_error_4xx", sum.ClientError4xx),
		zap.Int("server_error_5xx", sum.ServerError5xx),
	}
	if sum.RateLimited429 > 0 {
		fields = append(fields, zap.Int("rate_limited_429", sum.RateLimited429))
	}
	if sum.Unavailable503 > 0 {
		fields = append(fields, zap.Int("service_unavailable_503", sum.Unavailable503))
	}
	if sum.RetryExhausted > 0 {
		fields = append(fields, zap.Int("retries_exhausted", sum.RetryExhausted))
		reasons := make([]string, 0, len(sum.RetryReasons))
		for reason := range sum.RetryReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fields = append(fields, zap.Int("exhausted_"+reason, sum.RetryReasons[reason]))
		}
	}
	return fields
}
