// Package fetcher issues HTTP requests under a global concurrency cap,
// with adaptive throttling and retry of transient failures.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ma2tools/forums-miner/internal/telemetry"
)

// retryableStatuses are retried with backoff; everything else in 4xx/5xx
// is terminal for the URL.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Response is the result of a successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Throttle is the feedback surface the fetcher reports into.
type Throttle interface {
	Acquire() time.Duration
	ReportRateLimit()
	ReportServiceUnavailable()
	ReportSuccess()
}

// Config controls fetcher behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	Concurrency    int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxBodyBytes   int64
	AllowedDomains []string
}

// Fetcher retrieves pages and assets via a shared colly collector.
// All fetches share one counting semaphore, so board pages, thread
// pages, and asset downloads compete for the same in-flight budget.
type Fetcher struct {
	cfg           Config
	allowed       map[string]struct{}
	slots         *semaphore.Weighted
	throttle      Throttle
	stats         *telemetry.Stats
	logger        *zap.Logger
	baseCollector *colly.Collector

	// sleep is injectable so tests can observe backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a Fetcher.
func New(cfg Config, throttle Throttle, stats *telemetry.Stats, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	opts := []colly.CollectorOption{
		colly.IgnoreRobotsTxt(),
		// Retries and incremental re-crawls revisit the same URL.
		colly.AllowURLRevisit(),
		colly.AllowedDomains(cfg.AllowedDomains...),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.SetRequestTimeout(cfg.Timeout)
	if cfg.MaxBodyBytes > 0 {
		// One byte of headroom so the size-cap check can distinguish
		// "exactly at the limit" from "truncated by the reader".
		base.MaxBodySize = int(cfg.MaxBodyBytes) + 1
	}
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})

	return &Fetcher{
		cfg:           cfg,
		allowed:       allowed,
		slots:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		throttle:      throttle,
		stats:         stats,
		logger:        logger,
		baseCollector: base,
		sleep:         sleepCtx,
	}
}

// Fetch retrieves one URL, retrying transient failures with exponential
// backoff. Retries of a single URL are strictly sequential, and the
// concurrency slot is released before any backoff sleep so waiting out a
// cool-off never wastes pool capacity.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Response, error) {
	if !f.Allowed(rawURL) {
		f.logger.Warn("blocked fetch to non-allowed domain", zap.String("url", rawURL))
		return Response{}, &FetchError{Kind: KindBlocked, URL: rawURL}
	}

	backoff := f.cfg.InitialBackoff
	lastKind := KindExhausted

	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
		}

		if wait := f.throttle.Acquire(); wait > 0 {
			telemetry.ObserveThrottleWait(wait)
			f.sleep(ctx, wait)
		}

		lastAttempt := attempt == f.cfg.MaxRetries-1

		resp, err := f.doRequest(ctx, rawURL)
		if err != nil {
			lastKind = KindNetwork
			f.logger.Warn("request error",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if !lastAttempt {
				f.sleep(ctx, backoff)
				backoff = f.nextBackoff(backoff)
			}
			continue
		}

		f.stats.Record(resp.StatusCode)

		if _, retryable := retryableStatuses[resp.StatusCode]; retryable {
			if resp.StatusCode == http.StatusTooManyRequests {
				f.throttle.ReportRateLimit()
			} else {
				f.throttle.ReportServiceUnavailable()
			}
			lastKind = KindExhausted
			f.logger.Warn("retryable status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Duration("backoff", backoff),
			)
			// The final attempt has no retry to wait for.
			if !lastAttempt {
				f.sleep(ctx, backoff)
				backoff = f.nextBackoff(backoff)
			}
			continue
		}

		if resp.StatusCode >= 400 {
			f.stats.RecordExhausted(fmt.Sprintf("HTTP %d", resp.StatusCode))
			return Response{}, &FetchError{Kind: KindHTTP, Status: resp.StatusCode, URL: rawURL}
		}

		f.throttle.ReportSuccess()
		return resp, nil
	}

	reason := "max retries exceeded"
	if lastKind == KindNetwork {
		reason = "network error"
	}
	f.stats.RecordExhausted(reason)
	f.logger.Error("retries exhausted",
		zap.String("url", rawURL),
		zap.Int("attempts", f.cfg.MaxRetries),
	)
	return Response{}, &FetchError{Kind: KindExhausted, URL: rawURL}
}

// Allowed reports whether the URL's host is allow-listed.
func (f *Fetcher) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := f.allowed[strings.ToLower(u.Hostname())]
	return ok
}

// doRequest performs one attempt while holding a concurrency slot.
func (f *Fetcher) doRequest(ctx context.Context, rawURL string) (Response, error) {
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return Response{}, fmt.Errorf("acquire slot: %w", err)
	}

	collector := f.baseCollector.Clone()

	var (
		resp     Response
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = responseFrom(r)
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Non-2xx arrives here; keep the status so the caller can
		// classify it. Transport failures carry no status.
		if r != nil && r.StatusCode != 0 {
			resp = responseFrom(r)
			return
		}
		fetchErr = err
	})

	// The slot stays held until the visit actually finishes, even when
	// the caller bails on context cancellation below, so the in-flight
	// cap holds during shutdown.
	done := make(chan error, 1)
	go func() {
		defer f.slots.Release(1)
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if resp.StatusCode != 0 {
			return resp, nil
		}
		if fetchErr != nil {
			return Response{}, fmt.Errorf("visit %s: %w", rawURL, fetchErr)
		}
		if err != nil {
			return Response{}, fmt.Errorf("visit %s: %w", rawURL, err)
		}
		return resp, nil
	}
}

func (f *Fetcher) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > f.cfg.MaxBackoff {
		next = f.cfg.MaxBackoff
	}
	return next
}

func responseFrom(r *colly.Response) Response {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	return Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
