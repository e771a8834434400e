// Package monitor periodically checks that the Awin API accepts the
// configured credentials and that product search is available.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"awin-proxy-go/internal/client"
	"awin-proxy-go/internal/config"
	"awin-proxy-go/internal/metrics"
	"awin-proxy-go/internal/service"
)

// Status is the outcome of one upstream check.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// gaugeValue maps a status onto awin_proxy_upstream_health.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Endpoint labels for UpstreamCheckDuration.
const (
	endpointProgrammes    = "programmes"
	endpointProductSearch = "product_search"
)

// Result is a snapshot of the last upstream check.
type Result struct {
	Status        Status
	Programmes    bool
	ProductSearch bool
	Latency       time.Duration
	CheckedAt     time.Time
	Error         string
}

// Checker calls the programmes and product-search endpoints with the same
// client and credentials the proxy uses.
type Checker struct {
	client        *client.AwinClient
	logger        *slog.Logger
	metrics       *metrics.Metrics
	header        http.Header
	programmesURL string
	searchURL     string
	interval      time.Duration

	last atomic.Pointer[Result]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a Checker. The metrics parameter is optional.
func NewChecker(c *client.AwinClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Checker {
	q := url.Values{"searchTerm": {cfg.Monitor.SearchTerm}}
	return &Checker{
		client:        c,
		logger:        logger.With("component", "upstream_monitor"),
		metrics:       m,
		header:        service.CredentialHeaders(cfg.Awin),
		programmesURL: cfg.ProgrammesURL(),
		searchURL:     cfg.SearchURL() + "?" + q.Encode(),
		interval:      time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
	}
}

// Last returns the most recent check result, or a StatusUnknown result if
// no check has completed yet.
func (c *Checker) Last() Result {
	if r := c.last.Load(); r != nil {
		return *r
	}
	return Result{Status: StatusUnknown}
}

// Check runs one check and stores its result.
//
// A failing programmes call means the credentials or the API are broken
// (error). Programmes succeeding while product search fails means the feed is
// unavailable but the account works (degraded).
func (c *Checker) Check(ctx context.Context) Result {
	start := time.Now()
	r := Result{CheckedAt: start}

	if err := c.probe(ctx, endpointProgrammes, c.programmesURL); err != nil {
		r.Status = StatusError
		r.Error = fmt.Sprintf("programmes: %v", err)
	} else {
		r.Programmes = true
		if err := c.probe(ctx, endpointProductSearch, c.searchURL); err != nil {
			r.Status = StatusDegraded
			r.Error = fmt.Sprintf("product search: %v", err)
		} else {
			r.ProductSearch = true
			r.Status = StatusHealthy
		}
	}
	r.Latency = time.Since(start)

	// A check cut short by shutdown or a departed caller says nothing about the upstream.
	if ctx.Err() != nil {
		return r
	}

	c.last.Store(&r)
	if c.metrics != nil {
		c.metrics.UpstreamHealth.Set(r.Status.gaugeValue())
	}
	c.log(r)

	return r
}

// probe calls one endpoint and returns nil for a 2xx response.
func (c *Checker) probe(ctx context.Context, endpoint, target string) error {
	start := time.Now()
	resp, err := c.client.Get(ctx, target, c.header.Clone())
	if c.metrics != nil {
		c.metrics.UpstreamCheckDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if reason := service.UpstreamReason(resp.Body); reason != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, reason)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Checker) log(r Result) {
	attrs := []any{
		"status", r.Status,
		"latency_ms", r.Latency.Milliseconds(),
	}
	switch r.Status {
	case StatusHealthy:
		c.logger.Info("upstream check", attrs...)
	case StatusDegraded:
		c.logger.Warn("upstream check", append(attrs, "err", r.Error)...)
	default:
		c.logger.Error("upstream check", append(attrs, "err", r.Error)...)
	}
}

// Start runs a check immediately and then once per interval until Stop.
// Calling Start on a running Checker is a no-op.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
}

func (c *Checker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight check to return, or for
// ctx to expire.
func (c *Checker) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
