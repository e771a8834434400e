// Package client provides the upstream HTTP client for the Awin product-search API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"awin-proxy-go/internal/config"
	"awin-proxy-go/internal/metrics"
	"awin-proxy-go/internal/model"
)

// ErrUpstreamBodyTooLarge is returned when the upstream body exceeds upstream.body_max_bytes.
var ErrUpstreamBodyTooLarge = errors.New("upstream response body exceeds limit")

// AwinClient sends requests to the upstream Awin API.
type AwinClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	bodyMaxBytes int64
}

// NewAwinClient creates an AwinClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewAwinClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *AwinClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &AwinClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:       logger.With("component", "awin_client"),
		metrics:      m,
		bodyMaxBytes: cfg.Upstream.BodyMaxBytes,
	}
}

// Get issues a GET to url with the given headers and reads the whole body.
// The context controls the lifetime of the upstream request: when it is
// canceled (e.g. client disconnects), the upstream request is canceled too.
func (c *AwinClient) Get(ctx context.Context, url string, header http.Header) (*model.SearchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}

// Do executes req against the upstream and returns status and body.
func (c *AwinClient) Do(req *http.Request) (*model.SearchResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(start, 0, metrics.ReasonTransport)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	if err != nil {
		reason := metrics.ReasonTransport
		if errors.Is(err, ErrUpstreamBodyTooLarge) {
			reason = metrics.ReasonBodyTooBig
		}
		c.observe(start, 0, reason)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	c.observe(start, resp.StatusCode, "")

	return &model.SearchResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

func (c *AwinClient) readBody(r io.Reader) ([]byte, error) {
	if c.bodyMaxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.bodyMaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.bodyMaxBytes {
		return nil, ErrUpstreamBodyTooLarge
	}
	return body, nil
}

// observe records call latency and either the response status or a failure reason.
func (c *AwinClient) observe(start time.Time, status int, failure string) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	if failure != "" {
		c.metrics.UpstreamFailures.WithLabelValues(failure).Inc()
		return
	}
	c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(status)).Inc()
}
