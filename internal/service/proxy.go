// Package service implements the product-search forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"awin-proxy-go/internal/client"
	"awin-proxy-go/internal/config"
	"awin-proxy-go/internal/metrics"
	"awin-proxy-go/internal/model"
)

// ErrInvalidUpstreamJSON is returned when the upstream body does not parse as JSON.
var ErrInvalidUpstreamJSON = errors.New("upstream returned a non-JSON body")

const (
	headerPublisherID = "X-Publisher-ID"
	contentTypeJSON   = "application/json"
	userAgent         = "awin-proxy-go/1.0"
)

// upstreamErrorFields are the body fields Awin uses to describe a rejected call.
var upstreamErrorFields = []string{"error", "message", "description"}

// SearchService builds and sends product-search calls on behalf of clients.
type SearchService struct {
	client    *client.AwinClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	searchURL *url.URL
	header    http.Header
}

// NewSearchService creates a SearchService. The upstream URL and the
// credential headers are computed once; they never change at runtime.
// The metrics parameter is optional.
func NewSearchService(c *client.AwinClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*SearchService, error) {
	u, err := url.Parse(cfg.SearchURL())
	if err != nil {
		return nil, fmt.Errorf("parse upstream search url: %w", err)
	}

	return &SearchService{
		client:    c,
		logger:    logger.With("component", "search_service"),
		metrics:   m,
		searchURL: u,
		header:    CredentialHeaders(cfg.Awin),
	}, nil
}

// CredentialHeaders returns the fixed header set sent on every upstream call.
func CredentialHeaders(awin config.AwinConfig) http.Header {
	h := make(http.Header, 4)
	h.Set("Authorization", "Bearer "+awin.APIToken)
	h.Set("Content-Type", contentTypeJSON)
	// Set canonicalizes to X-Publisher-Id; Awin documents the upper-case form.
	h[headerPublisherID] = []string{awin.PublisherID}
	h.Set("User-Agent", userAgent)
	return h
}

// Search forwards the client's params to the product-search endpoint and
// returns the upstream status and JSON body unchanged.
func (s *SearchService) Search(sr *model.SearchRequest) (*model.SearchResponse, error) {
	upstreamURL := s.buildUpstreamURL(sr.Params)

	s.logger.Debug("forwarding search",
		"params", len(sr.Params),
	)

	resp, err := s.client.Get(sr.Ctx, upstreamURL, s.header.Clone())
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if !gjson.ValidBytes(resp.Body) {
		if s.metrics != nil {
			s.metrics.UpstreamFailures.WithLabelValues(metrics.ReasonInvalidJSON).Inc()
		}
		return nil, fmt.Errorf("status %d, %d bytes: %w", resp.StatusCode, len(resp.Body), ErrInvalidUpstreamJSON)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Debug("upstream rejected search",
			"status", resp.StatusCode,
			"reason", UpstreamReason(resp.Body),
		)
	}

	return resp, nil
}

func (s *SearchService) buildUpstreamURL(params model.SearchParams) string {
	u := *s.searchURL
	u.RawQuery = params.Values().Encode()
	return u.String()
}

// UpstreamReason extracts a human-readable failure reason from an upstream error body.
func UpstreamReason(body []byte) string {
	for _, field := range upstreamErrorFields {
		if r := gjson.GetBytes(body, field); r.Exists() {
			return r.String()
		}
	}
	return ""
}
