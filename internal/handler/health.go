package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"awin-proxy-go/internal/config"
	"awin-proxy-go/internal/monitor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves liveness and the proxy status page.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	checker *monitor.Checker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, checker *monitor.Checker) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, checker: checker}
}

// Healthz reports process liveness only; it never calls Awin.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the product-search target and the last upstream check.
// The API token is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	body := upstreamReport(h.checker.Last())
	body["status"] = "ok"
	body["version"] = string(h.version)
	body["upstream_url"] = h.cfg.SearchURL()
	body["publisher_id"] = h.cfg.Awin.PublisherID
	body["monitor_enabled"] = h.cfg.Monitor.Enabled
	return c.JSON(http.StatusOK, body)
}

// Check runs an upstream check now and reports it. An error result is
// served as 503 so scripted callers can branch on the status code.
func (h *HealthHandler) Check(c echo.Context) error {
	r := h.checker.Check(c.Request().Context())

	code := http.StatusOK
	if r.Status == monitor.StatusError {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, upstreamReport(r))
}

func upstreamReport(r monitor.Result) map[string]any {
	body := map[string]any{
		"upstream": string(r.Status),
	}
	if r.CheckedAt.IsZero() {
		return body
	}
	body["upstream_checked_at"] = r.CheckedAt.UTC().Format(time.RFC3339)
	body["upstream_latency_ms"] = r.Latency.Milliseconds()
	body["programmes"] = r.Programmes
	body["product_search"] = r.ProductSearch
	if r.Error != "" {
		body["upstream_error"] = r.Error
	}
	return body
}
