package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"awin-proxy-go/internal/client"
	"awin-proxy-go/internal/model"
	"awin-proxy-go/internal/service"
)

// bearerPattern matches bearer credentials that may surface in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)

// ProxyHandler relays product-search requests to the Awin API.
type ProxyHandler struct {
	service *service.SearchService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.SearchService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the query string upstream and writes back the upstream
// status code and JSON body unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	sr := &model.SearchRequest{
		Ctx:    req.Context(),
		Params: model.ParseSearchParams(req.URL.RawQuery),
	}

	resp, err := h.service.Search(sr)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSONBlob(resp.StatusCode, resp.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrInvalidUpstreamJSON) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream returned invalid JSON",
		})
	}

	if errors.Is(err, client.ErrUpstreamBodyTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response too large",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// isTimeout reports whether err is a network timeout, such as http.Client.Timeout expiring.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
