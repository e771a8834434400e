package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"awin-proxy-go/internal/client"
	"awin-proxy-go/internal/config"
	"awin-proxy-go/internal/service"
)

// newTestProxyHandler builds the full handler stack against baseURL.
func newTestProxyHandler(t *testing.T, baseURL string) *ProxyHandler {
	t.Helper()
	cfg := &config.Config{
		Awin: config.AwinConfig{PublisherID: "671175", APIToken: "test-token"},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
			BodyMaxBytes:    1 << 20,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ac := client.NewAwinClient(cfg, logger, nil)
	svc, err := service.NewSearchService(ac, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewSearchService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

// serve runs h.Handle for target and returns the recorder.
func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_Handle_Relays(t *testing.T) {
	tests := []struct {
		name           string
		target         string
		upstreamStatus int
		upstreamBody   string
	}{
		{"keyword search", "/proxy/awin?keyword=shoes", http.StatusOK, `{"products":[{"id":1}]}`},
		{"no params", "/proxy/awin", http.StatusBadRequest, `{"error":"missing keyword"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.upstreamStatus)
				_, _ = w.Write([]byte(tt.upstreamBody))
			}))
			defer upstream.Close()

			h := newTestProxyHandler(t, upstream.URL)
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, tt.target, http.NoBody))

			if rec.Code != tt.upstreamStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.upstreamStatus)
			}
			if got := rec.Body.String(); got != tt.upstreamBody {
				t.Errorf("body = %s, want %s", got, tt.upstreamBody)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
				t.Errorf("Content-Type = %q, want %s", ct, echo.MIMEApplicationJSON)
			}
		})
	}
}

func TestProxyHandler_Handle_MirrorsStatus(t *testing.T) {
	for _, status := range []int{200, 400, 401, 404, 500} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
				_, _ = fmt.Fprintf(w, `{"status":%d}`, status)
			}))
			defer upstream.Close()

			h := newTestProxyHandler(t, upstream.URL)
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/awin?keyword=x", http.NoBody))

			if rec.Code != status {
				t.Errorf("status = %d, want %d", rec.Code, status)
			}
		})
	}
}

func TestProxyHandler_Handle_EchoesParams(t *testing.T) {
	// The upstream reflects its query string back as a JSON object.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]string)
		for k := range r.URL.Query() {
			out[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)

	tests := []map[string]string{
		{},
		{"keyword": "shoes"},
		{"keyword": "running shoes", "minPrice": "10", "maxPrice": "99.5"},
		{"q": "a&b=c", "unicode": "café", "empty": ""},
	}

	for i, params := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			q := make(url.Values)
			for k, v := range params {
				q.Set(k, v)
			}
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/awin?"+q.Encode(), http.NoBody))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			var got map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, params) {
				t.Errorf("echoed params = %v, want %v", got, params)
			}
		})
	}
}

func TestProxyHandler_Handle_DuplicateKeyFirstWins(t *testing.T) {
	var gotValues []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotValues = r.URL.Query()["a"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)
	serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/awin?a=1&a=2", http.NoBody))

	if !reflect.DeepEqual(gotValues, []string{"1"}) {
		t.Errorf("upstream a = %v, want [1]", gotValues)
	}
}

func TestProxyHandler_Handle_ForwardsMalformedParams(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   map[string]string
	}{
		{"bad escape", "/proxy/awin?a=%zz&keyword=x", map[string]string{"a": "%zz", "keyword": "x"}},
		{"semicolon", "/proxy/awin?a=1;b=2&keyword=x", map[string]string{"a": "1;b=2", "keyword": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got url.Values
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Query()
				_, _ = w.Write([]byte(`{}`))
			}))
			defer upstream.Close()

			h := newTestProxyHandler(t, upstream.URL)
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, tt.target, http.NoBody))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if len(got) != len(tt.want) {
				t.Errorf("upstream query = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got.Get(k) != v {
					t.Errorf("upstream %s = %q, want %q", k, got.Get(k), v)
				}
			}
		})
	}
}

func TestProxyHandler_Handle_FixedHeaders(t *testing.T) {
	targets := []string{
		"/proxy/awin",
		"/proxy/awin?keyword=shoes",
		"/proxy/awin?Authorization=evil&X-Publisher-ID=1",
	}

	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			var got http.Header
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Clone()
				_, _ = w.Write([]byte(`{}`))
			}))
			defer upstream.Close()

			h := newTestProxyHandler(t, upstream.URL)
			req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
			req.Header.Set("Authorization", "Bearer client-token")
			serve(t, h, req)

			if v := got.Values("Authorization"); len(v) != 1 || v[0] != "Bearer test-token" {
				t.Errorf("Authorization = %v, want [Bearer test-token]", v)
			}
			if v := got.Values("Content-Type"); len(v) != 1 || v[0] != "application/json" {
				t.Errorf("Content-Type = %v, want [application/json]", v)
			}
			if v := got.Values("X-Publisher-ID"); len(v) != 1 || v[0] != "671175" {
				t.Errorf("X-Publisher-ID = %v, want [671175]", v)
			}
		})
	}
}

func TestProxyHandler_Handle_InvalidJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/awin?keyword=x", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	assertErrorBody(t, rec, "upstream returned invalid JSON")
}

func TestProxyHandler_Handle_UpstreamDown(t *testing.T) {
	h := newTestProxyHandler(t, "http://127.0.0.1:1")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/awin?keyword=x", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in response")
	}
}

func TestProxyHandler_Handle_DeadlineExceeded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/proxy/awin?keyword=x", http.NoBody)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	assertErrorBody(t, rec, "upstream request timed out")
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/proxy/awin?keyword=x", http.NoBody)
	// A pre-canceled context simulates a client that disconnected.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	assertErrorBody(t, rec, "client disconnected")
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid json",
			err:        fmt.Errorf("status 200: %w", service.ErrInvalidUpstreamJSON),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream returned invalid JSON",
		},
		{
			name:       "body too large",
			err:        fmt.Errorf("read upstream body: %w", client.ErrUpstreamBodyTooLarge),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream response too large",
		},
		{
			name:       "client timeout",
			err:        fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "https://api.awin.com", Err: timeoutError{}}),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "upstream request timed out",
		},
		{
			name:       "dns",
			err:        fmt.Errorf("forward to upstream: %w", &net.DNSError{Err: "no such host", Name: "api.awin.com"}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream host unreachable",
		},
		{
			name:       "connection refused",
			err:        fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "https://api.awin.com", Err: fmt.Errorf("connection refused")}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream connection failed",
		},
		{
			name:       "other",
			err:        fmt.Errorf("something else"),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			h := &ProxyHandler{logger: logger}

			req := httptest.NewRequest(http.MethodGet, "/proxy/awin", http.NoBody)
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			assertErrorBody(t, rec, tt.wantError)
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts bearer token",
			err:  `auth "Bearer s3cr3t-token" rejected`,
			want: `auth "Bearer [REDACTED]" rejected`,
		},
		{
			name: "case insensitive",
			err:  `header "bearer abc.def"`,
			want: `header "bearer [REDACTED]"`,
		},
		{
			name: "no token unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "Client.Timeout exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != want {
		t.Errorf("error = %q, want %q", body["error"], want)
	}
}
