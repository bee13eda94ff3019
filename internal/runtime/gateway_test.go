package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8080, ShutdownTimeout: 5 * time.Second},
		Upstream: config.UpstreamConfig{BaseURL: baseURL, APIKeys: []string{"sk-0", "sk-1"}},
		Log:      config.LogConfig{Level: "info", Format: "json"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})
	return gw
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestGateway_New_RequiresValidConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error without config")
	}

	cfg := testConfig("http://upstream.local")
	cfg.Upstream.APIKeys = nil
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("New with empty key pool = %v", err)
	}
}

func TestNewState(t *testing.T) {
	cfg := testConfig("http://upstream.local")
	state, err := NewState(cfg)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if state.Config != cfg {
		t.Error("State must share the config by reference")
	}
	if state.Keys.Len() != 2 || state.Keys.Current() != "sk-0" {
		t.Errorf("keys = %d, current %q", state.Keys.Len(), state.Keys.Current())
	}
}

func TestGateway_RelayAndRotation(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		first := len(seen) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	gw := newGateway(t, testConfig(upstream.URL))
	proxy := httptest.NewServer(gw.Handler())
	defer proxy.Close()

	for _, want := range []int{http.StatusTooManyRequests, http.StatusOK} {
		resp, err := http.Post(proxy.URL+"/chat/completions", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("status = %d, want %d", resp.StatusCode, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "Bearer sk-0" || seen[1] != "Bearer sk-1" {
		t.Errorf("upstream keys = %v", seen)
	}
	if gw.State().Keys.Index() != 1 {
		t.Errorf("shared cursor = %d, want 1", gw.State().Keys.Index())
	}

	resp, err := http.Get(proxy.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"carousel_key_rotations_total 1", "carousel_active_key_index 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestGateway_AccessGate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "relayed")
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Server.Host = "0.0.0.0"
	cfg.Access.Keys = []string{"abc"}

	gw := newGateway(t, cfg)
	h := gw.Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		header     string
		wantStatus int
	}{
		{"valid key", http.MethodPost, "/chat/completions", "Bearer abc", http.StatusOK},
		{"wrong key", http.MethodPost, "/chat/completions", "Bearer xyz", http.StatusUnauthorized},
		{"wrong scheme", http.MethodPost, "/chat/completions", "Token abc", http.StatusUnauthorized},
		{"missing header", http.MethodPost, "/chat/completions", "", http.StatusUnauthorized},
		{"health is open", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics are open", http.MethodGet, "/metrics", "", http.StatusOK},
		{"unknown path", http.MethodGet, "/v1/models", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestGateway_NoRoute(t *testing.T) {
	gw := newGateway(t, testConfig("http://upstream.local"))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/completions", nil))

	if rec.Code != http.StatusNotFound || rec.Body.String() != "No route for /chat/completions" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestGateway_Health(t *testing.T) {
	gw := newGateway(t, testConfig("http://upstream.local"))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Status string `json:"status"`
		Keys   int    `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Keys != 2 {
		t.Errorf("health = %+v", body)
	}
	if strings.Contains(rec.Body.String(), "sk-") {
		t.Error("health must not expose keys")
	}
}

func TestGateway_MetricsDisabled(t *testing.T) {
	cfg := testConfig("http://upstream.local")
	cfg.Metrics.Enabled = false
	gw := newGateway(t, cfg)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGateway_ActivityLog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Activity.Path = filepath.Join(t.TempDir(), "activity.db")
	gw := newGateway(t, cfg)
	h := gw.Handler()

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hello"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("relay status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/activity?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Entries []struct {
			RequestID    string `json:"request_id"`
			Status       int    `json:"status"`
			KeyIndex     int    `json:"key_index"`
			PromptTokens int    `json:"prompt_tokens"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(out.Entries))
	}
	e := out.Entries[0]
	if e.Status != 200 || e.KeyIndex != 0 || e.RequestID == "" || e.PromptTokens != 8 {
		t.Errorf("entry = %+v", e)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/activity?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestGateway_ActivityRouteAbsentWithoutLog(t *testing.T) {
	gw := newGateway(t, testConfig("http://upstream.local"))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/activity", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGateway_Start_And_Shutdown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Server.Port = freePort(t)
	gw := newGateway(t, cfg)

	if gw.Addr() != nil {
		t.Error("Addr before Start should be nil")
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := gw.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Post("http://"+gw.Addr().String()+"/chat/completions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-gw.Err():
		t.Errorf("unexpected serve error: %v", err)
	default:
	}
}

func TestGateway_Start_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig("http://upstream.local")
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	gw := newGateway(t, cfg)

	if err := gw.Start(context.Background()); err == nil {
		t.Error("Start on an occupied port should fail")
	}
}
