package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "socialpilot/pkg/logx"
)

func TestHandlerAuthAndStatus(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]int{"users": 3} }, nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/debug/status", "", http.StatusUnauthorized},
		{"wrong query token", "/debug/status?token=nope", "", http.StatusUnauthorized},
		{"query token", "/debug/status?token=s3cret", "", http.StatusOK},
		{"bearer", "/debug/status", "Bearer s3cret", http.StatusOK},
		{"bearer wrong", "/healthz", "Bearer x", http.StatusUnauthorized},
		{"health", "/healthz", "Bearer s3cret", http.StatusOK},
		{"pprof index", "/debug/pprof/", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var doc map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if doc["users"] != 3 {
		t.Fatalf("status doc = %v", doc)
	}
}

func TestHealthReportsFailure(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, func() error { return errors.New("dispatch stopped") }, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCustomPrefixRedirects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{Prefix: "ops/prof"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/prof", nil))
	if rec.Code != http.StatusPermanentRedirect || rec.Header().Get("Location") != "/ops/prof/" {
		t.Fatalf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:1", true},
		{"[::1]:6060", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.4:6060", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServeAndReconfigure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{}, func() any { return "up" }, nil, logx.Nop())

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not bind")
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr empty while serving")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("Addr still set after disable")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still answering after disable")
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	cfg := Config{Enabled: true, Addr: "0.0.0.0:0"}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if err := s.serveOnce(context.Background()); err != nil {
		t.Fatalf("serveOnce = %v, want nil (refused, not retried)", err)
	}
	if s.Addr() != "" {
		t.Fatal("refused server recorded an address")
	}
}
