package status

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Weypare/subql/pkg/metrics"
	"github.com/Weypare/subql/pkg/rpcpool"
)

// mockPool implements Pool for testing.
type mockPool struct {
	endpoints []rpcpool.EndpointInfo
}

func (p *mockPool) EndpointStatus() []rpcpool.EndpointInfo { return p.endpoints }
func (p *mockPool) TotalCount() int                        { return len(p.endpoints) }
func (p *mockPool) HealthyCount() int {
	n := 0
	for _, e := range p.endpoints {
		if e.Healthy {
			n++
		}
	}
	return n
}

// mockProgress implements Progress for testing.
type mockProgress struct {
	lastHeight uint64
	fetched    uint64
	strategy   string
	lastError  error
}

func (p *mockProgress) LastHeight() uint64    { return p.lastHeight }
func (p *mockProgress) BlocksFetched() uint64 { return p.fetched }
func (p *mockProgress) Strategy() string      { return p.strategy }
func (p *mockProgress) LastError() error      { return p.lastError }

func newTestPool() *mockPool {
	return &mockPool{endpoints: []rpcpool.EndpointInfo{
		{Index: 0, URL: "ws://a", Healthy: true, Connected: true, Current: true},
		{Index: 1, URL: "ws://b", Healthy: false, Connected: false, FailCount: 3},
	}}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Port: 9000}.WithDefaults()

	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("Expected bind address 127.0.0.1, got %s", cfg.BindAddress)
	}
	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Port)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Errorf("Expected read timeout 15s, got %v", cfg.ReadTimeout)
	}

	srv := New(Config{}, "0xabc", newTestPool(), nil, nil)
	if srv.Address() != "127.0.0.1:9100" {
		t.Errorf("Expected address 127.0.0.1:9100, got %s", srv.Address())
	}
}

func TestHealthz(t *testing.T) {
	pool := newTestPool()
	srv := New(DefaultConfig(), "0xabc", pool, nil, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %d", w.Code)
	}

	pool.endpoints[0].Healthy = false
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	progress := &mockProgress{
		lastHeight: 1200,
		fetched:    200,
		strategy:   "light",
		lastError:  errors.New("fetch failed after 3 attempts"),
	}
	srv := New(DefaultConfig(), "0xabc", newTestPool(), progress, nil)

	w := httptest.NewRecorder()
	srv.handleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if status.ChainID != "0xabc" {
		t.Errorf("Expected chain id 0xabc, got %s", status.ChainID)
	}
	if status.LastHeight != 1200 {
		t.Errorf("Expected last height 1200, got %d", status.LastHeight)
	}
	if status.BlocksFetched != 200 {
		t.Errorf("Expected 200 blocks fetched, got %d", status.BlocksFetched)
	}
	if status.Strategy != "light" {
		t.Errorf("Expected strategy light, got %s", status.Strategy)
	}
	if status.HealthyEndpoints != 1 || status.TotalEndpoints != 2 {
		t.Errorf("Expected 1/2 healthy endpoints, got %d/%d", status.HealthyEndpoints, status.TotalEndpoints)
	}
	if status.LastError == "" {
		t.Error("Expected last error to be reported")
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	srv := New(DefaultConfig(), "0xabc", newTestPool(), nil, nil)

	w := httptest.NewRecorder()
	srv.handleStatus(w, httptest.NewRequest(http.MethodPost, "/status", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestEndpointsEndpoint(t *testing.T) {
	srv := New(DefaultConfig(), "0xabc", newTestPool(), nil, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}

	var endpoints []rpcpool.EndpointInfo
	if err := json.NewDecoder(w.Body).Decode(&endpoints); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("Expected 2 endpoints, got %d", len(endpoints))
	}
	if !endpoints[0].Current || endpoints[0].URL != "ws://a" {
		t.Errorf("Expected ws://a to be current, got %+v", endpoints[0])
	}
	if endpoints[1].FailCount != 3 {
		t.Errorf("Expected fail count 3, got %d", endpoints[1].FailCount)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRejection("unsupported")

	srv := New(DefaultConfig(), "0xabc", newTestPool(), nil, reg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}

	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "subql_") {
		t.Errorf("Expected subql metrics in output, got %s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv := New(DefaultConfig(), "0xabc", newTestPool(), nil, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
