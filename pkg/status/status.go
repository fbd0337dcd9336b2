// Package status serves the indexer's health, endpoint and metrics API.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Weypare/subql/pkg/rpcpool"
)

// Config configures the status server.
type Config struct {
	// BindAddress is the address to bind to.
	BindAddress string

	// Port is the port to listen on.
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         9100,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.BindAddress == "" {
		c.BindAddress = defaults.BindAddress
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	return c
}

// Pool reports the state of the connection pool.
type Pool interface {
	EndpointStatus() []rpcpool.EndpointInfo
	HealthyCount() int
	TotalCount() int
}

// Progress reports indexing progress.
type Progress interface {
	// LastHeight returns the last height handed to the indexer.
	LastHeight() uint64

	// BlocksFetched returns the number of blocks fetched since start.
	BlocksFetched() uint64

	// Strategy returns the fetch strategy in use.
	Strategy() string

	// LastError returns the last fetch error, if any.
	LastError() error
}

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	ChainID          string  `json:"chainId"`
	Strategy         string  `json:"strategy"`
	LastHeight       uint64  `json:"lastHeight"`
	BlocksFetched    uint64  `json:"blocksFetched"`
	HealthyEndpoints int     `json:"healthyEndpoints"`
	TotalEndpoints   int     `json:"totalEndpoints"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	LastError        string  `json:"lastError,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	config   Config
	chainID  string
	pool     Pool
	progress Progress
	gatherer prometheus.Gatherer

	mu        sync.Mutex
	server    *http.Server
	startTime time.Time
}

// New creates a status server. progress and gatherer may be nil.
func New(config Config, chainID string, pool Pool, progress Progress, gatherer prometheus.Gatherer) *Server {
	return &Server{
		config:    config.WithDefaults(),
		chainID:   chainID,
		pool:      pool,
		progress:  progress,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("status server already running")
	}
	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Address returns the address the server listens on.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)
}

// handleHealthz answers 200 while at least one endpoint is healthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool.HealthyCount() == 0 {
		writeError(w, "no healthy endpoints", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.startTime)
	resp := StatusResponse{
		ChainID:          s.chainID,
		HealthyEndpoints: s.pool.HealthyCount(),
		TotalEndpoints:   s.pool.TotalCount(),
		Uptime:           formatDuration(uptime),
		UptimeSeconds:    uptime.Seconds(),
	}
	if s.progress != nil {
		resp.Strategy = s.progress.Strategy()
		resp.LastHeight = s.progress.LastHeight()
		resp.BlocksFetched = s.progress.BlocksFetched()
		if err := s.progress.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}

	writeJSON(w, resp)
}

// handleEndpoints handles GET /endpoints.
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.pool.EndpointStatus())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
