package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/health"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config holds the admin listener settings
type Config struct {
	// Addr is the listen address; empty disables the admin server
	Addr string `yaml:"addr"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:9090",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return err
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("read_timeout and write_timeout must be positive")
	}
	return nil
}

// StatusSource provides the latest store health without doing I/O
type StatusSource interface {
	Health() health.Snapshot
}

// HealthServer serves the admin endpoints: /health, /ready, /live and
// /metrics.
type HealthServer struct {
	cfg    Config
	store  StatusSource
	mux    *http.ServeMux
	logger zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewHealthServer creates the admin HTTP server
func NewHealthServer(cfg Config, store StatusSource) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		cfg:    cfg,
		store:  store,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start listens on Config.Addr and serves in the background
func (hs *HealthServer) Start() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.server != nil {
		return errors.New("admin server already started")
	}

	ln, err := net.Listen("tcp", hs.cfg.Addr)
	if err != nil {
		return err
	}
	hs.listener = ln
	hs.server = &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  hs.cfg.ReadTimeout,
		WriteTimeout: hs.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	hs.wg.Add(1)
	go func() {
		defer hs.wg.Done()
		if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address once started
func (hs *HealthServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener == nil {
		return ""
	}
	return hs.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	hs.wg.Wait()
	return err
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Store      *health.Snapshot  `json:"store,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// healthHandler implements the /health endpoint. It returns the latest
// snapshot and answers 503 once the store has Failed.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	overall := metrics.GetHealth()
	response := HealthResponse{
		Status:     overall.Status,
		Timestamp:  time.Now(),
		Version:    overall.Version,
		Components: overall.Components,
	}

	statusCode := http.StatusOK
	if hs.store != nil {
		snap := hs.store.Health()
		response.Store = &snap
		switch snap.State {
		case conn.Failed:
			response.Status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		case conn.Degraded:
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
