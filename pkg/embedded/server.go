// Package embedded runs a concourse server in-process, for host programs
// that want coordination without a separate daemon.
package embedded

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/concourse/internal/auth"
	httpapi "github.com/mistakeknot/concourse/internal/http"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
	"github.com/mistakeknot/concourse/internal/ws"
)

type Config struct {
	// DBPath is the SQLite database file. If empty, it is resolved from
	// the working directory like the concourse command does.
	DBPath string

	// Port defaults to 7438.
	Port int

	// Host defaults to 127.0.0.1.
	Host string

	// SweepInterval for expired deferreds and locks. Defaults to one
	// minute.
	SweepInterval time.Duration
}

// Server is an in-process concourse server.
type Server struct {
	cfg     Config
	store   *sqlite.Store
	hub     *ws.Hub
	sweeper *sqlite.Sweeper
	http    *http.Server
	started bool
	mu      sync.Mutex
}

// New builds an embedded server without auth; it binds to localhost so
// the middleware-free router is only reachable from the same host.
func New(cfg Config) (*Server, error) {
	return build(cfg, nil)
}

// NewWithAuth builds an embedded server with API key auth loaded from
// the environment's keys file.
func NewWithAuth(cfg Config) (*Server, error) {
	keyring, err := auth.LoadKeyringFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}
	return build(cfg, auth.Middleware(keyring))
}

func build(cfg Config, middleware func(http.Handler) http.Handler) (*Server, error) {
	if cfg.DBPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getwd: %w", err)
		}
		cfg.DBPath, err = sqlite.ResolveDBPath(cwd)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 7438
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	hub := ws.NewHub()
	svc := httpapi.NewService(sqlite.NewResilient(store)).WithBroadcaster(hub)
	router := httpapi.NewRouter(svc, hub.Handler(), middleware)

	return &Server{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		sweeper: sqlite.NewSweeper(store, cfg.SweepInterval),
		http: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
	}, nil
}

// Start launches the server in a goroutine and returns once it is
// accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.sweeper.Start(context.Background())
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "concourse server error: %v\n", err)
		}
	}()

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)
	return nil
}

// Stop shuts the server down gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.http.Addr)
}

// Store exposes the underlying store for direct in-process access, for
// example to open mailboxes or take locks without going through HTTP.
func (s *Server) Store() *sqlite.Store {
	return s.store
}
