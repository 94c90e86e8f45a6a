// Package server runs the HTTP(S) listener in front of the ingestion handler.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scottbrown/hecbridge/internal/acl"
	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/metrics"
)

// HealthPath is where HEC clients check collector health.
const HealthPath = "/services/collector/health"

// Config contains server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	CollectorPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// Server is the ingestion listener.
type Server struct {
	config Config
	acl    atomic.Pointer[acl.List]
	audit  *audit.Logger
	http   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server that routes CollectorPath to ingest and HealthPath to
// health. aclList and auditLog may be nil.
func New(cfg Config, aclList *acl.List, ingest, health http.Handler, auditLog *audit.Logger) (*Server, error) {
	if cfg.CollectorPath == "" {
		return nil, errors.New("collector path is required")
	}
	if ingest == nil {
		return nil, errors.New("ingest handler is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}

	s := &Server{config: cfg, audit: auditLog}
	s.acl.Store(aclList)

	mux := http.NewServeMux()
	mux.Handle(cfg.CollectorPath, ingest)
	if health != nil {
		mux.Handle(HealthPath, health)
		mux.Handle(HealthPath+"/1.0", health)
	}

	s.http = &http.Server{
		Handler:           s.guard(mux),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the routed handler with access control applied.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// UpdateACL swaps the access list. Safe to call while serving.
func (s *Server) UpdateACL(l *acl.List) {
	s.acl.Store(l)
	slog.Info("server access list updated", "allowed_cidrs", l.String())
}

// guard rejects peers outside the access list. The check uses the socket
// peer, never X-Forwarded-For.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := s.acl.Load()
		if list != nil && !list.AllowsRemoteAddr(r.RemoteAddr) {
			metrics.IngestRequests.Add("denied", 1)
			slog.Warn("request denied by ACL", "client_addr", r.RemoteAddr)
			_ = s.audit.Log(audit.Event{
				EventType: audit.EventRequestRejected,
				Success:   false,
				Actor:     r.RemoteAddr,
				Resource:  r.URL.Path,
				Action:    "connect",
				Result:    "denied",
				Details:   map[string]any{"reason": "address not in allowed_cidrs"},
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"text":"Forbidden","code":3}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Listen binds the listen address, wrapping it in TLS when a certificate is
// configured.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	tlsEnabled := s.config.TLSCertFile != "" && s.config.TLSKeyFile != ""
	if tlsEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("server listening", "addr", ln.Addr().String(), "tls_enabled", tlsEnabled, "path", s.config.CollectorPath)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks serving requests until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
