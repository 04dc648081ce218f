package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/thetanil/matrixvault/internal/auth"
	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/matrix"
	"github.com/thetanil/matrixvault/internal/metrics"
)

const (
	// SessionHeader and SessionCookie carry the gate session id.
	SessionHeader = "X-Matrix-Session"
	SessionCookie = "matrix_session"

	shutdownTimeout = 30 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool

	// TrustedProxies are addresses or CIDR prefixes of reverse proxies whose
	// X-Forwarded-For header names the client.
	TrustedProxies []string
}

// ParseTrustedProxies turns addresses and CIDR prefixes into prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", e)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Server represents the matrixvault HTTP server
type Server struct {
	cfg      Config
	identity auth.IdentityProvider
	gate     *gate.Gate
	matrix   *matrix.Service
	metrics  *metrics.Metrics
	validate *validator.Validate
	log      *slog.Logger
	trusted  []netip.Prefix

	httpServer *http.Server
}

// New creates a new Server. m may be nil to disable /metrics.
func New(cfg Config, identity auth.IdentityProvider, g *gate.Gate, svc *matrix.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	trusted, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring trusted proxies", slog.Any("error", err))
		trusted = nil
	}
	return &Server{
		cfg:      cfg,
		identity: identity,
		gate:     g,
		matrix:   svc,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger,
		trusted:  trusted,
	}
}

// Handler builds the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	secure := auth.Middleware(s.identity, s.log)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, secure(h))
	}
	route("POST /secure/challenge", s.handleChallenge)
	route("POST /secure/unlock", s.handleUnlock)
	route("POST /secure/logout", s.handleLogout)
	route("GET /secure/matrix", s.handleView)
	route("POST /secure/cells", s.handleSetCell)
	route("DELETE /secure/cells/{row}/{col}", s.handleDeleteCell)
	route("POST /secure/cells/range", s.handleRange)
	route("POST /secure/matrix/save", s.handleSave)
	route("POST /secure/matrix/undo", s.handleUndo)
	route("POST /secure/matrix/redo", s.handleRedo)

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info("starting matrixvault server", slog.String("addr", ln.Addr().String()))
		serverErrors <- s.httpServer.Serve(ln)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.log.Info("received signal, starting graceful shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("context done, starting graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// Force close if graceful shutdown fails
		s.httpServer.Close()
		return fmt.Errorf("could not gracefully shutdown server: %w", err)
	}
	s.log.Info("server stopped gracefully")
	return nil
}

// loggingMiddleware logs all HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(start)))
		if s.metrics != nil {
			s.metrics.CountRequest(r.Method, wrapped.statusCode)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
