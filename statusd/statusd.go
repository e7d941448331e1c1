// Package statusd serves a small local HTTP surface for a running role:
// liveness, a state snapshot, and the prometheus collectors.
package statusd

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/metrics"
)

const prefix = "statusd"

// StatusFunc snapshots one role. It is called from HTTP goroutines.
type StatusFunc func() interface{}

// Server is the status endpoint
type Server struct {
	addr    string
	router  *gin.Engine
	started time.Time

	mu    sync.RWMutex
	roles map[string]StatusFunc
}

// New builds a server for addr with its routes registered
func New(addr string) *Server {
	metrics.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger.Zerolog()))

	s := &Server{
		addr:    addr,
		router:  r,
		started: time.Now(),
		roles:   make(map[string]StatusFunc),
	}
	s.registerRoutes()
	return s
}

// Register adds a role to /status, replacing any earlier one of that name
func (s *Server) Register(role string, fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = fn
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"roles": s.snapshot()})
	})

	s.router.GET("/status/:role", func(c *gin.Context) {
		s.mu.RLock()
		fn, ok := s.roles[c.Param("role")]
		s.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown role " + c.Param("role")})
			return
		}
		c.JSON(http.StatusOK, fn())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) snapshot() map[string]interface{} {
	s.mu.RLock()
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		s.mu.RLock()
		fn := s.roles[name]
		s.mu.RUnlock()
		if fn != nil {
			out[name] = fn()
		}
	}
	return out
}

// Serve listens on the configured address until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info(prefix, "📊 Status server on http://%s", ln.Addr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := log.Debug()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}
