// Package api wires the gin engine: routes, middleware and graceful
// shutdown of the relay's HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/teclab-ai/bitrelay/internal/api/handlers"
	"github.com/teclab-ai/bitrelay/internal/api/middleware"
	"github.com/teclab-ai/bitrelay/internal/logging"
	"github.com/teclab-ai/bitrelay/internal/registry"
	"github.com/teclab-ai/bitrelay/internal/usage"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// shutdown signal before the listener is torn down.
const shutdownTimeout = 10 * time.Second

// Options carries the server's collaborators and listen settings.
type Options struct {
	Host     string
	Port     int
	APIKey   string
	Registry *registry.Registry
	Counter  *usage.TokenCounter
	Tracker  *usage.Tracker
}

// Server is the relay's HTTP front.
type Server struct {
	httpServer *http.Server
}

// NewServer assembles the engine and routes.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		logging.GinLogrusRecovery(),
		logging.GinLogrusLogger(),
		middleware.CORS(),
		middleware.PrometheusMetrics(),
	)
	middleware.RegisterMetrics()

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", middleware.MetricsHandler())

	chat := handlers.NewChatHandler(opts.Registry, opts.Counter, opts.Tracker)
	models := handlers.NewModelsHandler(opts.Registry)

	v1 := engine.Group("/v1", middleware.BearerAuth(opts.APIKey))
	v1.POST("/chat/completions", chat.ChatCompletions)
	v1.GET("/models", models.ListModels)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Handler:           engine,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// returns. A listener failure surfaces immediately.
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
