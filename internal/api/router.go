package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/boardroom/internal/app"
	"github.com/charlesng35/boardroom/internal/handlers"
	"github.com/charlesng35/boardroom/internal/middleware"
)

// Dependencies carries the services the HTTP surface exposes.
type Dependencies struct {
	Store      handlers.Pinger
	Whiteboard *handlers.WhiteboardHandler
}

// NewRouter builds the Gin engine, wires middleware and registers the health,
// metrics and websocket routes.
func NewRouter(cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store must be provided")
	}
	if deps.Whiteboard == nil {
		return nil, fmt.Errorf("whiteboard handler must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	r.GET("/health", handlers.Health(deps.Store))

	// Connection attempts are limited per IP; events on an open channel have
	// their own limiter.
	r.GET("/ws",
		middleware.RateLimit(cfg.Realtime.ConnectRate, cfg.Realtime.ConnectBurst, 10*time.Minute),
		deps.Whiteboard.Stream,
	)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
