package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tertulia/internal/config"
	"tertulia/internal/hub"
	"tertulia/internal/logging"
)

// Server is the HTTP layer: the WebSocket endpoint plus health and metrics
// routes on the same listener.
type Server struct {
	hub     *hub.Hub
	echo    *echo.Echo
	origins []string
}

// New wires the routes and middleware around a hub.
func New(h *hub.Hub, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logging.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Error(v.Error))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{
		hub:     h,
		echo:    e,
		origins: cfg.AllowedOrigins,
	}

	e.GET("/ws", s.handleWebSocket)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
		"rooms":    s.hub.RoomCount(),
	})
}

// Start listens on address and serves until Shutdown.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
