// Package server exposes the operational HTTP surface: health checks and a
// stats endpoint summarizing transport and dedup state.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/multiagent/ma/common/dedup"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

// Server wraps echo with graceful shutdown.
type Server struct {
	echo    *echo.Echo
	log     *logger.Logger
	name    string
	port    int
	tr      transport.Transport
	tracker *dedup.Tracker
	streams []string
}

// New creates the operational server.
func New(name string, port int, tr transport.Transport, tracker *dedup.Tracker, streams []string, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{
		echo:    e,
		log:     log,
		name:    name,
		port:    port,
		tr:      tr,
		tracker: tracker,
		streams: streams,
	}

	e.GET("/healthz", s.health)
	e.GET("/stats", s.stats)
	return s
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "name", s.name, "port", s.port)
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("http server stopped", "name", s.name)
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": s.name})
}

func (s *Server) stats(c echo.Context) error {
	ctx := c.Request().Context()

	type streamStats struct {
		Length int64                 `json:"length"`
		Groups []transport.GroupInfo `json:"groups,omitempty"`
	}

	streams := make(map[string]streamStats, len(s.streams))
	for _, stream := range s.streams {
		n, err := s.tr.XLen(ctx, stream)
		if err != nil {
			continue
		}
		groups, _ := s.tr.XInfoGroups(ctx, stream)
		streams[stream] = streamStats{Length: n, Groups: groups}
	}

	dedupStats := s.tracker.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"service": s.name,
		"streams": streams,
		"dedup": map[string]any{
			"entries": dedupStats.Entries,
			"oldest":  dedupStats.Oldest,
		},
	})
}
