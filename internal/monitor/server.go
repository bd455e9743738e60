// Package monitor exposes a running calibration over HTTP: liveness,
// Prometheus metrics and the live reading board.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

type Server struct {
	Name    string
	Addr    string
	Started time.Time

	board  *Board
	router *gin.Engine
	http   *http.Server
}

// New builds the router with every route registered. Serve starts listening.
func New(name, addr string, corsOrigins []string, board *Board) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(name, observability.ComponentLogger("monitor")))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:    name,
		Addr:    addr,
		Started: time.Now(),
		board:   board,
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.Name,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		snap := s.board.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"ready":   s.board != nil,
			"phase":   snap.Phase,
			"run_id":  snap.RunID,
			"service": s.Name,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/readings", func(c *gin.Context) {
		if s.board == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run attached"})
			return
		}
		c.JSON(http.StatusOK, s.board.Snapshot())
	})

	s.router.GET("/readings/:instrument/:channel", func(c *gin.Context) {
		key := c.Param("instrument") + "/" + c.Param("channel")
		entry, ok := s.board.Snapshot().Latest[key]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no reading for " + key})
			return
		}
		c.JSON(http.StatusOK, entry)
	})
}

// Serve listens until ctx is done, then shuts down with a short grace period.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("monitor.Server.Serve listening name=%s addr=%s", s.Name, s.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logging.Debugf("monitor.Server.Serve stopped name=%s", s.Name)
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
