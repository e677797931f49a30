package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kflowerneat/internal/model"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the progress of a running training job over HTTP.
type Server struct {
	addr   string
	runID  string
	logger *slog.Logger
	router *gin.Engine

	mu     sync.RWMutex
	latest *model.GenerationRecord

	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

func New(addr, runID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, runID: runID, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealth)
	router.GET("/gate", s.handleGate)
	router.GET("/generations/latest", s.handleLatestGeneration)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ObserveGeneration makes record the one served by /gate and
// /generations/latest.
func (s *Server) ObserveGeneration(record model.GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record
	s.latest = &rec
}

func (s *Server) snapshot() (model.GenerationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return model.GenerationRecord{}, false
	}
	return *s.latest, true
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "run_id": s.runID, "generation": -1}
	if rec, ok := s.snapshot(); ok {
		body["generation"] = rec.Generation
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGate(c *gin.Context) {
	rec, ok := s.snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no generation completed yet"})
		return
	}
	c.JSON(http.StatusOK, rec.GateState)
}

func (s *Server) handleLatestGeneration(c *gin.Context) {
	rec, ok := s.snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no generation completed yet"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) Name() string {
	return "status"
}

// Start binds the listen address and serves in the background. Bind
// errors are returned directly.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("status server stopped", "err", err)
		}
	}()
	s.logger.Info("status server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	<-s.done
	s.httpServer = nil
	return err
}
