package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/videogen/imagine-gateway/internal/config"
	gwerrors "github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/health"
	"github.com/videogen/imagine-gateway/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server wraps the gateway with the public and admin HTTP servers
type Server struct {
	gateway     *Gateway
	config      *config.Config
	httpServer  *http.Server
	adminServer *http.Server

	listener      net.Listener
	adminListener net.Listener
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		httpServer: &http.Server{
			Handler:           gw.Handler(),
			ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
			IdleTimeout:       cfg.Listener.IdleTimeout,
			MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
			ErrorLog:          zap.NewStdLog(logging.Global()),
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Handler:           s.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the underlying gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Listen binds the public listener and, when enabled, the admin listener.
// It is synchronous so a bind failure surfaces before anything is served.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Listener.Address)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.config.Listener.Address, err)
	}
	s.listener = ln

	if s.adminServer != nil {
		aln, err := net.Listen("tcp", s.config.Admin.Address)
		if err != nil {
			ln.Close()
			return fmt.Errorf("binding admin %s: %w", s.config.Admin.Address, err)
		}
		s.adminListener = aln
	}
	return nil
}

// Addr returns the bound public address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address, or nil when admin is off.
func (s *Server) AdminAddr() net.Addr {
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// Run binds the listeners and serves until SIGINT or SIGTERM, then drains.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Serve(ctx)
}

// Serve serves on the bound listeners until ctx is cancelled or a server
// fails, then shuts down gracefully within the configured grace period.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Gateway listening", zap.String("address", s.listener.Addr().String()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("Admin listening", zap.String("address", s.adminListener.Addr().String()))
			if err := s.adminServer.Serve(s.adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return s.gateway.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.shutdown()
	})

	err := g.Wait()
	logging.Info("Server shutdown complete")
	return err
}

// shutdown stops accepting connections and waits up to the grace period for
// in-flight requests. Whatever is still running after that is cut off.
func (s *Server) shutdown() error {
	grace := s.config.Shutdown.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Warn("Grace period expired, closing remaining connections",
			zap.Duration("grace_period", grace),
			zap.Error(err),
		)
		s.httpServer.Close()
	}

	if err := s.gateway.Close(ctx); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
	}
	return nil
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", health.LivenessHandler())
	mux.Handle("GET /metrics", s.gateway.Metrics().Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /config", s.handleConfig)
	return mux
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	out, err := config.MarshalRedacted(s.config)
	if err != nil {
		logging.Error("Rendering config failed", zap.Error(err))
		gwerrors.ErrInternal.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(s.gateway.GetStats())
}
