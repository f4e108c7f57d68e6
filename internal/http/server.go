package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Server wraps the engine in an http.Server with the configured timeouts and
// a graceful drain on shutdown.
type Server struct {
	log *logger.Logger
	srv *http.Server

	shutdownTimeout time.Duration
}

func NewServer(log *logger.Logger, httpCfg config.HTTPConfig, cfg RouterConfig) *Server {
	engine := NewRouter(cfg)
	return &Server{
		log: log.With("service", "HTTPServer"),
		srv: &http.Server{
			Addr:              httpCfg.Addr,
			Handler:           engine,
			ReadHeaderTimeout: httpCfg.ReadHeaderTimeout.Duration,
			IdleTimeout:       httpCfg.IdleTimeout.Duration,
		},
		shutdownTimeout: httpCfg.ShutdownTimeout.Duration,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown timeout. The listen error, if any, is returned.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown did not drain cleanly", "error", err)
	}
	return <-errCh
}
