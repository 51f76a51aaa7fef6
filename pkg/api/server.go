// Package api exposes the HTTP surface of the test tracking service.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/a719584032-creator/testtrack/pkg/config"
	"github.com/a719584032-creator/testtrack/pkg/plan"
	"github.com/a719584032-creator/testtrack/pkg/store"
	"github.com/a719584032-creator/testtrack/pkg/timetoken"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	plans      plan.Service
	auditor    plan.Auditor
	tokens     *timetoken.Codec
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start initializes the store, seeds config data, and starts the HTTP
// server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.store.SeedUsers(ctx, s.cfg.Auth.Users); err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}

	s.tokens = timetoken.NewCodec(s.cfg.Attestation.Secret)
	s.plans = plan.NewService(s.log, s.store, s.tokens)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// Start the counter auditor after the API is listening.
	if s.cfg.Audit.Enabled {
		interval, err := s.cfg.AuditInterval()
		if err != nil {
			return err
		}

		s.auditor = plan.NewAuditor(
			s.log, s.store, interval, s.cfg.Audit.Concurrency,
		)

		if err := s.auditor.Start(ctx); err != nil {
			return fmt.Errorf("starting auditor: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.auditor != nil {
		if err := s.auditor.Stop(); err != nil {
			s.log.WithError(err).Warn("Auditor stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
