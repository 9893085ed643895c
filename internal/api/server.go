// Package api serves the HTTP surface: inbound customer messages, payment
// provider webhooks and the ops endpoints that drive runs and payments.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
	"github.com/lucasnoah/leadflow/internal/payment"
)

// Deps are the services the server routes to.
type Deps struct {
	DB           *db.DB
	Orchestrator *orchestrator.Orchestrator
	Saga         *payment.Saga
	Reconciler   *payment.Reconciler
	Server       config.Server
	Logger       zerolog.Logger
}

// Server is the leadflow HTTP server.
type Server struct {
	db     *db.DB
	orch   *orchestrator.Orchestrator
	saga   *payment.Saga
	recon  *payment.Reconciler
	cfg    config.Server
	log    zerolog.Logger
	router *gin.Engine

	now func() time.Time
}

// NewServer builds the router.
func NewServer(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		db:     d.DB,
		orch:   d.Orchestrator,
		saga:   d.Saga,
		recon:  d.Reconciler,
		cfg:    d.Server,
		log:    d.Logger.With().Str("component", "api").Logger(),
		router: router,
		now:    time.Now,
	}

	router.Use(requestID(), s.accessLog(), s.recovery())

	router.GET("/healthz", s.handleHealth)
	router.POST("/webhooks/payments", s.handleWebhook)

	v1 := router.Group("/api/v1", s.requireToken())
	{
		v1.POST("/messages", s.handleMessage)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/runs/:id/steps", s.handleSteps)

		ops := v1.Group("", requireActor())
		ops.POST("/runs", s.handleCreateRun)
		ops.POST("/runs/:id/advance", s.handleAdvance)
		ops.POST("/runs/:id/approve", s.handleApprove)
		ops.POST("/runs/:id/override", s.handleOverride)
		ops.POST("/jobs/:id/complete", s.handleCompleteJob)
		ops.POST("/payments/decisions/:id/compensate", s.handleCompensate)
	}

	return s
}

// Handler exposes the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains for up to ten
// seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http: %w", err)
		}
		return nil
	}
}
