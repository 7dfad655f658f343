// Package api wires the HTTP surface of the lending engine: REST routes for
// loans, scans, settlement, and access grants, plus the websocket
// subscription endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/handler"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/config"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/engine"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/qrtoken"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/realtime"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/settlement"
	"github.com/gin-gonic/gin"
)

// Server handles HTTP requests and manages the application's lifecycle
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	httpRouter *gin.Engine
}

// NewServer creates and configures a new HTTP server with the given services
func NewServer(
	log *slog.Logger,
	cfg *config.Config,
	eng *engine.Engine,
	controller *engine.AccessController,
	tokens *qrtoken.Service,
	settlements *settlement.Service,
	hub *realtime.Hub,
) *Server {
	if cfg.Application.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	httpRouter := gin.New()

	loanHandler := handler.NewLoanHandler(log, eng)
	scanHandler := handler.NewScanHandler(log, tokens)
	paymentHandler := handler.NewPaymentHandler(log, settlements)
	accessHandler := handler.NewAccessHandler(log, controller)
	wsHandler := handler.NewWSHandler(log, hub)

	setupRouter(log, cfg, httpRouter, loanHandler, scanHandler, paymentHandler, accessHandler, wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		logger:     log,
		httpServer: httpServer,
		httpRouter: httpRouter,
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server with a timeout
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.httpServer.WriteTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	return nil
}
