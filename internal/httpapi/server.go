// Package httpapi exposes the credit ledger over HTTP for the surrounding
// services: admissions, payment events, job status callbacks, and account
// reads. Callers authenticate with a shared-secret bearer token; end-user
// authentication lives upstream.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelforge/creditd/pkg/ledger"
)

// Config carries the HTTP server settings.
type Config struct {
	ListenAddr     string
	Mode           string
	AllowedOrigins []string
	AuthSecret     string
}

// Server wires the ledger service to the gin router.
type Server struct {
	cfg     Config
	service *ledger.Service
	logger  *zap.Logger
	engine  *gin.Engine
}

// NewServer builds the router and returns a server ready to Run.
func NewServer(cfg Config, service *ledger.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, service: service, logger: logger}
	server.engine = server.setupRouter()
	return server
}

// Router exposes the underlying engine for tests and embedding.
func (server *Server) Router() *gin.Engine {
	return server.engine
}

func (server *Server) setupRouter() *gin.Engine {
	if server.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", server.handleHealthz)

	api := router.Group("/v1")
	api.GET("/accounts/:account_id/balance", server.handleBalance)
	api.GET("/accounts/:account_id/entries", server.handleEntries)
	api.GET("/jobs/:job_id", server.handleJob)

	mutating := api.Group("")
	mutating.Use(requireAuth(server.cfg.AuthSecret))
	mutating.POST("/accounts", server.handleProvision)
	mutating.POST("/accounts/:account_id/status", server.handleAccountStatus)
	mutating.POST("/admissions", server.handleAdmission)
	mutating.POST("/payment-events", server.handlePaymentEvent)
	mutating.POST("/jobs/:job_id/status", server.handleJobStatus)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
