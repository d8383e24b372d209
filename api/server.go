// Package api exposes the payment pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kazipay/kazipay/internal/config"
	"github.com/kazipay/kazipay/internal/ledger"
	"github.com/kazipay/kazipay/internal/settlement"
)

// Server represents the API server
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	logger       *zap.Logger
	orchestrator *settlement.Orchestrator
	ledger       ledger.Ledger
}

// NewServer creates a new API server around the settlement orchestrator
func NewServer(logger *zap.Logger, orchestrator *settlement.Orchestrator, ledgerSvc ledger.Ledger) *Server {
	server := &Server{
		logger:       logger,
		orchestrator: orchestrator,
		ledger:       ledgerSvc,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start(cfg config.ServerConfig) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)

		payments := v1.Group("/payments")
		{
			payments.POST("/quote", s.quote)
			payments.POST("", s.createPayment)
			payments.GET("", s.listPayments)
			payments.GET("/:id", s.getPayment)
		}

		webhooks := v1.Group("/webhooks/mpesa")
		{
			webhooks.POST("/result/:id", s.mpesaResult)
			webhooks.POST("/timeout/:id", s.mpesaTimeout)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
