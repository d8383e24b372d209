package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kazipay/kazipay/api"
	"github.com/kazipay/kazipay/internal/config"
	"github.com/kazipay/kazipay/internal/connector"
	"github.com/kazipay/kazipay/internal/database"
	"github.com/kazipay/kazipay/internal/disbursement"
	"github.com/kazipay/kazipay/internal/ledger"
	"github.com/kazipay/kazipay/internal/quote"
	"github.com/kazipay/kazipay/internal/settlement"
	"github.com/kazipay/kazipay/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to the database and run migrations
	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Create services
	ledgerSvc, err := ledger.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create ledger service", zap.Error(err))
	}

	quoteEngine := quote.NewEngine(cfg.Pricing)
	connectorClient := connector.NewHTTPClient(cfg.Connector, zapLogger)
	mpesaClient := disbursement.NewMpesaClient(cfg.Mpesa, zapLogger)

	orchestrator := settlement.NewOrchestrator(
		zapLogger, quoteEngine, ledgerSvc, connectorClient, mpesaClient, cfg.Connector)

	// Create and start the API server
	server := api.NewServer(zapLogger, orchestrator, ledgerSvc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server)
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zapLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Graceful shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server stopped")
}
