package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/config"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/data/mongo"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/data/postgres"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/token"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/engine"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/logger"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/messaging/consumers"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/messaging/producers"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/qrtoken"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/realtime"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/scheduler"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/settlement"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	// Initialize configuration
	cfg, err := config.LoadConfig("lending_engine")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg)

	log.Info("Starting Lending Engine",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

	// Initialize databases with app context
	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	loanRepo := postgres.NewLoanRepository(log, postgresDB)
	accessRepo := postgres.NewAccessRepository(log, postgresDB)
	documentRepo := postgres.NewDocumentRepository(log, postgresDB)
	claimRepo := postgres.NewTokenClaimRepository(log, postgresDB)
	outboxRepo := postgres.NewOutboxRepository(log, postgresDB)
	paymentRepo := mongo.NewPaymentRepository(log, mongoDB.Database())
	if err := paymentRepo.EnsureIndexes(appCtx); err != nil {
		log.Error("Failed to create payment ledger indexes", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka producers
	notificationProducer, err := producers.NewNotificationProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize notification Kafka producer", "error", err)
		os.Exit(1)
	}

	dlqProducer, err := producers.NewDLQProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}
	// dlqProducer might be nil if DLQTopic is not configured. Handler is nil-safe.

	// Initialize Kafka consumer for scheduler timeout commands
	kafkaConsumer := consumers.NewKafkaConsumer(appCtx, log, &cfg.Kafka)

	// Initialize core services
	eng := engine.NewEngine(
		log,
		postgresDB,
		loanRepo,
		documentRepo,
		outboxRepo,
		cfg.Lending.FineDailyRate,
		cfg.Lending.LoanPeriod,
	)
	accessController := engine.NewAccessController(log, postgresDB, accessRepo, outboxRepo)
	tokenService := qrtoken.NewService(
		log,
		token.NewCodec([]byte(cfg.QRToken.Secret)),
		cfg.QRToken.TTL,
		postgresDB,
		loanRepo,
		claimRepo,
		eng,
	)
	settlementService := settlement.NewService(log, postgresDB, loanRepo, outboxRepo, paymentRepo)

	// Initialize realtime fan-out
	hub := realtime.NewHub(log)
	dispatcher, err := realtime.NewDispatcher(
		log,
		&cfg.Outbox,
		cfg.WorkerPool.Size,
		outboxRepo,
		hub,
		notificationProducer,
	)
	if err != nil {
		log.Error("Failed to initialize event dispatcher", "error", err)
		os.Exit(1)
	}

	// Initialize lifecycle sweeper
	sweeper := engine.NewSweeper(
		log,
		eng,
		postgresDB,
		accessRepo,
		outboxRepo,
		cfg.Lending.ReservationWindow,
		cfg.Sweep.Interval,
		cfg.Sweep.BatchSize,
	)

	// Initialize scheduler timeout handler. A disabled DLQ must wire as a nil
	// interface, not a typed nil pointer, for the handler's nil check to hold.
	var dlqPublisher producers.DeadLetterPublisher
	if dlqProducer != nil {
		dlqPublisher = dlqProducer
	}
	timeoutHandler := scheduler.NewTimeoutHandler(log, eng, dlqPublisher)

	// Initialize REST server
	server := api.NewServer(log, cfg, eng, accessController, tokenService, settlementService, hub)
	log.Info("REST server initialized")

	// Create error channel for service errors
	errChan := make(chan error, 2)

	// Create wait group for graceful shutdown
	var wg sync.WaitGroup

	// Start websocket hub
	go hub.Run()

	// Start event dispatcher in a goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(appCtx)
	}()

	// Start lifecycle sweeper
	sweeper.Start(appCtx)

	// Start Kafka consumer for timeout commands
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting Kafka consumer",
			"topic", cfg.Kafka.TimeoutTopic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		if err := kafkaConsumer.Subscribe(appCtx, cfg.Kafka.TimeoutTopic, cfg.Kafka.ConsumerGroup, timeoutHandler.HandleMessage); err != nil {
			errChan <- fmt.Errorf("kafka consumer error: %w", err)
		}
	}()

	// Start HTTP server in a goroutine
	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Set up signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for a shutdown signal or error
	var serviceErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Service error occurred", "error", err)
		serviceErr = err
	}

	// Cancel the application context
	cancelAppCtx()

	// Create a shutdown context with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Graceful shutdown sequence
	log.Info("Starting graceful shutdown...")

	// Shutdown HTTP server first so no new work arrives
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	// Stop background workers
	sweeper.Stop()
	dispatcher.Shutdown()
	hub.Stop()

	// Wait for remaining goroutines to finish
	log.Info("Waiting for services to stop...")
	wgChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(wgChan)
	}()

	select {
	case <-wgChan:
		log.Info("All services stopped successfully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	// Close Kafka consumer and producers
	if err = kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
	}
	if err = notificationProducer.Close(); err != nil {
		log.Error("Error closing notification Kafka producer", "error", err)
	}
	if dlqProducer != nil { // dlqProducer can be nil if DLQTopic was not configured
		if err = dlqProducer.Close(); err != nil {
			log.Error("Error closing DLQ Kafka producer", "error", err)
		}
	}

	// Shutdown postgres connection pool
	postgresDB.Close()

	// Close MongoDB connection
	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	// Final status
	if serviceErr != nil {
		log.Error("Lending Engine shutdown with errors", "error", serviceErr)
	}
	if err != nil {
		log.Error("Lending Engine shutdown completed with errors")
	} else {
		log.Info("Lending Engine shutdown completed successfully")
	}
}
