package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pesio-ai/be-dms-letters/internal/client"
	"github.com/pesio-ai/be-dms-letters/internal/config"
	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/handler"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/pdf"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/service"
	"github.com/pesio-ai/be-dms-letters/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting DMS Letters Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize document store
	documents, err := newDocumentStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize document store")
	}
	log.Info().
		Str("driver", cfg.Storage.Driver).
		Str("bucket", cfg.Storage.Bucket).
		Msg("Document store initialized")

	// Initialize messaging clients. Both are optional; without them
	// notifications are dropped.
	var events service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, js, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		events = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher initialized")
	} else {
		log.Warn().Msg("NATS_URL not set, in-app notifications disabled")
	}

	var emails service.EmailQueue
	if cfg.RabbitMQ.URL != "" {
		ep, err := client.NewEmailPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.EmailQueue, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer ep.Close()
		emails = ep
		log.Info().Str("queue", cfg.RabbitMQ.EmailQueue).Msg("Email publisher initialized")
	} else {
		log.Warn().Msg("RABBITMQ_URL not set, email notifications disabled")
	}

	rdb := client.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log.Logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// Initialize repositories
	users := client.NewCachedUserDirectory(repository.NewUserRepository(db), rdb, cfg.Redis.UserCacheTTL, log.Logger)

	// Initialize PDF pipeline
	manipulator := pdf.NewManipulator(
		pdf.NewPdfcpuRenderer(),
		pdf.NewStoreFetcher(documents, nil),
		log.Logger,
	)

	dispatcher := service.NewDispatcher(events, emails, users, log.WithField("component", "notifications"))

	deps := service.Dependencies{
		DB:            db,
		Tx:            db,
		Letters:       repository.NewLetterRepository(),
		Reviewers:     repository.NewLetterReviewerRepository(),
		ActionLogs:    repository.NewLetterActionLogRepository(),
		Templates:     repository.NewTemplateRepository(),
		Files:         repository.NewFileRepository(),
		Activity:      repository.NewActivityLogRepository(),
		Users:         users,
		Documents:     documents,
		PDF:           manipulator,
		QR:            pdf.NewQREncoder(0),
		Renderer:      client.NewHTTPTemplateRenderer(cfg.Renderer.BaseURL, cfg.Renderer.Timeout),
		Notifier:      dispatcher,
		PublicBaseURL: cfg.Public.BaseURL,
		PresignTTL:    cfg.Storage.PresignTTL,
	}

	// Initialize services
	creationService := service.NewLetterCreationService(deps, log)
	workflowService := service.NewLetterWorkflowService(deps, log)
	accessService := service.NewLetterAccessService(deps, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(creationService, workflowService, accessService, log)
	e := handler.NewEcho(httpHandler, cfg.JWT.Secret, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer, healthServer := handler.NewGRPCServer(log.Logger)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.SetServingStatus(handler.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	// Let in-flight notifications finish before brokers close
	waitWithTimeout(dispatcher.Wait, 10*time.Second)

	log.Info().Msg("Server stopped")
}

// newDocumentStore builds the configured storage backend.
func newDocumentStore(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStore, error) {
	switch cfg.Driver {
	case "minio":
		return storage.NewMinIOStore(storage.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// waitWithTimeout runs wait and gives up after d.
func waitWithTimeout(wait func(), d time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
