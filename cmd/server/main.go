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

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-re-milestones/internal/client"
	"github.com/pesio-ai/be-re-milestones/internal/handler"
	"github.com/pesio-ai/be-re-milestones/internal/platform/config"
	"github.com/pesio-ai/be-re-milestones/internal/platform/database"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/platform/middleware"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
	"github.com/pesio-ai/be-re-milestones/internal/scheduler"
	"github.com/pesio-ai/be-re-milestones/internal/service"
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
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Payment Milestones Service (RE-3)")

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

	// Initialize repositories
	phaseRepo := repository.NewPhaseProgressRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	planRepo := repository.NewPlanRepository(db)
	draftRepo := repository.NewDemandDraftRepository(db)

	// Connect to NATS (optional)
	var nc *nats.Conn
	var dispatcher service.NotificationDispatcher
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		dispatcher = client.NewNotificationPublisher(nc, cfg.NATS.NoticeSubject, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		dispatcher = client.NewLogDispatcher(log.Logger)
		log.Warn().Msg("NATS_URL not set; demand notices will only be logged")
	}

	// Initialize services
	draftService := service.NewDemandDraftService(draftRepo, dispatcher, log)
	engine := service.NewTriggerEngine(planRepo, phaseRepo, draftService, cfg.Engine.PaymentWindow, log)
	planService := service.NewPlanService(planRepo, templateRepo, engine, cfg.Engine.TimeLinkedInterval, log)
	progressService := service.NewProgressService(phaseRepo, log)
	catalog := service.NewTemplateCatalog(templateRepo, log)

	// Payment events
	var paymentSub *client.PaymentEventsSubscriber
	if nc != nil {
		paymentSub = client.NewPaymentEventsSubscriber(nc, engine, cfg.NATS.PaymentsSubject, cfg.NATS.QueueGroup, cfg.Server.RequestTimeout, log.Logger)
		if err := paymentSub.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe to payment events")
		}
	}

	// Periodic sweeps
	sched, err := scheduler.New(scheduler.Config{
		TimeLinked:  cfg.Engine.TimeLinkedCron,
		Overdue:     cfg.Engine.OverdueCron,
		NoticeRetry: cfg.Engine.NoticeRetryCron,
	}, engine, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure scheduler")
	}
	sched.Start()

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(progressService, catalog, planService, engine, draftService, log)
	mux := http.NewServeMux()
	httpHandler.Routes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
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
	go handler.WatchHealth(ctx, healthServer, db, cfg.Database.HealthCheck, log.Logger)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	sched.Stop(shutdownCtx)
	if paymentSub != nil {
		if err := paymentSub.Stop(); err != nil {
			log.Error().Err(err).Msg("Payment subscription drain failed")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	cancel()
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
