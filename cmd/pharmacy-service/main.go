package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/consumers"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/handler"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/service"
	"github.com/medflow/medflow-pharmacy/pkg/config"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/httputil"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/spf13/cobra"
)

const serviceName = "pharmacy-service"

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Pharmacy inventory and batch stock ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(alertsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, catalog consumer and alert scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// services is the wired pharmacy core shared by the server and the CLI
type services struct {
	products  *repository.ProductRepository
	batches   *service.BatchService
	stock     *service.StockService
	movements *service.MovementService
	dispense  *service.DispenseService
	ledger    *service.Ledger
	alerts    *service.AlertService
}

func newServices(db *database.DB, publisher *events.PharmacyEventPublisher, cfg *config.Config, log *logger.Logger) *services {
	alertCfg := service.AlertConfig{
		LowStockDefaultThreshold: cfg.Pharmacy.LowStockDefaultThreshold,
		ExpiryWarningDays:        cfg.Pharmacy.ExpiryWarningDays,
	}

	productRepo := repository.NewProductRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	ledger := service.NewLedger(db, txRepo, batchRepo, log)

	return &services{
		products:  productRepo,
		batches:   service.NewBatchService(db, productRepo, batchRepo, ledger, publisher, alertCfg, log),
		stock:     service.NewStockService(db, productRepo, batchRepo, txRepo, ledger, alertCfg, log),
		movements: service.NewMovementService(db, productRepo, batchRepo, txRepo, ledger, publisher, log),
		dispense:  service.NewDispenseService(db, productRepo, batchRepo, txRepo, ledger, publisher, alertCfg, log),
		ledger:    ledger,
		alerts:    service.NewAlertService(productRepo, batchRepo, alertCfg, log),
	}
}

func runServer() error {
	// Fails fast in production when required settings are missing
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Msg("starting Pharmacy Service")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	publisher, err := events.NewPharmacyEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	svc := newServices(db, publisher, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rmq.DeclareDeadLetterQueue(serviceName); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}
	productConsumer, err := consumers.NewProductEventConsumer(rmq, consumers.NewProductEventHandler(svc.products, log), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create catalog event consumer")
	}
	if err := productConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start catalog event consumer")
	}
	go rmq.Watch(ctx, productConsumer.Restart)

	var scheduler *service.AlertScheduler
	if cfg.Pharmacy.AlertsEnabled {
		scheduler = service.NewAlertScheduler(svc.alerts, db, publisher, cfg.Pharmacy.AlertSchedule, log)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start alert scheduler")
		}
	}

	pharmacyHandler := handler.NewPharmacyHandler(handler.Services{
		Batches:   svc.batches,
		Stock:     svc.stock,
		Ledger:    svc.ledger,
		Dispenser: svc.dispense,
		Movements: svc.movements,
		Alerts:    svc.alerts,
	}, cfg.Pharmacy.MaxPageSize, log)
	auth := httputil.NewAuthenticator(cfg.JWT, cfg.Auth, log)

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		dbHealth := db.Health(r.Context())
		mqHealth := rmq.Health()
		status := http.StatusOK
		if dbHealth["status"] != "up" || mqHealth["status"] != "up" {
			status = http.StatusServiceUnavailable
		}
		httputil.JSON(w, status, map[string]interface{}{
			"status":   http.StatusText(status),
			"service":  serviceName,
			"database": dbHealth,
			"rabbitmq": mqHealth,
		})
	})

	r.Route("/api/v1/pharmacy", pharmacyHandler.Routes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stops the consumer and the reconnect watcher
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}
