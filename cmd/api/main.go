package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/kejapay/kejapay/internal/config"
	"github.com/kejapay/kejapay/internal/events"
	"github.com/kejapay/kejapay/internal/handler"
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/middleware"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/repository"
	"github.com/kejapay/kejapay/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("kejapay-api", cfg.LogLevel, cfg.AppEnv)

	db, err := repository.NewPostgresDB(context.Background(), cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	transactionRepo := repository.NewTransactionRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	eventRepo := repository.NewTransactionEventRepository(db)

	gatewayTimeout := time.Duration(cfg.GatewayTimeoutS) * time.Second
	registry := provider.NewRegistry(
		provider.NewMpesa(provider.MpesaConfig{
			BaseURL:       cfg.MpesaBaseURL,
			Shortcode:     cfg.MpesaShortcode,
			CallbackURL:   cfg.CallbackBaseURL + "/mpesa",
			CallbackToken: cfg.MpesaCallbackToken,
			Timeout:       gatewayTimeout,
		}),
		provider.NewBank(provider.BankConfig{
			BaseURL:       cfg.BankBaseURL,
			CallbackURL:   cfg.CallbackBaseURL + "/bank",
			WebhookSecret: cfg.BankWebhookSecret,
			Timeout:       gatewayTimeout,
		}),
		provider.NewCard(provider.CardConfig{
			BaseURL:       cfg.CardBaseURL,
			CallbackURL:   cfg.CallbackBaseURL + "/card",
			WebhookSecret: cfg.CardWebhookSecret,
			Timeout:       gatewayTimeout,
		}),
	)

	var processor *service.Processor
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		processor = service.NewProcessor(transactionRepo, paymentRepo, invoiceRepo, eventRepo, registry, publisher, db)
	} else {
		slog.Warn("KAFKA_BROKERS not set, settlement events disabled")
		processor = service.NewProcessor(transactionRepo, paymentRepo, invoiceRepo, eventRepo, registry, nil, db)
	}
	paymentService := service.NewPaymentService(transactionRepo, eventRepo, registry, db)
	reconciler := service.NewReconciler(
		transactionRepo,
		processor,
		registry,
		logger,
		time.Duration(cfg.ReconIntervalS)*time.Second,
		time.Duration(cfg.ReconGracePeriodS)*time.Second,
		cfg.ReconMaxAttempts,
		cfg.ReconBatchSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconciler.Start(ctx)

	healthHandler := handler.NewHealthHandler(db)
	webhookHandler := handler.NewWebhookHandler(processor, registry)
	paymentHandler := handler.NewPaymentHandler(paymentService, processor)

	authn := middleware.Auth(cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)

	mux.HandleFunc("POST /webhooks/{provider}", webhookHandler.ReceiveCallback)

	mux.Handle("POST /api/v1/payments", authn(http.HandlerFunc(paymentHandler.Initiate)))
	mux.Handle("GET /api/v1/payments/{id}", authn(http.HandlerFunc(paymentHandler.Get)))
	mux.Handle("POST /api/v1/payments/{id}/reverse", authn(http.HandlerFunc(paymentHandler.Reverse)))
	mux.Handle("POST /api/v1/payments/link-lease", authn(http.HandlerFunc(paymentHandler.LinkLease)))

	chain := middleware.Tracing(middleware.Logging(middleware.Recovery(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
