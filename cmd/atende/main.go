package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atendelab/atende-backend/internal/config"
	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/handler"
	"github.com/atendelab/atende-backend/internal/infra/cache"
	"github.com/atendelab/atende-backend/internal/infra/gormstore"
	"github.com/atendelab/atende-backend/internal/infra/messaging"
	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/infra/postgrest"
	"github.com/atendelab/atende-backend/internal/infra/provider"
	"github.com/atendelab/atende-backend/internal/infra/resilience"
	"github.com/atendelab/atende-backend/internal/port"
	"github.com/atendelab/atende-backend/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("pix_poll_interval", cfg.PixPollInterval),
		zap.Duration("card_poll_interval", cfg.CardPollInterval),
		zap.Duration("discount_debounce", cfg.DiscountDebounce),
		zap.Bool("terminal_enabled", cfg.TerminalEnabled),
		zap.String("receipt_mode", cfg.ReceiptMode),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "atende-backend")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Cache ---
	appointmentCache := cache.New[*domain.Appointment](cfg.CacheTTL)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	storeCB := resilience.NewCircuitBreaker("store")
	providerCB := resilience.NewCircuitBreaker("payment-provider")

	// --- Stores ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var attendanceStore port.AttendanceStore
	var checkoutStore port.CheckoutStore

	switch cfg.StoreBackend {
	case "postgres":
		logger.Info("using direct Postgres as data backend")
		gormStore, err := gormstore.Open(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Fatal("failed to open postgres store", zap.Error(err))
		}
		attendanceStore = gormStore
		checkoutStore = gormStore
	default:
		if cfg.RestStoreURL == "" {
			logger.Fatal("REST_STORE_URL is required for the rest store backend")
		}
		logger.Info("using PostgREST as data backend", zap.String("url", cfg.RestStoreURL))
		restStore := postgrest.NewClient(
			httpClient,
			cfg.RestStoreURL,
			cfg.RestStoreAnonKey,
			cfg.RestStoreServiceKey,
			storeCB,
			resilienceCfg,
			logger,
		)
		attendanceStore = restStore
		checkoutStore = restStore
	}

	// --- Payment provider gateways ---
	providerClient := provider.NewClient(httpClient, cfg.ProviderAPIURL, cfg.ProviderAPIKey, providerCB, resilienceCfg, logger)
	pixGateway := provider.NewPixGateway(providerClient)
	terminalGateway := provider.NewTerminalGateway(providerClient)

	// --- Receipt sender ---
	var receipts port.ReceiptSender
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && cfg.TwilioWhatsAppFrom != "" {
		logger.Info("whatsapp receipts enabled")
		receipts = messaging.NewWhatsAppSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom, attendanceStore, logger)
	} else {
		logger.Warn("twilio not configured, receipts disabled")
		receipts = messaging.NewNoopSender(logger)
	}

	// --- Services ---
	attendanceSvc := service.NewAttendanceService(attendanceStore, appointmentCache, metrics, logger)

	engine := service.NewCheckoutEngine(
		checkoutStore,
		attendanceStore,
		pixGateway,
		terminalGateway,
		receipts,
		metrics,
		logger,
		service.EngineConfig{
			Billing: domain.BillingConfig{
				PixKey:          cfg.PixKey,
				PixKeyType:      cfg.PixKeyType,
				MerchantName:    cfg.MerchantName,
				MerchantCity:    cfg.MerchantCity,
				TerminalEnabled: cfg.TerminalEnabled,
				ReceiptMode:     domain.ReceiptMode(cfg.ReceiptMode),
			},
			PixPollInterval:  cfg.PixPollInterval,
			CardPollInterval: cfg.CardPollInterval,
			DiscountDebounce: cfg.DiscountDebounce,
			PollTimeout:      cfg.PollTimeout,
		},
	)
	engine.OnResolved(func(ctx context.Context, ev domain.ResolvedEvent) {
		if err := attendanceSvc.HandleCheckoutResolved(ctx, ev); err != nil {
			logger.Error("checkout resolution propagation failed",
				zap.String("appointment_id", ev.AppointmentID),
				zap.Error(err),
			)
		}
	})

	// --- Charge expiry sweeper ---
	sweeper, err := service.NewSweeper(engine, logger)
	if err != nil {
		logger.Fatal("failed to init sweeper", zap.Error(err))
	}
	sweeper.Start()

	// --- Router ---
	router := handler.NewRouter(attendanceSvc, engine, metrics, cfg.JWTSecret, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	sweeper.Stop()
	engine.Close()

	logger.Info("server stopped")
}
