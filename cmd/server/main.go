package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/database"
	"github.com/creatorpay/backend/internal/handlers"
	mW "github.com/creatorpay/backend/internal/middleware"
	"github.com/creatorpay/backend/internal/services"
	"github.com/creatorpay/backend/internal/vault"
)

// @title Creator Payments API
// @version 1.0
// @description Ledger, payout and settlement core for the creator platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("encryption.key", "ENCRYPTION_KEY")
	viper.BindEnv("encryption.passphrase", "ENCRYPTION_PASSPHRASE")
	viper.BindEnv("encryption.salt", "ENCRYPTION_SALT")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("payout.min_threshold_cents", "PAYOUT_MIN_THRESHOLD_CENTS")
	viper.BindEnv("payout.currency", "PAYOUT_CURRENCY")
	viper.BindEnv("payout.interval", "PAYOUT_INTERVAL")
	viper.BindEnv("payout.reprocess_interval", "PAYOUT_REPROCESS_INTERVAL")
	viper.BindEnv("fees.basis_points", "FEE_BASIS_POINTS")
	viper.BindEnv("fees.fixed_cents", "FEE_FIXED_CENTS")

	cfg := config.Load()

	db := database.InitDatabase(&cfg.Database)
	defer db.Close()

	redisClient := database.InitRedis(&cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Bank data encryption must be configured before anything else runs.
	v, err := vault.New(&cfg.Encryption)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	auditLog := audit.NewLogger(db)
	ledgerService := services.NewLedgerService(db)
	entitlementService := services.NewEntitlementService(db, ledgerService, auditLog, &cfg.Fees)
	ingestionService := services.NewIngestionService(db, entitlementService, auditLog)
	settingsService := services.NewSettingsService(db, ledgerService, v, auditLog, &cfg.Payout)
	payoutService := services.NewPayoutService(db, ledgerService, auditLog, &cfg.Payout)
	sepaService := services.NewSEPAService(db, v, &cfg.Payout)
	reconciliationService := services.NewReconciliationService(payoutService, auditLog)
	earningsService := services.NewEarningsService(db, ledgerService, redisClient, &cfg.Payout)

	webhookHandler := handlers.NewWebhookHandler(ingestionService, &cfg.Webhook)
	payoutHandler := handlers.NewPayoutHandler(payoutService, reconciliationService, sepaService, ingestionService)

	authMiddleware := mW.NewAuthMiddleware(&cfg.JWT)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Processor webhook: authenticated by HMAC signature, not JWT.
		r.Post("/webhooks/payments", webhookHandler.HandlePaymentEvent)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Get("/earnings", earningsService.GetEarnings)
			r.Get("/earnings/history", earningsService.GetTransactionHistory)
			r.Get("/payout-settings", settingsService.GetPayoutSettings)
			r.Put("/payout-settings", settingsService.UpdatePayoutSettings)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/payout-settings/{creatorId}/verify", settingsService.VerifyPayoutSettings)
				r.Post("/payouts/generate", payoutHandler.GenerateBatch)
				r.Put("/payouts/{payoutId}/status", payoutHandler.UpdateStatus)
				r.Get("/payouts/{payoutId}/instruction", payoutHandler.BankInstruction)
				r.Get("/payouts/batches/{batchId}/export", payoutHandler.ExportBatch)
				r.Post("/payouts/reconcile", payoutHandler.Reconcile)
				r.Post("/events/reprocess", payoutHandler.ReprocessEvents)
			})
		})
	})

	rootCtx, stopSchedulers := context.WithCancel(context.Background())
	defer stopSchedulers()

	go runPayoutScheduler(rootCtx, payoutService, cfg.Payout.Interval)
	go runReprocessSweep(rootCtx, ingestionService, cfg.Payout.ReprocessInterval)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSchedulers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func runPayoutScheduler(ctx context.Context, payouts *services.PayoutService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := payouts.GenerateBatch(ctx)
			if err != nil {
				log.Printf("Scheduled payout generation failed: %v", err)
				continue
			}
			log.Printf("Payout batch %s: %d created, %d skipped below threshold, %d failed",
				summary.ExportBatchID, summary.PayoutsCreated, summary.SkippedBelowThreshold, summary.Failed)
		}
	}
}

func runReprocessSweep(ctx context.Context, ingestion *services.IngestionService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := ingestion.ReprocessPending(ctx, 100)
			if err != nil {
				log.Printf("Event reprocess sweep failed: %v", err)
				continue
			}
			if summary.Retried > 0 {
				log.Printf("Reprocessed %d events: %d succeeded, %d failed",
					summary.Retried, summary.Succeeded, summary.Failed)
			}
		}
	}
}
