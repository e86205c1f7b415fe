package main

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adboardhq/bursar/internal/events"
	"github.com/adboardhq/bursar/internal/handlers"
	"github.com/adboardhq/bursar/internal/invalidation"
	"github.com/adboardhq/bursar/internal/ledger"
	"github.com/adboardhq/bursar/internal/reconcile"
	"github.com/adboardhq/bursar/internal/subscriptions"
	"github.com/adboardhq/bursar/pkg/config"
	"github.com/adboardhq/bursar/pkg/database"
	dbsql "github.com/adboardhq/bursar/pkg/database/sql"
	"github.com/adboardhq/bursar/pkg/logging"
	"github.com/adboardhq/bursar/pkg/middleware"
	"github.com/adboardhq/bursar/pkg/monitoring"
	"github.com/adboardhq/bursar/pkg/redis"
	"github.com/adboardhq/bursar/pkg/server"
	"github.com/adboardhq/bursar/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("bursar")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting bursar")

	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	if err := applySchema(db); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	secrets := handlers.WebhookSecrets{
		Card:      config.GetEnv("CARD_WEBHOOK_SECRET", ""),
		CryptoPay: config.GetEnv("CRYPTOPAY_WEBHOOK_SECRET", ""),
		Bank:      config.GetEnv("BANK_WEBHOOK_SECRET", ""),
	}
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	var redisClient *goredis.Client
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redis.NewClientFromURL(ctx, redisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, cache invalidation disabled")
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	emitter, err := events.NewEmitter(config.GetEnvList("KAFKA_BROKERS"), logger)
	if err != nil {
		logger.WithError(err).Warn("Kafka unavailable, billing events disabled")
	}
	defer emitter.Close()

	ledgerSvc := ledger.NewService(db, logger)
	synchronizer := subscriptions.NewSynchronizer(db, ledgerSvc, logger)
	reconciler := reconcile.NewService(db, ledgerSvc, logger)
	invalidator := invalidation.NewPublisher(redisClient, logger)

	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GetShortCommit())
	metrics := handlers.NewMetrics(metricsCollector)

	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"CARD_WEBHOOK_SECRET":      secrets.Card,
		"CRYPTOPAY_WEBHOOK_SECRET": secrets.CryptoPay,
		"BANK_WEBHOOK_SECRET":      secrets.Bank,
	}))

	h := handlers.New(db, logger, ledgerSvc, synchronizer, reconciler, invalidator, emitter, secrets, metrics)

	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// Provider webhooks authenticate by signature, not service token.
	router.POST("/webhooks/card", h.CardWebhook)
	router.POST("/webhooks/cryptopay", h.CryptoPayWebhook)
	router.POST("/webhooks/bank", h.BankWebhook)

	authed := router.Group("/", middleware.ServiceAuthMiddleware(serviceToken))
	authed.GET("/organizations/:organization_id/balance", h.GetBalance)
	authed.GET("/organizations/:organization_id/transactions", h.ListTransactions)
	authed.POST("/admin/bank-transfers", h.ReviewBankTransfer)
	authed.POST("/admin/bank-transfers/requests", h.CreateBankTransfer)
	authed.GET("/admin/bank-transfers/pending", h.ListPendingBankTransfers)

	cfg := server.DefaultConfig("bursar", "8012")
	if err := server.Start(cfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

// applySchema runs the embedded schema files. Statements are written with
// IF NOT EXISTS so reapplication on boot is safe.
func applySchema(db database.PostgresConn) error {
	entries, err := fs.Glob(dbsql.Content, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("list schema files: %w", err)
	}
	for _, name := range entries {
		content, err := dbsql.Content.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}
