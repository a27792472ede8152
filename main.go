package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"payment-reconciler/internal/cache"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/eventstream"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/order"
	"payment-reconciler/internal/reconcile"
	"payment-reconciler/internal/signature"
	"payment-reconciler/internal/webhook"
)

const defaultCacheTTLMs = 60_000

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig("./config")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr(cfg.Database)

	if err := db.RunMigrations(connStr, "./migrations"); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	payments := db.NewPaymentRepository(dbpool)
	orders := db.NewOrderRepository(dbpool)
	audits := db.NewAuditRepository(dbpool)
	recipients := db.NewRecipientRepository(dbpool)

	ttl := cfg.Cache.TTLMs
	if ttl <= 0 {
		ttl = defaultCacheTTLMs
	}
	readCache := cache.New(time.Duration(ttl) * time.Millisecond)

	eventWriter := eventstream.NewWriter(cfg.Kafka)
	defer eventWriter.Close()
	publisher := eventstream.NewPublisher(eventWriter, logger)

	materializer := order.NewMaterializer(orders, payments, logger)
	machine := reconcile.NewMachine(payments, orders, materializer, readCache, publisher, logger)

	verifier := signature.NewVerifier(cfg.Gateway, cfg.IsProduction(), logger)
	resolver := reconcile.NewResolver(payments, logger)

	sender := notify.NewSender(cfg.Notification.Transport, logger)
	recipientResolver := notify.NewRecipientResolver(recipients, cfg.Notification.EmergencyRecipients, logger)
	dispatcher := notify.NewDispatcher(cfg.Notification, audits, recipientResolver, sender, logger)

	webhookHandler := webhook.NewHandler(verifier, resolver, machine, dispatcher, orders, logger)
	orderHandler := order.NewReadHandler(orders, readCache, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /webhooks/payment", webhookHandler.HandlePaymentWebhook)
	mux.HandleFunc("GET /orders/{id}", orderHandler.HandleGetOrder)

	logger.Info("Starting payment reconciler", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, mux))
}
