package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spsc-transferflow/internal/adapters/http/middleware"
	"spsc-transferflow/internal/adapters/http/routes"
	"spsc-transferflow/internal/adapters/messaging/kafka"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/core/services"

	"github.com/gofiber/fiber/v2"

	_ "spsc-transferflow/docs" // Swagger docs
)

// @title SPSC TransferFlow API
// @version 1.0
// @description ระบบยืนยันการโอนเงินหลายขั้นตอน SPSC TransferFlow v1.0 API

// @contact.name API Support
// @contact.email support@spsc.or.th

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Open transfer store (MySQL or memory)
	store, closeStore, err := config.OpenTransferStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open transfer store: %v", err)
	}
	defer closeStore()

	// Downstream change stream (optional)
	var sinks []services.ChangePublisher
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled() {
		publisher = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, publisher)
		log.Printf("✅ Kafka change stream enabled [topic: %s]", cfg.Kafka.Topic)
	}

	// Code delivery: LINE when configured, log for everything else
	router := services.NewDeliveryRouter(services.NewLogDeliverer(cfg.IsDev()))
	if line := services.NewLINENotifyDeliverer(cfg.LINE.NotifyToken); line.IsEnabled() {
		router.Route(domain.DeliveryLINE, line)
	}

	// Initialize services
	notifier := services.NewTransferNotifyService(sinks...)
	events := services.NewTransferEventLog(store)
	codes := services.NewValidationCodeService(events, router, services.LogFeeRecorder{}, cfg.Transfer)
	scheduler := services.NewProgressScheduler(store, notifier, cfg.Transfer)
	allocator := services.NewReferenceAllocator(store, cfg.Transfer.ReferenceMaxAttempts, cfg.Transfer.ReferenceBackoff)
	transfers := services.NewTransferService(store, allocator, codes, events, scheduler, notifier, cfg.Transfer)

	// Restore progress jobs lost with the previous process
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := scheduler.Reconcile(ctx); err != nil {
		log.Printf("⚠️ Warning: Failed to reconcile progress jobs: %v", err)
	} else {
		log.Printf("✅ Progress jobs restored: %d", n)
	}
	cancel()

	// Start Cron Service (code sweep + reconciliation)
	cronService := services.NewCronService(store, scheduler, cfg.Cron)
	if err := cronService.Start(); err != nil {
		log.Fatalf("❌ Failed to start cron service: %v", err)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "SPSC TransferFlow API v1.0",
		ErrorHandler: middleware.CustomErrorHandler,
	})

	// Setup middlewares
	middleware.Setup(app, cfg)

	// Setup routes
	routes.Setup(app, cfg, &routes.Services{
		Store:     store,
		Transfers: transfers,
		Notify:    notifier,
		Scheduler: scheduler,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go gracefulShutdown(app, done)

	// Start server
	log.Printf("🚀 Server starting on port %s [MODE: %s]", cfg.Port, cfg.AppMode)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
	<-done

	// Background work stops after the listener so in-flight requests finish first
	cronService.Stop()
	scheduler.Stop()
	codes.Wait()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Printf("❌ Error closing Kafka publisher: %v", err)
		}
	}
	log.Println("✅ Server stopped gracefully")
}

// gracefulShutdown handles graceful shutdown
func gracefulShutdown(app *fiber.App, done chan<- struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("❌ Error during shutdown: %v", err)
	}
	close(done)
}
