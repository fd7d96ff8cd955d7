package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ManuelReschke/SubLedger/app/controllers"
	"github.com/ManuelReschke/SubLedger/app/repository"
	"github.com/ManuelReschke/SubLedger/internal/pkg/billing"
	"github.com/ManuelReschke/SubLedger/internal/pkg/cache"
	"github.com/ManuelReschke/SubLedger/internal/pkg/database"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
	"github.com/ManuelReschke/SubLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubLedger/internal/pkg/mail"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
	"github.com/ManuelReschke/SubLedger/internal/pkg/router"
)

func main() {
	app := NewApplication()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/subledger to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}

	cfg := billing.LoadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		if !env.IsDev() {
			log.Fatalf("Billing configuration incomplete: %v", err)
		}
		log.Printf("Warning: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBilling(registry)

	// Billing emails leave the webhook request through the redis job queue.
	emailQueue := jobqueue.NewQueue(cache.GetClient(), mail.NewBillingNotifier(), jobqueue.Config{
		Workers:      env.GetInt("EMAIL_WORKERS", 2),
		RetryBackoff: env.GetDuration("EMAIL_RETRY_BACKOFF", time.Minute),
		JobTimeout:   env.GetDuration("SMTP_TIMEOUT", mail.DefaultSMTPTimeout),
		Metrics:      billingMetrics,
	})
	jobManager := jobqueue.NewManager(emailQueue, billingMetrics, 0)
	jobManager.Start()

	svc := billing.NewService(cfg, billing.Options{
		Repository: billing.NewRepository(database.GetDB()),
		Users:      repository.GetGlobalFactory().GetUserRepository(),
		Gateway:    billing.NewRazorpayClient(cfg),
		Notifier:   jobqueue.NewNotifier(emailQueue),
		PlanCache:  cache.NewPlanCache(cache.GetClient(), cache.DefaultPlanTTL),
		Metrics:    billingMetrics,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Hooks().OnShutdown(func() error {
		jobManager.Stop()
		return nil
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	metricsAuth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	})
	app.Get("/metrics", metricsAuth, monitor.New())
	app.Get("/metrics/prometheus", metricsAuth, adaptor.HTTPHandler(metrics.Handler(registry)))

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing: controllers.NewBillingController(svc),
		Plans:   svc,
	})

	return app
}
