package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"taskhub/config"
	"taskhub/middleware"
	"taskhub/routes"
	"taskhub/services"
	"taskhub/utils"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	utils.InitLogger(cfg.Environment, cfg.LogLevel)

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment, version); err != nil {
		logrus.WithError(err).Warn("Sentry initialization failed")
	}
	defer utils.FlushSentry()

	db, err := config.ConnectDB(cfg)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	gateway := utils.NewStripeGateway(utils.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
	})

	var notifier utils.Notifier = utils.NoopNotifier{}
	if cfg.SMTP.Host != "" {
		notifier = utils.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	}

	tokens := utils.NewTokenService(cfg.JWTSecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	storage := middleware.NewRateLimitStorage(cfg.Redis)

	deps := routes.Dependencies{
		DB:               db,
		Tokens:           tokens,
		Users:            services.NewUserService(db, utils.NewPasswordHasher(cfg.BcryptCost), tokens),
		Projects:         services.NewProjectService(db),
		Memberships:      services.NewMembershipService(db),
		Tasks:            services.NewTaskService(db, notifier),
		Subscriptions:    services.NewSubscriptionService(db, gateway, gateway),
		AuthRateLimit:    cfg.RateLimitAuth,
		RateLimitStorage: storage,
		SecureCookies:    cfg.Environment == "production",
		AccessLog:        true,
	}

	app := fiber.New(fiber.Config{
		AppName:      "taskhub",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return utils.HandleError(c, err)
		},
	})
	app.Use(recover.New())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	routes.SetupRoutes(app, deps)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit

		logrus.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}

	if storage != nil {
		_ = storage.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logrus.Info("Server stopped")
}
