package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mond1c/zenclass-bridge/config"
	"github.com/Mond1c/zenclass-bridge/internal/cache"
	"github.com/Mond1c/zenclass-bridge/internal/database"
	"github.com/Mond1c/zenclass-bridge/internal/handlers"
	"github.com/Mond1c/zenclass-bridge/internal/logger"
	mw "github.com/Mond1c/zenclass-bridge/internal/middleware"
	"github.com/Mond1c/zenclass-bridge/internal/services"
	"github.com/Mond1c/zenclass-bridge/internal/store"
	"github.com/Mond1c/zenclass-bridge/internal/webhook"
	"github.com/Mond1c/zenclass-bridge/internal/workers"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	lg, err := logger.New(cfg.Env, cfg.LogDir)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL, lg)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := database.Migrate(ctx, db, lg); err != nil {
		lg.Fatal("Failed to migrate database", zap.Error(err))
	}

	st := store.NewGormStore(db)

	var deliverers []workers.Deliverer
	if cfg.TelegramBotToken != "" {
		tg, err := services.NewTelegramService(cfg.TelegramBotToken)
		if err != nil {
			lg.Warn("Telegram notifications disabled", zap.Error(err))
		} else {
			deliverers = append(deliverers, tg)
			lg.Info("Telegram notifications enabled")
		}
	} else {
		lg.Warn("TELEGRAM_BOT_TOKEN not set, grade notifications will not be sent")
	}

	if cfg.GoogleCredentials != "" && cfg.GoogleSheetID != "" {
		sheetsService, err := services.NewSheetsService(ctx, cfg.GoogleCredentials, cfg.GoogleSheetID)
		if err != nil {
			lg.Warn("Failed to initialize Google Sheets service", zap.Error(err))
		} else {
			deliverers = append(deliverers, sheetsService)
			lg.Info("Google Sheets journal enabled")
		}
	}

	secretCache := cache.NewSecretCache()
	notifyWorker := workers.NewNotifyWorker(workers.NotifyWorkerConfig{
		QueueSize: cfg.NotifyQueueSize,
		Timeout:   cfg.NotifyTimeout,
	}, secretCache, lg, deliverers...)
	notifyWorker.Start()

	resolver := webhook.NewResolver(webhook.ResolverConfig{
		EnrollmentSecret: cfg.EnrollmentSecret,
		CacheTTL:         cfg.SecretCacheTTL,
	}, st, secretCache)
	if cfg.EnrollmentSecret == "" {
		lg.Warn("WEBHOOK_SECRET_ENROLLMENT not set, signed enrollment events will be rejected")
	}

	service := webhook.NewService(webhook.ServiceConfig{
		RequireSignature: cfg.RequireSignature,
	}, st, resolver, notifyWorker, lg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewRequestValidator()

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				lg.Warn("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			lg.Info("Request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	webhookHandler := handlers.NewWebhookHandler(service, lg)
	adminHandler := handlers.NewAdminHandler(st, resolver, lg)

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/api/webhooks/zenclass", webhookHandler.HandleZenClass)

	admin := e.Group("/api/admin")
	admin.Use(mw.AdminMiddleware(cfg.JWTSecret))

	admin.PUT("/courses/:course_id/secret", adminHandler.PutCourseSecret)
	admin.GET("/courses/:course_id/secret", adminHandler.GetCourseSecret)
	admin.DELETE("/courses/:course_id/secret", adminHandler.DeleteCourseSecret)
	admin.GET("/webhooks/:id", adminHandler.GetProcessedWebhook)
	admin.PUT("/students/telegram", adminHandler.LinkStudentTelegram)

	go func() {
		lg.Info("Server starting", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server shutdown failed", zap.Error(err))
	}

	notifyWorker.Stop()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
