package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/chat"
	"github.com/ahmetk3436/torid/internal/config"
	"github.com/ahmetk3436/torid/internal/conversation"
	"github.com/ahmetk3436/torid/internal/crypto"
	"github.com/ahmetk3436/torid/internal/database"
	"github.com/ahmetk3436/torid/internal/handlers"
	"github.com/ahmetk3436/torid/internal/llm"
	"github.com/ahmetk3436/torid/internal/n8n"
	"github.com/ahmetk3436/torid/internal/realtime"
	"github.com/ahmetk3436/torid/internal/routes"
	"github.com/ahmetk3436/torid/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting Torid", "version", handlers.Version)

	// ─── Config ──────────────────────────────────────────────────────────
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET must be set")
		os.Exit(1)
	}

	// ─── Database ────────────────────────────────────────────────────────
	if err := database.Connect(cfg); err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	db := database.DB

	// ─── Encryption ─────────────────────────────────────────────────────
	var encryptor *crypto.Encryptor
	if cfg.SettingsEncryptionKey != "" {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.SettingsEncryptionKey)
		if err != nil {
			slog.Error("Failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("Settings encryption initialized")
	} else {
		slog.Warn("SETTINGS_ENCRYPTION_KEY not set, the n8n API key will be stored in plain text")
	}

	// ─── Realtime ───────────────────────────────────────────────────────
	hub := realtime.NewHub()
	var publisher realtime.Publisher = hub
	if cfg.RealtimeMode == "postgres" {
		publisher = realtime.NewNotifier(db, cfg.RealtimeChannel)
	}

	// ─── Store ──────────────────────────────────────────────────────────
	gateway := store.NewGateway(db, publisher, hub)

	var listener *realtime.Listener
	if cfg.RealtimeMode == "postgres" {
		listener = realtime.NewListener(cfg.DSN(), cfg.RealtimeChannel, hub, gateway)
		listener.Start(context.Background())
	}
	slog.Info("Realtime configured", "mode", cfg.RealtimeMode)

	settings := store.NewSettingsStore(db, encryptor, store.N8nCredentials{URL: cfg.N8nURL, APIKey: cfg.N8nAPIKey})

	// ─── Services ───────────────────────────────────────────────────────
	model := llm.NewGeminiClient(cfg.GeminiAPIURL, cfg.GeminiAPIKey, cfg.GeminiModel, time.Duration(cfg.ModelTimeoutSeconds)*time.Second)
	conversations := conversation.NewCache(model, gateway, cfg.AssistantName)
	directory := n8n.NewClient(settings, cfg.N8nRequestsPerSecond)
	files := attachment.NewCache()

	// ─── Handlers ───────────────────────────────────────────────────────
	socketHandler := handlers.NewChatSocketHandler(func(ownerID string) *chat.Manager {
		return chat.NewManager(ownerID, gateway, conversations, directory, files)
	})
	authHandler := handlers.NewAuthHandler(cfg)
	systemHandler := handlers.NewSystemHandler(db, socketHandler)
	chatHandler := handlers.NewChatHandler(gateway, files, conversations)
	settingsHandler := handlers.NewSettingsHandler(settings, directory)

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "torid v" + handlers.Version,
		ServerHeader: "torid",
		BodyLimit:    (attachment.MaxSize * 4 / 3) + 1024*1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": message,
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	// Security headers
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		return c.Next()
	})

	// Request logger
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/api/health" {
			return err
		}
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	})

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg, authHandler, systemHandler, chatHandler, socketHandler, settingsHandler)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Torid...")

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}

		if listener != nil {
			listener.Stop()
		}
		hub.Close()
		database.Close()
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("Torid listening", "addr", listenAddr)

	if err := app.Listen(listenAddr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
