package routes

import (
	"github.com/ahmetk3436/torid/internal/config"
	"github.com/ahmetk3436/torid/internal/handlers"
	"github.com/ahmetk3436/torid/internal/middleware"
	"github.com/gofiber/fiber/v2"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	systemHandler *handlers.SystemHandler,
	chatHandler *handlers.ChatHandler,
	socketHandler *handlers.ChatSocketHandler,
	settingsHandler *handlers.SettingsHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	// Auth (protected)
	api.Get("/auth/me", authHandler.Me)
	api.Put("/auth/password", authHandler.ChangePassword)

	// Chat session (WebSocket)
	api.Use("/chat/ws", socketHandler.UpgradeCheck())
	api.Get("/chat/ws", socketHandler.HandleSession())

	// Chats
	api.Get("/chats", chatHandler.ListChats)
	api.Get("/chats/:id/messages", chatHandler.ListMessages)
	api.Delete("/chats/:id", chatHandler.DeleteChat)
	api.Get("/attachments/:messageId", chatHandler.GetAttachment)
	api.Get("/workflow-executions", chatHandler.ListWorkflowExecutions)

	// Agent settings
	settings := api.Group("/settings")
	settings.Get("/n8n", settingsHandler.GetN8n)
	settings.Put("/n8n", settingsHandler.UpdateN8n)
	settings.Post("/n8n/test", settingsHandler.TestN8n)
}
