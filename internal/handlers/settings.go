package handlers

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ahmetk3436/torid/internal/middleware"
	"github.com/ahmetk3436/torid/internal/n8n"
	"github.com/ahmetk3436/torid/internal/store"
	"github.com/gofiber/fiber/v2"
)

type N8nSettings interface {
	N8nCredentials(ctx context.Context) (store.N8nCredentials, error)
	SetN8nCredentials(ctx context.Context, creds store.N8nCredentials) error
}

type ConnectionTester interface {
	TestConnection(ctx context.Context, baseURL, apiKey string) n8n.ConnectionResult
}

// SettingsHandler manages the per-install workflow automation credentials.
type SettingsHandler struct {
	settings N8nSettings
	tester   ConnectionTester
}

func NewSettingsHandler(settings N8nSettings, tester ConnectionTester) *SettingsHandler {
	return &SettingsHandler{settings: settings, tester: tester}
}

type n8nSettingsRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (h *SettingsHandler) GetN8n(c *fiber.Ctx) error {
	creds, err := h.settings.N8nCredentials(c.UserContext())
	if err != nil {
		slog.Error("Failed to load n8n settings", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to load settings",
		})
	}
	return c.JSON(fiber.Map{
		"url":        creds.URL,
		"api_key":    store.MaskSecret(creds.APIKey),
		"configured": creds.Configured(),
	})
}

// UpdateN8n stores the URL and, when given, a new API key. An empty key
// keeps the stored one.
func (h *SettingsHandler) UpdateN8n(c *fiber.Ctx) error {
	var req n8nSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}
	if !validURL(req.URL) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "A valid http(s) n8n URL is required",
		})
	}

	if err := h.settings.SetN8nCredentials(c.UserContext(), store.N8nCredentials{URL: req.URL, APIKey: req.APIKey}); err != nil {
		slog.Error("Failed to save n8n settings", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to save settings",
		})
	}
	slog.Info("n8n settings updated", "by", middleware.OwnerID(c), "url", req.URL, "key_changed", req.APIKey != "")
	return h.GetN8n(c)
}

// TestN8n checks the submitted pair, falling back to stored values for
// fields left empty.
func (h *SettingsHandler) TestN8n(c *fiber.Ctx) error {
	var req n8nSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}
	if req.URL == "" || req.APIKey == "" {
		stored, err := h.settings.N8nCredentials(c.UserContext())
		if err == nil {
			if req.URL == "" {
				req.URL = stored.URL
			}
			if req.APIKey == "" {
				req.APIKey = stored.APIKey
			}
		}
	}
	return c.JSON(h.tester.TestConnection(c.UserContext(), req.URL, req.APIKey))
}
