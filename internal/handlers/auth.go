package handlers

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ahmetk3436/torid/internal/config"
	"github.com/ahmetk3436/torid/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler signs in the single configured user. The username doubles as
// the owner id of every chat.
type AuthHandler struct {
	cfg *config.Config

	mu           sync.RWMutex
	passwordHash string
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	// Hash the admin password on startup
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash admin password", "error", err)
	}
	return &AuthHandler{
		cfg:          cfg,
		passwordHash: string(hash),
	}
}

func (h *AuthHandler) checkPassword(password string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(password)) == nil
}

func (h *AuthHandler) issue(c *fiber.Ctx, username, displayName string) error {
	access, refresh, err := middleware.GenerateTokens(username, h.cfg.JWTSecret, displayName)
	if err != nil {
		slog.Error("Failed to generate tokens", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to generate tokens",
		})
	}

	return c.JSON(fiber.Map{
		"access_token":  access,
		"refresh_token": refresh,
		"user": fiber.Map{
			"username":        username,
			"display_name":    displayName,
			"avatar_initials": buildInitials(displayName),
		},
	})
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if !strings.EqualFold(strings.TrimSpace(req.Username), h.cfg.AdminUsername) || !h.checkPassword(req.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid credentials",
		})
	}

	return h.issue(c, h.cfg.AdminUsername, h.cfg.AdminDisplayName)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	claims, err := middleware.ParseToken(req.RefreshToken, h.cfg.JWTSecret)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid or expired refresh token",
		})
	}

	return h.issue(c, claims.Username, claims.DisplayName)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	displayName, _ := c.Locals("display_name").(string)

	return c.JSON(fiber.Map{
		"username":        middleware.OwnerID(c),
		"display_name":    displayName,
		"avatar_initials": buildInitials(displayName),
	})
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if req.OldPassword == "" || req.NewPassword == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Both old_password and new_password are required",
		})
	}

	if len(req.NewPassword) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "New password must be at least 8 characters",
		})
	}

	if !h.checkPassword(req.OldPassword) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Current password is incorrect",
		})
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash new password", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to update password",
		})
	}

	h.mu.Lock()
	h.passwordHash = string(newHash)
	h.mu.Unlock()
	slog.Info("Password changed", "username", middleware.OwnerID(c))

	return c.JSON(fiber.Map{
		"message": "Password changed successfully",
	})
}

// buildInitials extracts uppercase initials from a display name.
// e.g. "Torid User" -> "TU", "Torid" -> "T"
func buildInitials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "?"
	}
	var initials []rune
	for _, p := range parts {
		initials = append(initials, []rune(strings.ToUpper(p))[0])
		if len(initials) == 2 {
			break
		}
	}
	return string(initials)
}
