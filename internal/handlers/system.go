package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

var startTime = time.Now()
var Version = "1.0.0"

// SessionCounter reports how many chat sessions are connected.
type SessionCounter interface {
	ActiveSessions() int
}

type SystemHandler struct {
	db       *gorm.DB
	sessions SessionCounter
}

func NewSystemHandler(db *gorm.DB, sessions SessionCounter) *SystemHandler {
	return &SystemHandler{db: db, sessions: sessions}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	dbStatus := "ok"
	statusCode := fiber.StatusOK

	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.UserContext()); err != nil {
		dbStatus = "unreachable: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	}

	overall := "ok"
	if statusCode != fiber.StatusOK {
		overall = "degraded"
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":   overall,
		"service":  "torid",
		"version":  Version,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"uptime":   time.Since(startTime).String(),
		"db":       dbStatus,
		"sessions": h.sessions.ActiveSessions(),
	})
}
