package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/middleware"
	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/store"
	"github.com/gofiber/fiber/v2"
)

// ChatStore is the read side plus deletion, served over REST for clients
// that do not hold a session open.
type ChatStore interface {
	ListChats(ctx context.Context, ownerID string) ([]models.Chat, error)
	ListMessages(ctx context.Context, chatID, ownerID string) ([]models.Message, error)
	DeleteChat(ctx context.Context, chatID, ownerID string) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListWorkflowExecutions(ctx context.Context, ownerID string, limit int) ([]models.WorkflowExecution, error)
}

// ConversationForgetter drops the model session of a deleted chat.
type ConversationForgetter interface {
	Forget(chatID string)
}

type ChatHandler struct {
	store ChatStore
	files *attachment.Cache
	convs ConversationForgetter
}

func NewChatHandler(store ChatStore, files *attachment.Cache, convs ConversationForgetter) *ChatHandler {
	return &ChatHandler{store: store, files: files, convs: convs}
}

func notFoundJSON(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

func storeFailure(c *fiber.Ctx, op string, err error) error {
	slog.Error("Store call failed", "op", op, "error", err)
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
		"error":   true,
		"message": "Chat store unavailable",
	})
}

func (h *ChatHandler) ListChats(c *fiber.Ctx) error {
	chats, err := h.store.ListChats(c.UserContext(), middleware.OwnerID(c))
	if err != nil {
		return storeFailure(c, "list chats", err)
	}
	return c.JSON(fiber.Map{"chats": chats})
}

func (h *ChatHandler) ListMessages(c *fiber.Ctx) error {
	msgs, err := h.store.ListMessages(c.UserContext(), c.Params("id"), middleware.OwnerID(c))
	if err != nil {
		return storeFailure(c, "list messages", err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (h *ChatHandler) DeleteChat(c *fiber.Ctx) error {
	chatID := c.Params("id")
	ownerID := middleware.OwnerID(c)

	chat, err := h.store.GetChat(c.UserContext(), chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && chat.OwnerID != ownerID) {
		return notFoundJSON(c, "Chat not found")
	}
	if err != nil {
		return storeFailure(c, "get chat", err)
	}

	if err := h.store.DeleteChat(c.UserContext(), chatID, ownerID); err != nil {
		return storeFailure(c, "delete chat", err)
	}
	h.convs.Forget(chatID)
	slog.Info("Chat deleted", "owner", ownerID, "chat_id", chatID)
	return c.SendStatus(fiber.StatusNoContent)
}

// GetAttachment serves the bytes of an attachment uploaded since the last
// restart. Older attachments only keep their descriptor.
func (h *ChatHandler) GetAttachment(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	msg, err := h.store.GetMessage(c.UserContext(), messageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.OwnerID != middleware.OwnerID(c)) {
		return notFoundJSON(c, "Message not found")
	}
	if err != nil {
		return storeFailure(c, "get message", err)
	}
	if !msg.HasAttachment() {
		return notFoundJSON(c, "Message has no attachment")
	}

	f, ok := h.files.Get(messageID)
	if !ok {
		return notFoundJSON(c, "Attachment is no longer available")
	}
	// Images and PDFs render in the browser; anything else downloads.
	disposition := "attachment"
	if f.Kind == attachment.KindImage || f.Kind == attachment.KindPdf {
		disposition = "inline"
	}
	c.Set(fiber.HeaderContentType, f.MimeType)
	c.Set(fiber.HeaderContentDisposition, disposition+"; filename="+strconv.Quote(f.Name))
	return c.Send(f.Data)
}

func (h *ChatHandler) ListWorkflowExecutions(c *fiber.Ctx) error {
	execs, err := h.store.ListWorkflowExecutions(c.UserContext(), middleware.OwnerID(c), c.QueryInt("limit", 50))
	if err != nil {
		return storeFailure(c, "list workflow executions", err)
	}
	return c.JSON(fiber.Map{"executions": execs})
}
