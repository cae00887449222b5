package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/chat"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const writeTimeout = 10 * time.Second

type command struct {
	Type         string       `json:"type"`
	ChatID       string       `json:"chat_id,omitempty"`
	Text         string       `json:"text,omitempty"`
	Attachment   *chat.Upload `json:"attachment,omitempty"`
	WorkflowID   string       `json:"workflow_id,omitempty"`
	WorkflowName string       `json:"workflow_name,omitempty"`
}

type stateFrame struct {
	Type  string     `json:"type"`
	State chat.State `json:"state"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// session is the part of chat.Manager the socket drives.
type session interface {
	Load(ctx context.Context) error
	SelectChat(ctx context.Context, chatID string) error
	CreateChat(ctx context.Context, isInitial bool) error
	DeleteChat(ctx context.Context, chatID string) error
	SendMessage(ctx context.Context, text string, upload *chat.Upload) error
	ExecuteWorkflow(ctx context.Context, workflowID, workflowName string) error
}

func parseCommand(raw []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return command{}, fmt.Errorf("invalid command: %w", err)
	}
	switch cmd.Type {
	case "load", "new_chat":
	case "select_chat", "delete_chat":
		if cmd.ChatID == "" {
			return command{}, fmt.Errorf("%s requires chat_id", cmd.Type)
		}
	case "send_message":
	case "execute_workflow":
		if cmd.WorkflowID == "" {
			return command{}, errors.New("execute_workflow requires workflow_id")
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.Type)
	}
	return cmd, nil
}

func dispatch(ctx context.Context, s session, cmd command) error {
	switch cmd.Type {
	case "load":
		return s.Load(ctx)
	case "select_chat":
		return s.SelectChat(ctx, cmd.ChatID)
	case "new_chat":
		return s.CreateChat(ctx, false)
	case "delete_chat":
		return s.DeleteChat(ctx, cmd.ChatID)
	case "send_message":
		return s.SendMessage(ctx, cmd.Text, cmd.Attachment)
	case "execute_workflow":
		return s.ExecuteWorkflow(ctx, cmd.WorkflowID, cmd.WorkflowName)
	}
	return fmt.Errorf("unknown command %q", cmd.Type)
}

// userFacing turns a command error into the text sent to the client.
func userFacing(err error) string {
	var encErr *attachment.EncodingError
	switch {
	case errors.Is(err, chat.ErrSendInProgress):
		return "Please wait for the current reply to finish."
	case errors.Is(err, chat.ErrEmptyMessage):
		return "Please provide some text or an image."
	case errors.Is(err, chat.ErrNoActiveChat):
		return "Select or create a chat first."
	case errors.Is(err, chat.ErrChatLoading):
		return "The chat is still loading. Please try again in a moment."
	case errors.Is(err, chat.ErrUnknownChat):
		return "That chat does not exist."
	case errors.As(err, &encErr):
		return encErr.Error()
	default:
		return "Something went wrong. Please try again."
	}
}

// ManagerFactory builds the chat session of one connection.
type ManagerFactory func(ownerID string) *chat.Manager

// ChatSocketHandler serves one chat session per websocket connection.
type ChatSocketHandler struct {
	newManager ManagerFactory
	active     atomic.Int64
}

func NewChatSocketHandler(newManager ManagerFactory) *ChatSocketHandler {
	return &ChatSocketHandler{newManager: newManager}
}

func (h *ChatSocketHandler) ActiveSessions() int {
	return int(h.active.Load())
}

// UpgradeCheck is middleware that checks if the request is a websocket upgrade
func (h *ChatSocketHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *ChatSocketHandler) HandleSession() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		owner, _ := c.Locals("username").(string)
		if owner == "" {
			return
		}

		mgr := h.newManager(owner)
		defer mgr.Close()

		h.active.Add(1)
		defer h.active.Add(-1)
		slog.Info("Chat session opened", "owner", owner)

		done := make(chan struct{})
		errs := make(chan string, 8)
		var writer sync.WaitGroup
		writer.Add(1)
		go func() {
			defer writer.Done()
			h.writeLoop(c, mgr, errs, done)
		}()

		// Commands outlive the socket on purpose: a send that was admitted
		// still persists its reply after a disconnect.
		cmdCtx := context.Background()
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				break
			}
			cmd, err := parseCommand(raw)
			if err != nil {
				pushError(errs, err.Error())
				continue
			}
			go func(cmd command) {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("Chat command panicked", "owner", owner, "command", cmd.Type, "panic", r)
						pushError(errs, "Something went wrong. Please try again.")
					}
				}()
				if err := dispatch(cmdCtx, mgr, cmd); err != nil {
					slog.Warn("Chat command failed", "owner", owner, "command", cmd.Type, "error", err)
					pushError(errs, userFacing(err))
				}
			}(cmd)
		}

		close(done)
		writer.Wait()
		slog.Info("Chat session closed", "owner", owner)
	})
}

func pushError(errs chan<- string, msg string) {
	select {
	case errs <- msg:
	default:
	}
}

// writeLoop owns every write on the connection.
func (h *ChatSocketHandler) writeLoop(c *websocket.Conn, mgr *chat.Manager, errs <-chan string, done <-chan struct{}) {
	write := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Error("Failed to encode frame", "error", err)
			return true
		}
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.WriteMessage(websocket.TextMessage, payload) == nil
	}

	for {
		select {
		case <-done:
			return
		case <-mgr.Changes():
			if !write(stateFrame{Type: "state", State: mgr.Snapshot()}) {
				return
			}
		case msg := <-errs:
			if !write(errorFrame{Type: "error", Message: msg}) {
				return
			}
		}
	}
}
