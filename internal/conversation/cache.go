// Package conversation keeps one model conversation per chat for the life of
// the process, seeded from the chat's persisted history on first use.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/llm"
	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/tools"
)

// EmptyContentReply is returned without a model call when a send carries
// neither text nor an attachment.
const EmptyContentReply = "Please provide some text or an image."

// Persona is the system instruction for the named assistant.
func Persona(name string) string {
	if name == "" {
		name = "TORID_AI"
	}
	return fmt.Sprintf("You are %s, a helpful and friendly AI assistant. Provide clear, concise, and informative answers.", name)
}

// HistoryLoader reads a chat's persisted messages.
type HistoryLoader interface {
	ListMessages(ctx context.Context, chatID, ownerID string) ([]models.Message, error)
}

type ResultKind int

const (
	ResultText ResultKind = iota
	ResultToolCall
)

// Result is either a text reply or a single tool invocation.
type Result struct {
	Kind ResultKind
	Text string
	Call llm.FunctionCall

	ticket uint64
}

// pendingToolResponse is sent in place of a tool result that has not been
// recorded yet, so the history stays valid for concurrent sends.
var pendingToolResponse = map[string]any{"status": "pending"}

const pendingToolSummary = "Working on it..."

// Handle is the model-side state of one chat.
type Handle struct {
	ChatID string

	mu      sync.Mutex
	history []llm.Turn
	// pendingTools maps a tool call ticket to the index of its reserved
	// functionResponse turn.
	pendingTools map[uint64]int
	nextTicket   uint64
}

// History returns a copy of the turns sent so far.
func (h *Handle) History() []llm.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Turn(nil), h.history...)
}

// Cache owns every chat's Handle for the life of the process. It is safe
// for concurrent use by many sessions.
type Cache struct {
	model             llm.Model
	loader            HistoryLoader
	systemInstruction string
	tools             []llm.FunctionDeclaration

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewCache builds a cache whose handles talk to model with the persona of
// assistantName and the workflow search tool.
func NewCache(model llm.Model, loader HistoryLoader, assistantName string) *Cache {
	return &Cache{
		model:             model,
		loader:            loader,
		systemInstruction: Persona(assistantName),
		tools:             tools.Declarations(),
		handles:           make(map[string]*Handle),
	}
}

// GetOrCreate returns the chat's handle, creating it with seed when absent.
// An existing handle is never re-seeded.
func (c *Cache) GetOrCreate(chatID string, seed []llm.Turn) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[chatID]; ok {
		return h
	}
	h := &Handle{ChatID: chatID, history: append([]llm.Turn(nil), seed...), pendingTools: make(map[uint64]int)}
	c.handles[chatID] = h
	slog.Debug("Conversation created", "chat_id", chatID, "seed_turns", len(seed))
	return h
}

func (c *Cache) Has(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[chatID]
	return ok
}

// Forget drops the handle of a deleted chat.
func (c *Cache) Forget(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, chatID)
}

// LoadHistory reads the chat's persisted messages as seed turns.
func (c *Cache) LoadHistory(ctx context.Context, chatID, ownerID string) ([]llm.Turn, error) {
	msgs, err := c.loader.ListMessages(ctx, chatID, ownerID)
	if err != nil {
		return nil, err
	}
	return ToTurns(msgs), nil
}

// Ensure returns the chat's handle, seeding a new one from persisted history.
func (c *Cache) Ensure(ctx context.Context, chatID, ownerID string) (*Handle, error) {
	c.mu.Lock()
	h, ok := c.handles[chatID]
	c.mu.Unlock()
	if ok {
		return h, nil
	}
	seed, err := c.LoadHistory(ctx, chatID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("loading history for chat %s: %w", chatID, err)
	}
	return c.GetOrCreate(chatID, seed), nil
}

// Send forwards one user turn to the model. The handle's history only grows
// when the call yields text or a function call. For a function call the
// response turn is reserved immediately and filled by RecordToolResult.
func (c *Cache) Send(ctx context.Context, chatID, text string, file *attachment.File) (Result, error) {
	var parts []llm.Part
	if strings.TrimSpace(text) != "" {
		parts = append(parts, llm.TextPart(text))
	}
	if file != nil {
		if file.Kind == attachment.KindOther {
			return Result{}, &llm.ModelInvocationError{
				Reason: llm.ReasonMediaRejected,
				Err:    fmt.Errorf("unsupported attachment type %s", file.MimeType),
			}
		}
		parts = append(parts, llm.Part{InlineData: &llm.InlineData{MimeType: file.MimeType, Data: file.Encoded}})
	}
	if len(parts) == 0 {
		return Result{Kind: ResultText, Text: EmptyContentReply}, nil
	}

	h := c.GetOrCreate(chatID, nil)
	h.mu.Lock()
	defer h.mu.Unlock()

	userTurn := llm.Turn{Role: llm.RoleUser, Parts: parts}
	contents := append(append([]llm.Turn(nil), h.history...), userTurn)

	resp, err := c.model.Generate(ctx, llm.Request{
		SystemInstruction: c.systemInstruction,
		Tools:             c.tools,
		Contents:          contents,
	})
	if err != nil {
		return Result{}, err
	}
	if resp.Empty() {
		slog.Warn("Model returned an empty reply", "chat_id", chatID, "finish_reason", resp.FinishReason)
		return Result{}, llm.EmptyReplyError(resp.FinishReason)
	}

	calls := resp.FunctionCalls()
	if len(calls) == 0 {
		h.history = append(h.history, userTurn, llm.Turn{Role: llm.RoleModel, Parts: resp.Parts})
		return Result{Kind: ResultText, Text: resp.Text()}, nil
	}
	if len(calls) > 1 {
		slog.Warn("Model returned several function calls, using the first", "chat_id", chatID, "count", len(calls))
	}
	call := calls[0]
	h.nextTicket++
	ticket := h.nextTicket
	h.history = append(h.history, userTurn, llm.Turn{Role: llm.RoleModel, Parts: []llm.Part{{FunctionCall: &call}}})
	h.pendingTools[ticket] = len(h.history)
	h.history = append(h.history, toolTurns(call.Name, pendingToolResponse, pendingToolSummary)...)
	return Result{Kind: ResultToolCall, Call: call, ticket: ticket}, nil
}

// RecordToolResult fills in the outcome of the tool call res asked for and
// the summary shown to the user, so the next turn sees both. Handles that
// were forgotten in the meantime are left alone.
func (c *Cache) RecordToolResult(chatID string, res Result, response map[string]any, summary string) {
	c.mu.Lock()
	h, ok := c.handles[chatID]
	c.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	turns := toolTurns(res.Call.Name, response, summary)
	if i, ok := h.pendingTools[res.ticket]; ok && i+len(turns) <= len(h.history) {
		copy(h.history[i:], turns)
		delete(h.pendingTools, res.ticket)
		return
	}
	h.history = append(h.history, turns...)
}

func toolTurns(name string, response map[string]any, summary string) []llm.Turn {
	return []llm.Turn{
		{Role: llm.RoleUser, Parts: []llm.Part{{FunctionResponse: &llm.FunctionResponse{Name: name, Response: response}}}},
		{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart(summary)}},
	}
}
