// Package chat holds the per-session chat state machine: the chat list, the
// active chat's messages and the send and workflow lifecycles, reconciled
// against realtime change events from the store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/conversation"
	"github.com/ahmetk3436/torid/internal/llm"
	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/n8n"
	"github.com/ahmetk3436/torid/internal/realtime"
	"github.com/ahmetk3436/torid/internal/tools"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	localIDPrefix   = "local-"
	pendingIDPrefix = "pending-"
)

const (
	saveFailedText   = "Sorry, your message could not be saved. Please try again."
	replyFailedText  = "Sorry, the reply could not be saved. Please try again."
	encodeFailedText = "Sorry, I couldn't read the attached file %q. Please try another one."
	toolFailedText   = "Sorry, I couldn't understand the workflow request."
	searchFailedText = "Sorry, I couldn't search for workflows: %s"
	foundText        = "I found %d workflow(s) matching \"%s\". Select one to run it."
	noneFoundText    = "I couldn't find any workflows matching \"%s\"."
	executingText    = "Executing workflow \"%s\", please wait..."
	executedText     = "Workflow \"%s\" was triggered successfully."
	executeFailText  = "Failed to execute workflow \"%s\": %s"
)

var (
	ErrClosed         = errors.New("chat session closed")
	ErrNoActiveChat   = errors.New("no active chat")
	ErrEmptyMessage   = errors.New("message has no text or attachment")
	ErrSendInProgress = errors.New("a message is already being sent in this chat")
	ErrChatLoading    = errors.New("chat is still loading")
	ErrUnknownChat    = errors.New("chat not found")
)

// Store is the durable side the manager reads and writes.
type Store interface {
	ListChats(ctx context.Context, ownerID string) ([]models.Chat, error)
	InsertChat(ctx context.Context, ownerID, title string) (*models.Chat, error)
	UpdateChatTitle(ctx context.Context, ownerID, chatID, title string) (*models.Chat, error)
	DeleteChat(ctx context.Context, chatID, ownerID string) error
	ListMessages(ctx context.Context, chatID, ownerID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	RecordWorkflowExecution(ctx context.Context, exec *models.WorkflowExecution) error
	SubscribeChats(ownerID string, fn realtime.Handler) func()
	SubscribeMessages(ownerID, chatID string, fn realtime.Handler) func()
}

// Conversations is the process-wide model session per chat.
type Conversations interface {
	GetOrCreate(chatID string, seed []llm.Turn) *conversation.Handle
	Ensure(ctx context.Context, chatID, ownerID string) (*conversation.Handle, error)
	Send(ctx context.Context, chatID, text string, file *attachment.File) (conversation.Result, error)
	RecordToolResult(chatID string, res conversation.Result, response map[string]any, summary string)
	Forget(chatID string)
}

// Directory finds and triggers automation workflows.
type Directory interface {
	SearchWorkflows(ctx context.Context, query string) ([]models.Workflow, error)
	ExecuteWorkflow(ctx context.Context, workflowID string) (n8n.ExecutionResult, error)
}

// Upload is an attachment as received from the client.
type Upload struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// State is what the presentation layer renders.
type State struct {
	ActiveChatID string           `json:"active_chat_id,omitempty"`
	Chats        []models.Chat    `json:"chats"`
	Messages     []models.Message `json:"messages"`
	IsSending    bool             `json:"is_sending"`
	IsLoading    bool             `json:"is_loading"`
}

// Manager is one user's chat session. All methods are safe for concurrent use;
// network calls run without holding the lock.
type Manager struct {
	ownerID string
	store   Store
	convs   Conversations
	dir     Directory
	files   *attachment.Cache

	ctx    context.Context
	cancel context.CancelFunc

	changes chan struct{}

	mu              sync.Mutex
	closed          bool
	activeChatID    string
	chats           []models.Chat
	messages        []models.Message
	loading         bool
	loadSeq         uint64
	pending         map[string]bool
	suggestions     map[string][]models.Workflow
	creatingInitial bool
	stopChats       func()
	stopMessages    func()
}

// NewManager returns an idle session for ownerID. Call Load to start it and
// Close when the client goes away.
func NewManager(ownerID string, store Store, convs Conversations, dir Directory, files *attachment.Cache) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ownerID:     ownerID,
		store:       store,
		convs:       convs,
		dir:         dir,
		files:       files,
		ctx:         ctx,
		cancel:      cancel,
		changes:     make(chan struct{}, 1),
		pending:     make(map[string]bool),
		suggestions: make(map[string][]models.Workflow),
	}
}

// Changes signals after every state change. Signals coalesce; read the
// current state with Snapshot.
func (m *Manager) Changes() <-chan struct{} {
	return m.changes
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		ActiveChatID: m.activeChatID,
		Chats:        append([]models.Chat{}, m.chats...),
		Messages:     make([]models.Message, len(m.messages)),
		IsSending:    m.pending[m.activeChatID],
		IsLoading:    m.loading,
	}
	copy(s.Messages, m.messages)
	for i := range s.Messages {
		if wfs, ok := m.suggestions[s.Messages[i].ID]; ok {
			s.Messages[i].Workflows = append([]models.Workflow(nil), wfs...)
		}
	}
	return s
}

// Load subscribes to chat changes, fetches the chat list and activates the
// most recent chat, creating one when the user has none.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.stopChats == nil {
		m.stopChats = m.store.SubscribeChats(m.ownerID, m.handleChatEvent)
	}
	m.loading = true
	m.mu.Unlock()
	m.notify()

	chats, err := m.store.ListChats(ctx, m.ownerID)
	if err != nil {
		m.setLoading(false)
		return err
	}

	m.mu.Lock()
	for _, c := range chats {
		m.chats = upsertChat(m.chats, c)
	}
	target := m.activeChatID
	if _, ok := findChat(m.chats, target); !ok {
		target = ""
		if len(m.chats) > 0 {
			target = m.chats[0].ID
		}
	}
	m.mu.Unlock()

	if target == "" {
		m.setLoading(false)
		return m.CreateChat(ctx, true)
	}
	return m.SelectChat(ctx, target)
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	m.loading = v
	m.mu.Unlock()
	m.notify()
}

// SelectChat activates chatID and reloads its messages. Only chats of this
// session's owner can be selected. Sends still running in the previously
// active chat keep writing to that chat.
func (m *Manager) SelectChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := findChat(m.chats, chatID); !ok {
		m.mu.Unlock()
		return ErrUnknownChat
	}
	if m.stopMessages != nil {
		m.stopMessages()
		m.stopMessages = nil
	}
	m.activeChatID = chatID
	m.messages = nil
	m.loading = true
	m.loadSeq++
	seq := m.loadSeq
	// Subscribe before listing so nothing inserted in between is missed.
	m.stopMessages = m.store.SubscribeMessages(m.ownerID, chatID, m.handleMessageEvent)
	m.mu.Unlock()
	m.notify()

	msgs, err := m.store.ListMessages(ctx, chatID, m.ownerID)
	if err != nil {
		m.mu.Lock()
		if m.loadSeq == seq {
			m.loading = false
		}
		m.mu.Unlock()
		m.notify()
		return err
	}
	m.convs.GetOrCreate(chatID, conversation.ToTurns(msgs))

	m.mu.Lock()
	if m.loadSeq != seq || m.activeChatID != chatID {
		m.mu.Unlock()
		return nil
	}
	m.messages = mergeLoaded(m.messages, msgs)
	m.loading = false
	m.mu.Unlock()
	m.notify()

	slog.Debug("Chat selected", "owner", m.ownerID, "chat_id", chatID, "messages", len(msgs))
	return nil
}

// CreateChat inserts a chat with the default title and activates it. Initial
// creation runs at most once at a time, so an emptied chat list produces a
// single replacement chat.
func (m *Manager) CreateChat(ctx context.Context, isInitial bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if isInitial {
		if m.creatingInitial || len(m.chats) > 0 {
			m.mu.Unlock()
			return nil
		}
		m.creatingInitial = true
	}
	m.mu.Unlock()

	if isInitial {
		defer func() {
			m.mu.Lock()
			m.creatingInitial = false
			m.mu.Unlock()
		}()
	}

	chat, err := m.store.InsertChat(ctx, m.ownerID, models.DefaultChatTitle)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.chats = upsertChat(m.chats, *chat)
	m.mu.Unlock()
	m.notify()

	slog.Info("Chat created", "owner", m.ownerID, "chat_id", chat.ID, "initial", isInitial)
	return m.SelectChat(ctx, chat.ID)
}

// DeleteChat removes a chat and its messages. When it was active the most
// recent remaining chat is selected, or a fresh one is created.
func (m *Manager) DeleteChat(ctx context.Context, chatID string) error {
	if err := m.store.DeleteChat(ctx, chatID, m.ownerID); err != nil {
		return err
	}
	m.convs.Forget(chatID)
	return m.dropChat(ctx, chatID)
}

// dropChat removes chatID from local state and repairs the selection.
func (m *Manager) dropChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	var removed bool
	m.chats, removed = removeChat(m.chats, chatID)
	wasActive := m.activeChatID == chatID
	if wasActive {
		if m.stopMessages != nil {
			m.stopMessages()
			m.stopMessages = nil
		}
		m.activeChatID = ""
		m.messages = nil
	}
	next := ""
	if len(m.chats) > 0 {
		next = m.chats[0].ID
	}
	empty := len(m.chats) == 0
	m.mu.Unlock()

	if !removed && !wasActive {
		return nil
	}
	m.notify()

	switch {
	case empty:
		return m.CreateChat(ctx, true)
	case wasActive:
		return m.SelectChat(ctx, next)
	}
	return nil
}

// SendMessage runs one send in the active chat. It returns ErrSendInProgress
// without side effects while a send in that chat is still pending. Failures
// after admission end up as an AI message in the chat.
func (m *Manager) SendMessage(ctx context.Context, text string, upload *Upload) error {
	if strings.TrimSpace(text) == "" && (upload == nil || upload.Data == "") {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	chatID := m.activeChatID
	if chatID == "" {
		m.mu.Unlock()
		return ErrNoActiveChat
	}
	if m.loading {
		m.mu.Unlock()
		return ErrChatLoading
	}
	if m.pending[chatID] {
		m.mu.Unlock()
		return ErrSendInProgress
	}
	m.pending[chatID] = true
	m.mu.Unlock()
	m.notify()

	defer func() {
		m.mu.Lock()
		delete(m.pending, chatID)
		m.mu.Unlock()
		m.notify()
	}()

	var file *attachment.File
	if upload != nil && upload.Data != "" {
		f, err := attachment.DecodeDataURL(upload.FileName, upload.MimeType, upload.Data)
		if err != nil {
			slog.Warn("Attachment rejected", "chat_id", chatID, "error", err)
			m.appendLocal(chatID, models.SenderAI, fmt.Sprintf(encodeFailedText, upload.FileName))
			return err
		}
		file = f
	}

	msg := models.Message{
		ChatID:      chatID,
		OwnerID:     m.ownerID,
		TextContent: text,
		Sender:      models.SenderUser,
	}
	if file != nil {
		msg.AttachmentMimeType = &file.MimeType
		msg.AttachmentFileName = &file.Name
	}

	tempID := localIDPrefix + uuid.NewString()
	m.mu.Lock()
	firstMessage := m.activeChatID == chatID && !hasPersisted(m.messages)
	optimistic := msg
	optimistic.ID = tempID
	optimistic.CreatedAt = time.Now().UTC()
	optimistic.Transient = true
	if m.activeChatID == chatID {
		m.messages, _ = insertMessage(m.messages, optimistic)
	}
	var newTitle string
	if c, ok := findChat(m.chats, chatID); ok && firstMessage && c.Title == models.DefaultChatTitle {
		newTitle = TitleFrom(text, derefString(msg.AttachmentFileName))
		c.Title = newTitle
		m.chats = upsertChat(m.chats, c)
	}
	m.mu.Unlock()
	m.notify()

	// The conversation must be seeded before the new message is persisted,
	// otherwise the seed would already contain it.
	if _, err := m.convs.Ensure(ctx, chatID, m.ownerID); err != nil {
		m.rollback(chatID, tempID, newTitle)
		return err
	}

	stored, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		slog.Error("Failed to persist user message", "chat_id", chatID, "error", err)
		m.rollback(chatID, tempID, newTitle)
		return err
	}
	if newTitle != "" {
		if _, err := m.store.UpdateChatTitle(ctx, m.ownerID, chatID, newTitle); err != nil {
			slog.Warn("Failed to update chat title", "chat_id", chatID, "error", err)
		}
	}
	if file != nil {
		m.files.Put(stored.ID, file)
	}
	m.mu.Lock()
	if m.activeChatID == chatID {
		m.messages = commitMessage(m.messages, tempID, *stored)
	}
	m.mu.Unlock()
	m.notify()

	res, err := m.convs.Send(ctx, chatID, text, file)
	if err != nil {
		slog.Error("Model call failed", "chat_id", chatID, "error", err)
		m.reply(ctx, chatID, models.Message{TextContent: llm.UserMessage(err)}, nil)
		return nil
	}

	switch res.Kind {
	case conversation.ResultToolCall:
		m.handleToolCall(ctx, chatID, res)
	default:
		m.reply(ctx, chatID, models.Message{TextContent: res.Text}, nil)
	}
	return nil
}

// rollback removes the optimistic message, puts back the default title when
// this send had set it, and explains the failure.
func (m *Manager) rollback(chatID, tempID, title string) {
	m.mu.Lock()
	if m.activeChatID == chatID {
		m.messages = removeMessage(m.messages, tempID)
	}
	if c, ok := findChat(m.chats, chatID); ok && title != "" && c.Title == title {
		c.Title = models.DefaultChatTitle
		m.chats = upsertChat(m.chats, c)
	}
	m.mu.Unlock()
	m.appendLocal(chatID, models.SenderAI, saveFailedText)
}

func (m *Manager) handleToolCall(ctx context.Context, chatID string, res conversation.Result) {
	fc := res.Call
	call, err := tools.Parse(fc)
	if err != nil {
		slog.Warn("Rejected tool call", "chat_id", chatID, "tool", fc.Name, "error", err)
		m.convs.RecordToolResult(chatID, res, map[string]any{"error": err.Error()}, toolFailedText)
		m.reply(ctx, chatID, models.Message{TextContent: toolFailedText}, nil)
		return
	}

	query := call.SearchWorkflow.Query
	workflows, err := m.dir.SearchWorkflows(ctx, query)
	if err != nil {
		text := fmt.Sprintf(searchFailedText, err.Error())
		m.convs.RecordToolResult(chatID, res, map[string]any{"error": err.Error()}, text)
		m.reply(ctx, chatID, models.Message{TextContent: text}, nil)
		return
	}

	text := fmt.Sprintf(noneFoundText, query)
	if len(workflows) > 0 {
		text = fmt.Sprintf(foundText, len(workflows), query)
	}
	m.convs.RecordToolResult(chatID, res, map[string]any{"workflows": workflows}, text)
	m.reply(ctx, chatID, models.Message{TextContent: text, IsWorkflowSuggestion: true}, workflows)
}

// reply persists an AI message and shows it in the chat. Render-only
// workflows are kept by message id so reloads and realtime echoes keep them.
func (m *Manager) reply(ctx context.Context, chatID string, msg models.Message, workflows []models.Workflow) *models.Message {
	msg.ChatID = chatID
	msg.OwnerID = m.ownerID
	msg.Sender = models.SenderAI

	stored, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		slog.Error("Failed to persist AI message", "chat_id", chatID, "error", err)
		m.appendLocal(chatID, models.SenderAI, replyFailedText)
		return nil
	}

	m.mu.Lock()
	if len(workflows) > 0 {
		m.suggestions[stored.ID] = workflows
	}
	if m.activeChatID == chatID {
		m.messages, _ = insertMessage(m.messages, *stored)
	}
	m.mu.Unlock()
	m.notify()
	return stored
}

// appendLocal shows a message that only lives in this session.
func (m *Manager) appendLocal(chatID string, sender models.Sender, text string) string {
	msg := models.Message{
		ID:          localIDPrefix + uuid.NewString(),
		ChatID:      chatID,
		OwnerID:     m.ownerID,
		TextContent: text,
		Sender:      sender,
		CreatedAt:   time.Now().UTC(),
		Transient:   true,
	}
	m.mu.Lock()
	if m.activeChatID == chatID {
		m.messages, _ = insertMessage(m.messages, msg)
	}
	m.mu.Unlock()
	m.notify()
	return msg.ID
}

// ExecuteWorkflow triggers a suggested workflow in the active chat. A
// transient status message is shown for the duration of the call.
func (m *Manager) ExecuteWorkflow(ctx context.Context, workflowID, workflowName string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	chatID := m.activeChatID
	if chatID == "" {
		m.mu.Unlock()
		return ErrNoActiveChat
	}
	status := models.Message{
		ID:          pendingIDPrefix + uuid.NewString(),
		ChatID:      chatID,
		OwnerID:     m.ownerID,
		TextContent: fmt.Sprintf(executingText, workflowName),
		Sender:      models.SenderAI,
		CreatedAt:   time.Now().UTC(),
		Transient:   true,
	}
	m.messages, _ = insertMessage(m.messages, status)
	m.mu.Unlock()
	m.notify()

	defer func() {
		m.mu.Lock()
		m.messages = removeMessage(m.messages, status.ID)
		m.mu.Unlock()
		m.notify()
	}()

	res, err := m.dir.ExecuteWorkflow(ctx, workflowID)
	text := fmt.Sprintf(executedText, workflowName)
	if err != nil || !res.Success {
		reason := res.Message
		if reason == "" && err != nil {
			reason = err.Error()
		}
		text = fmt.Sprintf(executeFailText, workflowName, reason)
		slog.Warn("Workflow execution failed", "chat_id", chatID, "workflow_id", workflowID, "error", err)
	}

	m.reply(ctx, chatID, models.Message{TextContent: text}, nil)

	exec := &models.WorkflowExecution{
		OwnerID:      m.ownerID,
		ChatID:       chatID,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Success:      err == nil && res.Success,
		Message:      text,
		Response:     datatypes.JSON(res.Response),
	}
	if err := m.store.RecordWorkflowExecution(ctx, exec); err != nil {
		slog.Warn("Failed to record workflow execution", "workflow_id", workflowID, "error", err)
	}
	return nil
}

func (m *Manager) handleChatEvent(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventInsert, realtime.EventUpdate:
		if evt.NewChat == nil {
			return
		}
		m.mu.Lock()
		m.chats = upsertChat(m.chats, *evt.NewChat)
		m.mu.Unlock()
		m.notify()
	case realtime.EventDelete:
		if evt.OldChat == nil {
			return
		}
		// Runs off the delivery goroutine since repairing the selection
		// calls back into the store.
		go func(chatID string) {
			if err := m.dropChat(m.ctx, chatID); err != nil && !errors.Is(err, ErrClosed) {
				slog.Warn("Failed to recover from remote chat deletion", "chat_id", chatID, "error", err)
			}
		}(evt.OldChat.ID)
	}
}

func (m *Manager) handleMessageEvent(evt realtime.Event) {
	m.mu.Lock()
	changed := false
	switch evt.Type {
	case realtime.EventInsert:
		msg := evt.NewMessage
		if msg == nil || msg.ChatID != m.activeChatID {
			break
		}
		if indexOfMessage(m.messages, msg.ID) >= 0 {
			break
		}
		if m.messages, changed = claimOptimistic(m.messages, *msg); changed {
			break
		}
		m.messages, changed = insertMessage(m.messages, *msg)
	case realtime.EventUpdate:
		if msg := evt.NewMessage; msg != nil && msg.ChatID == m.activeChatID {
			m.messages = replaceMessage(m.messages, *msg)
			changed = true
		}
	case realtime.EventDelete:
		if msg := evt.OldMessage; msg != nil {
			before := len(m.messages)
			m.messages = removeMessage(m.messages, msg.ID)
			changed = len(m.messages) != before
		}
	}
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

// Close tears down the realtime subscriptions. Sends already running finish
// against the store but no longer update this session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.stopMessages != nil {
		m.stopMessages()
		m.stopMessages = nil
	}
	if m.stopChats != nil {
		m.stopChats()
		m.stopChats = nil
	}
	m.cancel()
}
