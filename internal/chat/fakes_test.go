package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ahmetk3436/torid/internal/attachment"
	"github.com/ahmetk3436/torid/internal/conversation"
	"github.com/ahmetk3436/torid/internal/llm"
	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/n8n"
	"github.com/ahmetk3436/torid/internal/realtime"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const owner = "user@example.com"

type fakeStore struct {
	hub *realtime.Hub

	mu             sync.Mutex
	clock          time.Time
	chats          map[string]models.Chat
	messages       map[string]models.Message
	executions     []models.WorkflowExecution
	insertChats    int
	insertMsgCalls int
	insertMsgErr   error
	// listGate, when set, holds ListMessages until it is closed.
	listGate chan struct{}
}

func newFakeStore(t *testing.T) *fakeStore {
	hub := realtime.NewHub()
	t.Cleanup(hub.Close)
	return &fakeStore{
		hub:      hub,
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		chats:    make(map[string]models.Chat),
		messages: make(map[string]models.Message),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) publish(evt realtime.Event) {
	_ = s.hub.Publish(context.Background(), evt)
}

func (s *fakeStore) ListChats(_ context.Context, ownerID string) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for _, c := range s.chats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sortChats(out)
	return out, nil
}

func (s *fakeStore) InsertChat(_ context.Context, ownerID, title string) (*models.Chat, error) {
	s.mu.Lock()
	c := models.Chat{ID: uuid.NewString(), OwnerID: ownerID, Title: title, CreatedAt: s.tick()}
	s.chats[c.ID] = c
	s.insertChats++
	s.mu.Unlock()
	s.publish(realtime.Event{Type: realtime.EventInsert, Table: realtime.TableChats, NewChat: &c})
	return &c, nil
}

func (s *fakeStore) UpdateChatTitle(_ context.Context, ownerID, chatID, title string) (*models.Chat, error) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok || c.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.New("not found")
	}
	old := c
	c.Title = title
	s.chats[chatID] = c
	s.mu.Unlock()
	s.publish(realtime.Event{Type: realtime.EventUpdate, Table: realtime.TableChats, NewChat: &c, OldChat: &old})
	return &c, nil
}

func (s *fakeStore) DeleteChat(_ context.Context, chatID, ownerID string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok || c.OwnerID != ownerID {
		s.mu.Unlock()
		return nil
	}
	delete(s.chats, chatID)
	for id, m := range s.messages {
		if m.ChatID == chatID {
			delete(s.messages, id)
		}
	}
	s.mu.Unlock()
	s.publish(realtime.Event{Type: realtime.EventDelete, Table: realtime.TableChats, OldChat: &c})
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, chatID, ownerID string) ([]models.Message, error) {
	s.mu.Lock()
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ChatID == chatID && m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg models.Message) (*models.Message, error) {
	s.mu.Lock()
	s.insertMsgCalls++
	if s.insertMsgErr != nil {
		err := s.insertMsgErr
		s.mu.Unlock()
		return nil, err
	}
	if c, ok := s.chats[msg.ChatID]; !ok || c.OwnerID != msg.OwnerID {
		s.mu.Unlock()
		return nil, errors.New("chat not found")
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.tick()
	msg.Workflows = nil
	msg.Transient = false
	s.messages[msg.ID] = msg
	s.mu.Unlock()
	s.publish(realtime.Event{Type: realtime.EventInsert, Table: realtime.TableMessages, NewMessage: &msg})
	return &msg, nil
}

func (s *fakeStore) RecordWorkflowExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, *exec)
	return nil
}

func (s *fakeStore) SubscribeChats(ownerID string, fn realtime.Handler) func() {
	return s.hub.Subscribe(realtime.Filter{OwnerID: ownerID, Table: realtime.TableChats}, fn)
}

func (s *fakeStore) SubscribeMessages(ownerID, chatID string, fn realtime.Handler) func() {
	return s.hub.Subscribe(realtime.Filter{OwnerID: ownerID, Table: realtime.TableMessages, ChatID: chatID}, fn)
}

func (s *fakeStore) chatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

func (s *fakeStore) storedMessages(chatID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out
}

// fakeModel answers with respond, optionally waiting on gate first.
type fakeModel struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	started chan struct{}
	respond func(req llm.Request) (*llm.Response, error)
}

func (f *fakeModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond == nil {
		return &llm.Response{Parts: []llm.Part{llm.TextPart("ok")}}, nil
	}
	return f.respond(req)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replyWith(text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Parts: []llm.Part{llm.TextPart(text)}}, nil
	}
}

type fakeDirectory struct {
	workflows     []models.Workflow
	searchErr     error
	execErr       error
	gate          chan struct{}
	started       chan struct{}
	searchGate    chan struct{}
	searchStarted chan struct{}
	mu            sync.Mutex
	queries       []string
	executions    []string
}

func (d *fakeDirectory) SearchWorkflows(_ context.Context, query string) ([]models.Workflow, error) {
	d.mu.Lock()
	d.queries = append(d.queries, query)
	d.mu.Unlock()
	if d.searchStarted != nil {
		d.searchStarted <- struct{}{}
	}
	if d.searchGate != nil {
		<-d.searchGate
	}
	return d.workflows, d.searchErr
}

func (d *fakeDirectory) ExecuteWorkflow(_ context.Context, workflowID string) (n8n.ExecutionResult, error) {
	d.mu.Lock()
	d.executions = append(d.executions, workflowID)
	d.mu.Unlock()
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.execErr != nil {
		return n8n.ExecutionResult{Message: d.execErr.Error()}, d.execErr
	}
	return n8n.ExecutionResult{Success: true, Response: []byte(`{"id":"exec-1"}`)}, nil
}

// requestTexts flattens the text parts of every turn in req.
func requestTexts(req llm.Request) []string {
	var out []string
	for _, turn := range req.Contents {
		for _, p := range turn.Parts {
			if p.Text != "" {
				out = append(out, p.Text)
			}
		}
	}
	return out
}

type harness struct {
	store *fakeStore
	model *fakeModel
	dir   *fakeDirectory
	convs *conversation.Cache
	files *attachment.Cache
	mgr   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(t),
		model: &fakeModel{},
		dir:   &fakeDirectory{},
		files: attachment.NewCache(),
	}
	h.convs = conversation.NewCache(h.model, h.store, "TORID_AI")
	h.mgr = h.session(t, owner)
	return h
}

// session opens another manager on the harness's shared services.
func (h *harness) session(t *testing.T, ownerID string) *Manager {
	t.Helper()
	m := NewManager(ownerID, h.store, h.convs, h.dir, h.files)
	t.Cleanup(m.Close)
	return m
}

func (h *harness) load(t *testing.T) State {
	t.Helper()
	require.NoError(t, h.mgr.Load(context.Background()))
	return h.mgr.Snapshot()
}

// settled waits until the snapshot satisfies cond.
func (h *harness) settled(t *testing.T, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.mgr.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return h.mgr.Snapshot()
}

func persistedCount(s State) int {
	n := 0
	for _, m := range s.Messages {
		if !m.Transient {
			n++
		}
	}
	return n
}

func requireNoDuplicates(t *testing.T, msgs []models.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for _, m := range msgs {
		require.False(t, seen[m.ID], "message %s shown twice", m.ID)
		seen[m.ID] = true
	}
	require.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) }))
}
