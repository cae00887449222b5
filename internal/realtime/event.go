// Package realtime fans out row-change notifications for chats and messages
// to subscribers scoped by owner and, for messages, by chat.
package realtime

import (
	"context"

	"github.com/ahmetk3436/torid/internal/models"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Table string

const (
	TableChats    Table = "chats"
	TableMessages Table = "messages"
)

// Event mirrors a single row change. New carries the row after insert/update,
// Old the row before update/delete. Only one of the chat or message pairs is set.
type Event struct {
	Type       EventType       `json:"eventType"`
	Table      Table           `json:"table"`
	NewChat    *models.Chat    `json:"new_chat,omitempty"`
	OldChat    *models.Chat    `json:"old_chat,omitempty"`
	NewMessage *models.Message `json:"new_message,omitempty"`
	OldMessage *models.Message `json:"old_message,omitempty"`
}

// OwnerID returns the owner of the changed row.
func (e Event) OwnerID() string {
	switch {
	case e.NewChat != nil:
		return e.NewChat.OwnerID
	case e.OldChat != nil:
		return e.OldChat.OwnerID
	case e.NewMessage != nil:
		return e.NewMessage.OwnerID
	case e.OldMessage != nil:
		return e.OldMessage.OwnerID
	}
	return ""
}

// ChatID returns the chat the row belongs to (or is, for chat rows).
func (e Event) ChatID() string {
	switch {
	case e.NewChat != nil:
		return e.NewChat.ID
	case e.OldChat != nil:
		return e.OldChat.ID
	case e.NewMessage != nil:
		return e.NewMessage.ChatID
	case e.OldMessage != nil:
		return e.OldMessage.ChatID
	}
	return ""
}

// Chat returns whichever chat row the event carries, preferring the new one.
func (e Event) Chat() *models.Chat {
	if e.NewChat != nil {
		return e.NewChat
	}
	return e.OldChat
}

// Message returns whichever message row the event carries, preferring the new one.
func (e Event) Message() *models.Message {
	if e.NewMessage != nil {
		return e.NewMessage
	}
	return e.OldMessage
}

// Filter scopes a subscription. ChatID is only honoured for the messages table.
type Filter struct {
	OwnerID string
	Table   Table
	ChatID  string
}

func (f Filter) Matches(e Event) bool {
	if e.Table != f.Table || e.OwnerID() != f.OwnerID {
		return false
	}
	if f.Table == TableMessages && f.ChatID != "" && e.ChatID() != f.ChatID {
		return false
	}
	return true
}

type Handler func(Event)

// Publisher is implemented by anything that can deliver a committed change.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber hands out scoped subscriptions; the returned func tears it down.
type Subscriber interface {
	Subscribe(filter Filter, fn Handler) (unsubscribe func())
}
