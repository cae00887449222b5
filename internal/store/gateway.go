// Package store is the durable side of the chat: chats, messages and workflow
// execution records in Postgres, with a realtime event published after every
// committed write.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/realtime"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const publishTimeout = 5 * time.Second

type Gateway struct {
	db         *gorm.DB
	publisher  realtime.Publisher
	subscriber realtime.Subscriber
	now        func() time.Time
}

func NewGateway(db *gorm.DB, publisher realtime.Publisher, subscriber realtime.Subscriber) *Gateway {
	return &Gateway{
		db:         db,
		publisher:  publisher,
		subscriber: subscriber,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ListChats returns the owner's chats, newest first.
func (g *Gateway) ListChats(ctx context.Context, ownerID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Find(&chats).Error
	if err != nil {
		return nil, wrap("list chats", err)
	}
	return chats, nil
}

func (g *Gateway) InsertChat(ctx context.Context, ownerID, title string) (*models.Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = models.DefaultChatTitle
	}
	chat := &models.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: g.now(),
	}
	if err := g.db.WithContext(ctx).Create(chat).Error; err != nil {
		return nil, wrap("insert chat", err)
	}
	g.publish(ctx, realtime.Event{Type: realtime.EventInsert, Table: realtime.TableChats, NewChat: chat})
	return chat, nil
}

func (g *Gateway) UpdateChatTitle(ctx context.Context, ownerID, chatID, title string) (*models.Chat, error) {
	var updated models.Chat
	var old models.Chat
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND owner_id = ?", chatID, ownerID).First(&old).Error; err != nil {
			return err
		}
		updated = old
		updated.Title = title
		return tx.Model(&models.Chat{}).Where("id = ? AND owner_id = ?", chatID, ownerID).Update("title", title).Error
	})
	if err != nil {
		return nil, wrap("update chat title", notFound(err))
	}
	g.publish(ctx, realtime.Event{Type: realtime.EventUpdate, Table: realtime.TableChats, NewChat: &updated, OldChat: &old})
	return &updated, nil
}

// DeleteChat removes the chat and all of its messages. Deleting a chat that
// no longer exists is not an error.
func (g *Gateway) DeleteChat(ctx context.Context, chatID, ownerID string) error {
	var chat models.Chat
	deleted := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND owner_id = ?", chatID, ownerID).First(&chat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Chat{}, "id = ?", chatID).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return wrap("delete chat", err)
	}
	if deleted {
		g.publish(ctx, realtime.Event{Type: realtime.EventDelete, Table: realtime.TableChats, OldChat: &chat})
	}
	return nil
}

func (g *Gateway) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	if err := g.db.WithContext(ctx).Where("id = ?", chatID).First(&chat).Error; err != nil {
		return nil, wrap("get chat", notFound(err))
	}
	return &chat, nil
}

// ListMessages returns the chat's messages in rendering order.
func (g *Gateway) ListMessages(ctx context.Context, chatID, ownerID string) ([]models.Message, error) {
	var msgs []models.Message
	err := g.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, wrap("list messages", err)
	}
	return msgs, nil
}

// InsertMessage persists msg with a server-assigned id and timestamp and
// returns the stored row. The chat must belong to msg.OwnerID; otherwise the
// error wraps ErrNotFound. Render-only fields on msg are ignored.
func (g *Gateway) InsertMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	stored := msg
	stored.ID = uuid.NewString()
	stored.CreatedAt = g.now()
	stored.Workflows = nil
	stored.Transient = false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ownedChat(tx, stored.ChatID, stored.OwnerID); err != nil {
			return err
		}
		return tx.Create(&stored).Error
	})
	if err != nil {
		return nil, wrap("insert message", notFound(err))
	}
	g.publish(ctx, realtime.Event{Type: realtime.EventInsert, Table: realtime.TableMessages, NewMessage: &stored})
	return &stored, nil
}

func (g *Gateway) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := g.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error; err != nil {
		return nil, wrap("get message", notFound(err))
	}
	return &msg, nil
}

func (g *Gateway) RecordWorkflowExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = g.now()
	}
	return wrap("record workflow execution", g.db.WithContext(ctx).Create(exec).Error)
}

// ListWorkflowExecutions returns the owner's most recent workflow triggers.
func (g *Gateway) ListWorkflowExecutions(ctx context.Context, ownerID string, limit int) ([]models.WorkflowExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var execs []models.WorkflowExecution
	err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, wrap("list workflow executions", err)
	}
	return execs, nil
}

// SubscribeChats delivers every chat change for the owner until the returned
// function is called.
func (g *Gateway) SubscribeChats(ownerID string, fn realtime.Handler) func() {
	return g.subscriber.Subscribe(realtime.Filter{OwnerID: ownerID, Table: realtime.TableChats}, fn)
}

// SubscribeMessages delivers message changes of a single chat.
func (g *Gateway) SubscribeMessages(ownerID, chatID string, fn realtime.Handler) func() {
	return g.subscriber.Subscribe(realtime.Filter{OwnerID: ownerID, Table: realtime.TableMessages, ChatID: chatID}, fn)
}

// publish runs after commit; the write already succeeded, so a failed
// notification is only logged.
func (g *Gateway) publish(ctx context.Context, evt realtime.Event) {
	if g.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := g.publisher.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish realtime event", "table", evt.Table, "type", evt.Type, "error", err)
	}
}

// ownedChat locks the chat row for the rest of tx, failing with
// gorm.ErrRecordNotFound when it does not exist or belongs to someone else.
func ownedChat(tx *gorm.DB, chatID, ownerID string) error {
	var chat models.Chat
	return tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Select("id").
		Where("id = ? AND owner_id = ?", chatID, ownerID).
		First(&chat).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
