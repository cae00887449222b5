package store

import (
	"context"
	"os"
	"testing"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/realtime"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestGateway connects to TORID_TEST_DATABASE_DSN, skipping the test when
// it is unset.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dsn := os.Getenv("TORID_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TORID_TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Chat{}, &models.Message{}, &models.WorkflowExecution{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	hub := realtime.NewHub()
	t.Cleanup(hub.Close)
	return NewGateway(db, hub, hub)
}

func TestGateway_MessagesStayWithTheChatOwner(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	chat, err := g.InsertChat(ctx, "alice", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.DeleteChat(ctx, chat.ID, "alice") })
	require.Equal(t, models.DefaultChatTitle, chat.Title)

	_, err = g.InsertMessage(ctx, models.Message{ChatID: chat.ID, OwnerID: "alice", TextContent: "my PIN is 4321", Sender: models.SenderUser})
	require.NoError(t, err)

	_, err = g.InsertMessage(ctx, models.Message{ChatID: chat.ID, OwnerID: "mallory", TextContent: "hi", Sender: models.SenderUser})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = g.UpdateChatTitle(ctx, "mallory", chat.ID, "mine now")
	require.ErrorIs(t, err, ErrNotFound)

	msgs, err := g.ListMessages(ctx, chat.ID, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = g.ListMessages(ctx, chat.ID, "mallory")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGateway_DeleteChatRemovesMessages(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	chat, err := g.InsertChat(ctx, "alice", "to delete")
	require.NoError(t, err)
	_, err = g.InsertMessage(ctx, models.Message{ChatID: chat.ID, OwnerID: "alice", TextContent: "bye", Sender: models.SenderUser})
	require.NoError(t, err)

	// Someone else's delete is a no-op.
	require.NoError(t, g.DeleteChat(ctx, chat.ID, "mallory"))
	_, err = g.GetChat(ctx, chat.ID)
	require.NoError(t, err)

	require.NoError(t, g.DeleteChat(ctx, chat.ID, "alice"))
	_, err = g.GetChat(ctx, chat.ID)
	require.ErrorIs(t, err, ErrNotFound)

	msgs, err := g.ListMessages(ctx, chat.ID, "alice")
	require.NoError(t, err)
	require.Empty(t, msgs)
}
