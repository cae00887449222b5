package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func messageEvent(owner, chatID, id string) Event {
	return Event{
		Type:       EventInsert,
		Table:      TableMessages,
		NewMessage: &models.Message{ID: id, ChatID: chatID, OwnerID: owner},
	}
}

func TestFilter_Matches(t *testing.T) {
	evt := messageEvent("alice", "chat-1", "m1")

	require.True(t, Filter{OwnerID: "alice", Table: TableMessages}.Matches(evt))
	require.True(t, Filter{OwnerID: "alice", Table: TableMessages, ChatID: "chat-1"}.Matches(evt))
	require.False(t, Filter{OwnerID: "alice", Table: TableMessages, ChatID: "chat-2"}.Matches(evt))
	require.False(t, Filter{OwnerID: "bob", Table: TableMessages}.Matches(evt))
	require.False(t, Filter{OwnerID: "alice", Table: TableChats}.Matches(evt))

	chatEvt := Event{Type: EventDelete, Table: TableChats, OldChat: &models.Chat{ID: "chat-1", OwnerID: "alice"}}
	require.True(t, Filter{OwnerID: "alice", Table: TableChats}.Matches(chatEvt))
}

func TestHub_DeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var chat1, chat2 recorder
	unsub1 := hub.Subscribe(Filter{OwnerID: "alice", Table: TableMessages, ChatID: "chat-1"}, chat1.handle)
	defer unsub1()
	unsub2 := hub.Subscribe(Filter{OwnerID: "alice", Table: TableMessages, ChatID: "chat-2"}, chat2.handle)
	defer unsub2()

	require.NoError(t, hub.Publish(context.Background(), messageEvent("alice", "chat-1", "m1")))
	require.NoError(t, hub.Publish(context.Background(), messageEvent("alice", "chat-1", "m2")))

	require.Eventually(t, func() bool { return chat1.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, chat2.count())

	chat1.mu.Lock()
	require.Equal(t, "m1", chat1.events[0].NewMessage.ID, "events must arrive in publish order")
	require.Equal(t, "m2", chat1.events[1].NewMessage.ID)
	chat1.mu.Unlock()
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var rec recorder
	unsub := hub.Subscribe(Filter{OwnerID: "alice", Table: TableMessages}, rec.handle)
	require.Equal(t, 1, hub.Len())

	unsub()
	unsub() // idempotent
	require.Equal(t, 0, hub.Len())

	require.NoError(t, hub.Publish(context.Background(), messageEvent("alice", "chat-1", "m1")))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rec.count())
}

func TestHub_UnsubscribeFromHandler(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var unsub func()
	unsub = hub.Subscribe(Filter{OwnerID: "alice", Table: TableMessages}, func(Event) {
		unsub()
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(context.Background(), messageEvent("alice", "c", "m")))
	}
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseRejectsNewSubscriptions(t *testing.T) {
	hub := NewHub()
	hub.Close()

	unsub := hub.Subscribe(Filter{OwnerID: "alice", Table: TableChats}, func(Event) {})
	unsub()
	require.Equal(t, 0, hub.Len())
}
