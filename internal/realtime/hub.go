package realtime

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

type subscription struct {
	id     uint64
	filter Filter
	fn     Handler
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) loop() {
	for {
		select {
		case evt := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(evt)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub is the in-process fan-out point. Each subscription gets its own delivery
// goroutine, so a slow handler never blocks other subscribers and events reach
// one subscriber in publish order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

func (h *Hub) Subscribe(filter Filter, fn Handler) func() {
	sub := &subscription{
		filter: filter,
		fn:     fn,
		events: make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.loop()
	slog.Debug("Realtime subscription opened", "owner", filter.OwnerID, "table", filter.Table, "chat_id", filter.ChatID)

	return func() {
		sub.close()
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
	}
}

// Publish delivers evt to every matching subscription. It blocks while a
// subscriber's buffer is full, unless that subscription is torn down or ctx ends.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Matches(evt) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close tears down every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
