package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

// ref identifies a row when the full event does not fit into a notification.
type ref struct {
	Type    EventType `json:"eventType"`
	Table   Table     `json:"table"`
	ID      string    `json:"id"`
	ChatID  string    `json:"chat_id,omitempty"`
	OwnerID string    `json:"owner_id"`
}

type envelope struct {
	Event *Event `json:"event,omitempty"`
	Ref   *ref   `json:"ref,omitempty"`
}

func refOf(evt Event) *ref {
	r := &ref{Type: evt.Type, Table: evt.Table, ChatID: evt.ChatID(), OwnerID: evt.OwnerID()}
	if c := evt.Chat(); c != nil {
		r.ID = c.ID
		r.ChatID = ""
	}
	if m := evt.Message(); m != nil {
		r.ID = m.ID
	}
	return r
}

func encodeNotification(evt Event) (string, error) {
	payload, err := json.Marshal(envelope{Event: &evt})
	if err != nil {
		return "", fmt.Errorf("marshaling event: %w", err)
	}
	if len(payload) <= maxNotifyPayload {
		return string(payload), nil
	}
	payload, err = json.Marshal(envelope{Ref: refOf(evt)})
	if err != nil {
		return "", fmt.Errorf("marshaling event reference: %w", err)
	}
	return string(payload), nil
}

// Resolver loads rows for reference-only notifications.
type Resolver interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
}

func decodeNotification(ctx context.Context, payload string, resolver Resolver) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, fmt.Errorf("unmarshaling notification: %w", err)
	}
	if env.Event != nil {
		return *env.Event, nil
	}
	if env.Ref == nil {
		return Event{}, errors.New("empty notification")
	}

	r := env.Ref
	evt := Event{Type: r.Type, Table: r.Table}
	switch r.Table {
	case TableChats:
		if r.Type == EventDelete {
			evt.OldChat = &models.Chat{ID: r.ID, OwnerID: r.OwnerID}
			return evt, nil
		}
		chat, err := resolver.GetChat(ctx, r.ID)
		if err != nil {
			return Event{}, fmt.Errorf("resolving chat %s: %w", r.ID, err)
		}
		evt.NewChat = chat
	case TableMessages:
		if r.Type == EventDelete {
			evt.OldMessage = &models.Message{ID: r.ID, ChatID: r.ChatID, OwnerID: r.OwnerID}
			return evt, nil
		}
		msg, err := resolver.GetMessage(ctx, r.ID)
		if err != nil {
			return Event{}, fmt.Errorf("resolving message %s: %w", r.ID, err)
		}
		evt.NewMessage = msg
	default:
		return Event{}, fmt.Errorf("unknown table %q", r.Table)
	}
	return evt, nil
}

// Notifier publishes events through pg_notify so every server process
// listening on the channel sees them.
type Notifier struct {
	db      *gorm.DB
	channel string
}

func NewNotifier(db *gorm.DB, channel string) *Notifier {
	return &Notifier{db: db, channel: channel}
}

func (n *Notifier) Publish(ctx context.Context, evt Event) error {
	payload, err := encodeNotification(evt)
	if err != nil {
		return err
	}
	if err := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", n.channel, payload).Error; err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Listener holds a dedicated pgx connection on LISTEN and republishes every
// notification into the local hub.
type Listener struct {
	dsn      string
	channel  string
	target   Publisher
	resolver Resolver
	cancel   context.CancelFunc
	done     chan struct{}

	retry backoff
	// listenFn runs one connection; it calls listening once LISTEN is active.
	listenFn func(ctx context.Context, listening func()) error
}

func NewListener(dsn, channel string, target Publisher, resolver Resolver) *Listener {
	l := &Listener{
		dsn:      dsn,
		channel:  channel,
		target:   target,
		resolver: resolver,
		done:     make(chan struct{}),
		retry:    backoff{min: time.Second, max: 30 * time.Second},
	}
	l.listenFn = l.listen
	return l
}

// backoff doubles from min up to max until reset.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.cur = 0
}

func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.loop(ctx)
	slog.Info("Realtime listener started", "channel", l.channel)
}

func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Realtime listener stopped")
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)

	for {
		err := l.listenFn(ctx, l.retry.reset)
		if ctx.Err() != nil {
			return
		}
		wait := l.retry.next()
		slog.Warn("Realtime listener disconnected, retrying", "error", err, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) listen(ctx context.Context, listening func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	listening()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		evt, err := decodeNotification(ctx, n.Payload, l.resolver)
		if err != nil {
			slog.Warn("Dropping realtime notification", "error", err)
			continue
		}
		if err := l.target.Publish(ctx, evt); err != nil {
			return err
		}
	}
}
