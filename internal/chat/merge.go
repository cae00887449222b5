package chat

import (
	"sort"
	"strings"

	"github.com/ahmetk3436/torid/internal/models"
)

// TitleMaxLen is how many characters of the first message become the title,
// followed by "...".
const TitleMaxLen = 30

// TitleFrom derives a chat title from the first user message.
func TitleFrom(text, fileName string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		text = strings.TrimSpace(fileName)
	}
	if text == "" {
		return models.DefaultChatTitle
	}
	runes := []rune(text)
	if len(runes) <= TitleMaxLen {
		return text
	}
	return string(runes[:TitleMaxLen]) + "..."
}

func messageLess(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}

// hasPersisted reports whether msgs holds any stored message.
func hasPersisted(msgs []models.Message) bool {
	for _, m := range msgs {
		if !m.Transient {
			return true
		}
	}
	return false
}

func indexOfMessage(msgs []models.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertMessage adds msg in order. A message whose id is already present is
// left as is; the local copy wins.
func insertMessage(msgs []models.Message, msg models.Message) ([]models.Message, bool) {
	if indexOfMessage(msgs, msg.ID) >= 0 {
		return msgs, false
	}
	i := sort.Search(len(msgs), func(i int) bool { return messageLess(msg, msgs[i]) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs, true
}

// commitMessage swaps the optimistic message tempID for its durable row. When
// the durable row is already present the optimistic copy is dropped.
func commitMessage(msgs []models.Message, tempID string, durable models.Message) []models.Message {
	ti := indexOfMessage(msgs, tempID)
	if di := indexOfMessage(msgs, durable.ID); di >= 0 {
		if ti >= 0 {
			msgs = removeAt(msgs, ti)
		}
		return msgs
	}
	if ti >= 0 {
		msgs = removeAt(msgs, ti)
	}
	msgs, _ = insertMessage(msgs, durable)
	return msgs
}

// claimOptimistic replaces a pending optimistic user message that matches a
// durable row delivered by realtime before the insert call returned.
func claimOptimistic(msgs []models.Message, durable models.Message) ([]models.Message, bool) {
	if durable.Sender != models.SenderUser {
		return msgs, false
	}
	for i := range msgs {
		m := msgs[i]
		if !m.Transient || !strings.HasPrefix(m.ID, localIDPrefix) {
			continue
		}
		if m.Sender != durable.Sender || m.TextContent != durable.TextContent || !sameAttachment(m, durable) {
			continue
		}
		msgs = removeAt(msgs, i)
		msgs, _ = insertMessage(msgs, durable)
		return msgs, true
	}
	return msgs, false
}

func sameAttachment(a, b models.Message) bool {
	return derefString(a.AttachmentFileName) == derefString(b.AttachmentFileName)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func replaceMessage(msgs []models.Message, msg models.Message) []models.Message {
	i := indexOfMessage(msgs, msg.ID)
	if i < 0 {
		return msgs
	}
	msg.Workflows = msgs[i].Workflows
	msgs[i] = msg
	sortMessages(msgs)
	return msgs
}

func removeMessage(msgs []models.Message, id string) []models.Message {
	if i := indexOfMessage(msgs, id); i >= 0 {
		return removeAt(msgs, i)
	}
	return msgs
}

func removeAt(msgs []models.Message, i int) []models.Message {
	return append(msgs[:i], msgs[i+1:]...)
}

// mergeLoaded combines a freshly listed chat history with whatever arrived
// locally while the list was in flight.
func mergeLoaded(current, loaded []models.Message) []models.Message {
	merged := make([]models.Message, 0, len(loaded)+len(current))
	merged = append(merged, loaded...)
	sortMessages(merged)
	for _, m := range current {
		merged, _ = insertMessage(merged, m)
	}
	return merged
}

func chatLess(a, b models.Chat) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortChats(chats []models.Chat) {
	sort.SliceStable(chats, func(i, j int) bool { return chatLess(chats[i], chats[j]) })
}

// upsertChat inserts or replaces chat, keeping newest first.
func upsertChat(chats []models.Chat, chat models.Chat) []models.Chat {
	chat.Messages = nil
	for i := range chats {
		if chats[i].ID == chat.ID {
			chats[i] = chat
			return chats
		}
	}
	chats = append(chats, chat)
	sortChats(chats)
	return chats
}

func removeChat(chats []models.Chat, id string) ([]models.Chat, bool) {
	for i := range chats {
		if chats[i].ID == id {
			return append(chats[:i], chats[i+1:]...), true
		}
	}
	return chats, false
}

func findChat(chats []models.Chat, id string) (models.Chat, bool) {
	for _, c := range chats {
		if c.ID == id {
			return c, true
		}
	}
	return models.Chat{}, false
}
