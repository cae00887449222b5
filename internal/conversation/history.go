package conversation

import (
	"strings"

	"github.com/ahmetk3436/torid/internal/llm"
	"github.com/ahmetk3436/torid/internal/models"
)

// ToTurns converts persisted messages, oldest first, into seed turns. Only
// text is replayed. Empty messages are skipped, consecutive messages from the
// same side are merged, and the history always opens with a user turn.
func ToTurns(msgs []models.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.TextContent)
		if text == "" {
			continue
		}
		role := llm.RoleUser
		if m.Sender == models.SenderAI {
			role = llm.RoleModel
		}
		if len(turns) == 0 && role == llm.RoleModel {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, llm.TextPart(m.TextContent))
			continue
		}
		turns = append(turns, llm.Turn{Role: role, Parts: []llm.Part{llm.TextPart(m.TextContent)}})
	}
	return turns
}
