package llm

import (
	"strings"

	"github.com/mpataki/crew/internal/models"
)

// FromHistory maps a tagged conversation onto chat turns as seen by self:
// self's messages become assistant turns and everyone else's user turns.
// System messages are lifted into the returned system prompt and adjacent
// turns with the same role are merged.
func FromHistory(history []models.Message, self models.Author) (string, []Message) {
	var system []string
	var turns []Message

	for _, m := range history {
		if m.Author == models.AuthorSystem {
			system = append(system, m.Text)
			continue
		}

		role := RoleUser
		if m.Author == self {
			role = RoleAssistant
		}

		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Text
			continue
		}
		turns = append(turns, Message{Role: role, Content: m.Text})
	}

	if len(turns) > 0 && turns[0].Role == RoleAssistant {
		turns = append([]Message{{Role: RoleUser, Content: "Begin."}}, turns...)
	}

	return strings.Join(system, "\n\n"), turns
}
