package models

// Turn captures one exchange of prior conversation carried as context.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MaxHistoryTurns bounds the conversation context sent to the model.
const MaxHistoryTurns = 4

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RecentTurns returns at most MaxHistoryTurns of the latest turns.
func RecentTurns(turns []Turn) []Turn {
	if len(turns) <= MaxHistoryTurns {
		return turns
	}
	return turns[len(turns)-MaxHistoryTurns:]
}
