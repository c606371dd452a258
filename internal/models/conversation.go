package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// UntitledTitle is the title of a conversation before its first user turn.
	UntitledTitle = "新对话"
	// GreetingText seeds every new conversation.
	GreetingText = "您好！我是您的 AI 助手，请问有什么我可以帮您的吗？"
)

// Turn is one user or assistant entry in a conversation transcript.
type Turn struct {
	Role      string    `json:"role" bson:"role"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Conversation is a titled, ordered transcript owned by one user.
type Conversation struct {
	ID        string    `json:"id" bson:"id"`
	Title     string    `json:"title" bson:"title"`
	Turns     []Turn    `json:"messages" bson:"turns"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored turns.
func (c Conversation) Clone() Conversation {
	c.Turns = append([]Turn(nil), c.Turns...)
	return c
}

// HasUserTurn reports whether any turn in the transcript was written by the user.
func (c Conversation) HasUserTurn() bool {
	for _, turn := range c.Turns {
		if turn.Role == RoleUser {
			return true
		}
	}
	return false
}

// IsValidTurnRole reports whether role may appear on a Turn.
func IsValidTurnRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
