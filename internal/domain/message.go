package domain

// Role constants for transcript messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role/content entry in a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatBody is the conversation payload the host hands to a pipe.
// The pipe reads the last message as the user's input and appends
// exactly one assistant message before returning. The body is owned
// by the host; pipes mutate it in place.
type ChatBody struct {
	SessionID string    `json:"session_id,omitempty"`
	Messages  []Message `json:"messages"`
}

// LastContent returns the content of the most recent message,
// or "" when the transcript is empty.
func (b *ChatBody) LastContent() string {
	if b == nil || len(b.Messages) == 0 {
		return ""
	}
	return b.Messages[len(b.Messages)-1].Content
}

// SystemPrompt returns the content of the first system-role message,
// or "" when the transcript carries none.
func (b *ChatBody) SystemPrompt() string {
	if b == nil {
		return ""
	}
	for _, m := range b.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// AppendAssistant appends an assistant-role message to the transcript.
func (b *ChatBody) AppendAssistant(content string) {
	b.Messages = append(b.Messages, Message{Role: RoleAssistant, Content: content})
}
