package llms

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleTool carries a tool result back to the model. It is never produced
	// by NormalizeRole; a message is a tool result when ToolCallID is set.
	RoleTool Role = "tool"
)

// NormalizeRole maps provider specific role names onto user, assistant and
// system. Anything unrecognised is treated as the user.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "agent", "model", "bot":
		return RoleAssistant
	case "system", "developer":
		return RoleSystem
	default:
		return RoleUser
	}
}

// Message is a single visible entry in a call's conversation.
type Message struct {
	Role    Role
	Content string
	// Parts holds multi-part content. It is only consulted when Content is
	// empty.
	Parts []string

	// ToolCalls are the tools an assistant message asked to run.
	ToolCalls []ToolCall
	// ToolCallID marks the message as the result of that tool call.
	ToolCallID string
}

// Text flattens the message content into a single trimmed string.
func (m Message) Text() string {
	if m.Content != "" {
		return strings.TrimSpace(m.Content)
	}

	parts := make([]string, 0, len(m.Parts))
	for _, part := range m.Parts {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

type Conversation []Message

// Normalized returns a copy with roles mapped onto the fixed taxonomy,
// multi-part content flattened and empty entries dropped. Tool calls and
// tool results are kept as they are.
func (c Conversation) Normalized() Conversation {
	normalized := make(Conversation, 0, len(c))
	for _, msg := range c {
		text := msg.Text()
		switch {
		case msg.ToolCallID != "":
			normalized = append(normalized, Message{
				Role:       RoleTool,
				Content:    text,
				ToolCallID: msg.ToolCallID,
			})
		case len(msg.ToolCalls) > 0:
			normalized = append(normalized, Message{
				Role:      RoleAssistant,
				Content:   text,
				ToolCalls: append([]ToolCall(nil), msg.ToolCalls...),
			})
		case text != "":
			normalized = append(normalized, Message{
				Role:    NormalizeRole(string(msg.Role)),
				Content: text,
			})
		}
	}
	return normalized
}

// LatestUserMessage returns the most recent non-empty user entry.
func (c Conversation) LatestUserMessage() (Message, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		msg := c[i]
		if msg.ToolCallID != "" || NormalizeRole(string(msg.Role)) != RoleUser {
			continue
		}
		if text := msg.Text(); text != "" {
			return Message{Role: RoleUser, Content: text}, true
		}
	}
	return Message{}, false
}
