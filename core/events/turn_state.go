package events

import "github.com/koscakluka/ema-calls/core/llms"

// KindTurnCompleted identifies a completed conversational turn.
const KindTurnCompleted Kind = "turn_state.completed"

// TurnCompleted marks a user or assistant turn that has finished.
type TurnCompleted struct {
	Base
	Role    llms.Role
	Content string
}

// NewTurnCompleted creates a turn completed event.
func NewTurnCompleted(role llms.Role, content string) TurnCompleted {
	return TurnCompleted{Base: NewBase(KindTurnCompleted), Role: role, Content: content}
}
