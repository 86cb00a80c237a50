package groq

import (
	"github.com/invopop/jsonschema"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-calls/core/llms"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

const toolTypeFunction = "function"

func toTools(tools []llms.Tool) []tool {
	if len(tools) == 0 {
		return nil
	}

	var functions []toolFunction
	if err := copier.Copy(&functions, tools); err != nil {
		logger.Error("failed to copy tools into groq functions", "error", err)
		return nil
	}
	groqTools := make([]tool, 0, len(functions))
	for _, function := range functions {
		groqTools = append(groqTools, tool{Type: toolTypeFunction, Function: function})
	}
	return groqTools
}

func toMessages(instructions string, conversation llms.Conversation) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}

	normalized := conversation.Normalized()
	var history []message
	if err := copier.Copy(&history, normalized); err != nil {
		logger.Error("failed to copy conversation into groq messages", "error", err)
		return messages
	}
	for i, msg := range normalized {
		history[i].ToolCalls = nil
		for _, call := range msg.ToolCalls {
			history[i].ToolCalls = append(history[i].ToolCalls, toolCall{
				ID:       call.ID,
				Type:     toolTypeFunction,
				Function: toolCallFunction{Name: call.Name, Arguments: call.Arguments},
			})
		}
	}
	return append(messages, history...)
}
