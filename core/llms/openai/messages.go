package openai

import (
	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-calls/core/llms"
)

type openAIMessage struct {
	Type messageType `json:"type"`

	Role    messageRole `json:"role,omitempty"`
	Content string      `json:"content,omitempty"`

	ToolCallID        string `json:"call_id,omitempty"`
	ToolCallName      string `json:"name,omitempty"`
	ToolCallArguments string `json:"arguments,omitempty"`
	ToolCallOutput    string `json:"output,omitempty"`
}

type messageRole string

const (
	messageRoleDeveloper messageRole = "developer"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type messageType string

const (
	messageTypeMessage            messageType = "message"
	messageTypeFunctionCall       messageType = "function_call"
	messageTypeFunctionCallOutput messageType = "function_call_output"
)

type openAITool struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

func toOpenAITools(tools []llms.Tool) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	openAITools := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		openAITools = append(openAITools, openAITool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return openAITools
}

func toOpenAIMessages(instructions string, conversation llms.Conversation) []openAIMessage {
	messages := []openAIMessage{}
	if instructions != "" {
		messages = append(messages, openAIMessage{
			Role:    messageRoleDeveloper,
			Type:    messageTypeMessage,
			Content: instructions,
		})
	}

	for _, msg := range conversation.Normalized() {
		if msg.Role == llms.RoleTool {
			messages = append(messages, openAIMessage{
				Type:           messageTypeFunctionCallOutput,
				ToolCallID:     msg.ToolCallID,
				ToolCallOutput: msg.Content,
			})
			continue
		}

		role := messageRoleUser
		switch msg.Role {
		case llms.RoleAssistant:
			role = messageRoleAssistant
		case llms.RoleSystem:
			role = messageRoleDeveloper
		}

		if msg.Content != "" {
			messages = append(messages, openAIMessage{
				Type:    messageTypeMessage,
				Role:    role,
				Content: msg.Content,
			})
		}
		for _, toolCall := range msg.ToolCalls {
			messages = append(messages, openAIMessage{
				Type:              messageTypeFunctionCall,
				ToolCallID:        toolCall.ID,
				ToolCallName:      toolCall.Name,
				ToolCallArguments: toolCall.Arguments,
			})
		}
	}
	return messages
}
