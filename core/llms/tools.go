package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Tool is a function the model can ask to have run in the middle of a turn.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters *jsonschema.Schema

	execute func(ctx context.Context, arguments string) (string, error)
}

// NewTool describes a tool whose arguments decode into T. The parameters
// schema is reflected from T's json and jsonschema tags.
func NewTool[T any](name, description string, execute func(context.Context, T) (string, error)) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema := reflector.Reflect(new(T))
	schema.Version = ""

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		execute: func(ctx context.Context, arguments string) (string, error) {
			var parameters T
			if strings.TrimSpace(arguments) != "" {
				if err := json.Unmarshal([]byte(arguments), &parameters); err != nil {
					return "", fmt.Errorf("invalid arguments for tool %q: %w", name, err)
				}
			}
			return execute(ctx, parameters)
		},
	}
}

// Execute runs the tool with the raw JSON arguments sent by the model.
func (t Tool) Execute(ctx context.Context, arguments string) (string, error) {
	if t.execute == nil {
		return "", fmt.Errorf("tool %q has no implementation", t.Name)
	}
	return t.execute(ctx, arguments)
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type StreamToolCallChunk interface {
	StreamChunk
	ToolCall() ToolCall
}

type ToolCallChunk struct {
	finishReason *string
	toolCall     ToolCall
}

func NewToolCallChunk(toolCall ToolCall) ToolCallChunk {
	return ToolCallChunk{toolCall: toolCall}
}

func (c ToolCallChunk) FinishReason() *string {
	return c.finishReason
}

func (c ToolCallChunk) ToolCall() ToolCall {
	return c.toolCall
}
