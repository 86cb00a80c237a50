package llms

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
)

type lookupParameters struct {
	Query    string `json:"query" jsonschema_description:"What to look up, in the caller's words"`
	Language string `json:"language" jsonschema:"enum=Hindi,enum=English"`
	Limit    int    `json:"limit,omitempty"`
}

func TestNewToolReflectsParametersSchema(t *testing.T) {
	tool := NewTool("lookup", "Look something up", func(context.Context, lookupParameters) (string, error) {
		return "", nil
	})

	schema := tool.Parameters
	if schema == nil {
		t.Fatalf("expected parameters schema")
	}
	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	query, ok := schema.Properties.Get("query")
	if !ok || query.Type != "string" || query.Description != "What to look up, in the caller's words" {
		t.Fatalf("unexpected query property: %+v", query)
	}
	language, ok := schema.Properties.Get("language")
	if !ok || len(language.Enum) != 2 {
		t.Fatalf("expected language enum, got %+v", language)
	}
	if !slices.Contains(schema.Required, "query") || !slices.Contains(schema.Required, "language") {
		t.Fatalf("expected query and language to be required, got %v", schema.Required)
	}
	if slices.Contains(schema.Required, "limit") {
		t.Fatalf("expected omitempty field to be optional, got %v", schema.Required)
	}

	encoded, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("failed to encode schema: %v", err)
	}
	for _, unwanted := range []string{"$schema", "$ref", "$id"} {
		if strings.Contains(string(encoded), unwanted) {
			t.Fatalf("expected inline schema without %s, got %s", unwanted, encoded)
		}
	}
}

func TestToolExecuteDecodesArguments(t *testing.T) {
	var received lookupParameters
	tool := NewTool("lookup", "Look something up", func(_ context.Context, parameters lookupParameters) (string, error) {
		received = parameters
		return "found it", nil
	})

	response, err := tool.Execute(context.Background(), `{"query":"opening hours","language":"English"}`)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if response != "found it" {
		t.Fatalf("expected tool response, got %q", response)
	}
	if received.Query != "opening hours" || received.Language != "English" {
		t.Fatalf("unexpected decoded parameters: %+v", received)
	}
}

func TestToolExecuteAcceptsEmptyArguments(t *testing.T) {
	called := false
	tool := NewTool("hang_up", "Hang up", func(context.Context, struct{}) (string, error) {
		called = true
		return "ok", nil
	})

	if _, err := tool.Execute(context.Background(), " "); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatalf("expected tool to run")
	}
}

func TestToolExecuteRejectsInvalidArguments(t *testing.T) {
	tool := NewTool("lookup", "Look something up", func(context.Context, lookupParameters) (string, error) {
		t.Fatalf("expected tool not to run")
		return "", nil
	})

	if _, err := tool.Execute(context.Background(), `{"query":`); err == nil {
		t.Fatalf("expected invalid arguments error")
	}
}

func TestConversationNormalizedKeepsToolExchanges(t *testing.T) {
	conversation := Conversation{
		{Role: RoleUser, Content: "please hang up"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "end_call", Arguments: `{}`}}},
		{Role: RoleTool, ToolCallID: "call_1", Content: "Noted"},
	}

	normalized := conversation.Normalized()

	if len(normalized) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(normalized), normalized)
	}
	if normalized[1].Role != RoleAssistant || len(normalized[1].ToolCalls) != 1 {
		t.Fatalf("expected assistant tool call message, got %+v", normalized[1])
	}
	if normalized[2].Role != RoleTool || normalized[2].ToolCallID != "call_1" || normalized[2].Content != "Noted" {
		t.Fatalf("expected tool result message, got %+v", normalized[2])
	}

	latest, ok := conversation.LatestUserMessage()
	if !ok || latest.Content != "please hang up" {
		t.Fatalf("expected tool result to be skipped for latest user message, got %+v", latest)
	}
}
