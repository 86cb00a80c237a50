package groq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-calls/core/llms"
)

func newSSEServer(t *testing.T, lines []string, received *requestBody) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		if received != nil {
			if err := json.NewDecoder(r.Body).Decode(received); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func contentLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func collect(t *testing.T, stream llms.Stream) []string {
	t.Helper()

	contents := []string{}
	for chunk, err := range stream.Chunks(context.Background()) {
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		contents = append(contents, chunk.(llms.StreamContentChunk).Content())
	}
	return contents
}

func TestSendStreamsDeltasForWholeConversation(t *testing.T) {
	var received requestBody
	server := newSSEServer(t, []string{
		contentLine("Hello"),
		contentLine(", caller"),
		"data: [DONE]",
	}, &received)

	client := NewClient("test-key", "", WithBaseURL(server.URL), WithHTTPClient(server.Client()), WithInstructions("be brief"))
	contents := collect(t, client.Send(context.Background(), llms.Conversation{
		{Role: llms.RoleAssistant, Content: "Hi, how can I help?"},
		{Role: "customer", Parts: []string{"I want", "hearing aids"}},
		{Role: llms.RoleUser, Content: " "},
	}))

	if len(contents) != 2 || contents[0] != "Hello" || contents[1] != ", caller" {
		t.Fatalf("unexpected deltas: %q", contents)
	}

	if received.Model != DefaultModel {
		t.Fatalf("expected default model %q, got %q", DefaultModel, received.Model)
	}
	if !received.Stream {
		t.Fatalf("expected streaming request")
	}
	if received.MaxTokens != DefaultMaxTokens || received.Temperature != DefaultTemperature {
		t.Fatalf("unexpected sampling settings: %+v", received)
	}
	if len(received.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(received.Messages), received.Messages)
	}
	if received.Messages[0].Role != messageRoleSystem || received.Messages[0].Content != "be brief" {
		t.Fatalf("unexpected system message: %+v", received.Messages[0])
	}
	if received.Messages[1].Role != messageRoleAssistant {
		t.Fatalf("unexpected assistant message: %+v", received.Messages[1])
	}
	if received.Messages[2].Role != messageRoleUser || received.Messages[2].Content != "I want hearing aids" {
		t.Fatalf("unexpected user message: %+v", received.Messages[2])
	}
}

func TestSendConvertsMidStreamFailureIntoSingleApology(t *testing.T) {
	server := newSSEServer(t, []string{
		contentLine("One"),
		contentLine(" two"),
		"data: {not json",
		contentLine("never"),
	}, nil)

	client := NewClient("test-key", "model", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	contents := collect(t, client.Send(context.Background(), llms.Conversation{{Role: llms.RoleUser, Content: "hi"}}))

	if len(contents) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(contents), contents)
	}
	if contents[2] != llms.FallbackProviderError {
		t.Fatalf("expected apology, got %q", contents[2])
	}
}

func TestSendReplacesEmptyResponseWithFallback(t *testing.T) {
	server := newSSEServer(t, []string{"data: [DONE]"}, nil)

	client := NewClient("test-key", "model", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	contents := collect(t, client.Send(context.Background(), llms.Conversation{{Role: llms.RoleUser, Content: "hi"}}))

	if len(contents) != 1 || contents[0] != llms.FallbackEmptyResponse {
		t.Fatalf("expected empty response fallback, got %q", contents)
	}
}

func TestSendTurnsErrorStatusIntoApology(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient("test-key", "model", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	contents := collect(t, client.Send(context.Background(), llms.Conversation{{Role: llms.RoleUser, Content: "hi"}}))

	if len(contents) != 1 || contents[0] != llms.FallbackProviderError {
		t.Fatalf("expected single apology, got %q", contents)
	}
}

func TestSendAssemblesStreamedToolCalls(t *testing.T) {
	var received requestBody
	server := newSSEServer(t, []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"end_call","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"current_language\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"English\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"data: [DONE]",
	}, &received)

	endCall := llms.NewTool("end_call", "End the call", func(context.Context, struct {
		CurrentLanguage string `json:"current_language"`
	}) (string, error) {
		return "Noted", nil
	})

	client := NewClient("test-key", "", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	response, err := llms.CollectResponse(context.Background(), client.Send(context.Background(),
		llms.Conversation{{Role: llms.RoleUser, Content: "goodbye"}}, llms.WithTools(endCall)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", response.ToolCalls)
	}
	call := response.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "end_call" || call.Arguments != `{"current_language":"English"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if response.Content != "" {
		t.Fatalf("expected no fallback content next to a tool call, got %q", response.Content)
	}

	if received.ToolChoice == nil || *received.ToolChoice != toolChoiceAuto {
		t.Fatalf("expected automatic tool choice, got %v", received.ToolChoice)
	}
	if len(received.Tools) != 1 {
		t.Fatalf("expected one tool in request, got %+v", received.Tools)
	}
	if received.Tools[0].Type != toolTypeFunction || received.Tools[0].Function.Name != "end_call" ||
		received.Tools[0].Function.Description != "End the call" {
		t.Fatalf("unexpected tool definition: %+v", received.Tools[0])
	}
	if received.Tools[0].Function.Parameters == nil || received.Tools[0].Function.Parameters.Type != "object" {
		t.Fatalf("expected object parameters schema, got %+v", received.Tools[0].Function.Parameters)
	}
}

func TestToMessagesCarriesToolExchanges(t *testing.T) {
	messages := toMessages("be brief", llms.Conversation{
		{Role: llms.RoleUser, Content: "what do you sell"},
		{Role: llms.RoleAssistant, ToolCalls: []llms.ToolCall{{ID: "call_1", Name: "search_knowledge_base", Arguments: `{"query":"products"}`}}},
		{Role: llms.RoleTool, ToolCallID: "call_1", Content: "context 0: hearing aids"},
		{Role: llms.RoleAssistant, Content: "We sell hearing aids."},
	})

	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(messages), messages)
	}
	assistant := messages[2]
	if assistant.Role != messageRoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected assistant tool call message, got %+v", assistant)
	}
	if call := assistant.ToolCalls[0]; call.ID != "call_1" || call.Type != toolTypeFunction ||
		call.Function.Name != "search_knowledge_base" || call.Function.Arguments != `{"query":"products"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	result := messages[3]
	if result.Role != messageRoleTool || result.ToolCallID != "call_1" || result.Content != "context 0: hearing aids" {
		t.Fatalf("unexpected tool result message: %+v", result)
	}
	if len(messages[4].ToolCalls) != 0 {
		t.Fatalf("expected plain assistant message, got %+v", messages[4])
	}
}
