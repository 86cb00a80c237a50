package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	toolEndCall             = "end_call"
	toolAnsweringMachine    = "detected_answering_machine"
	toolSearchKnowledgeBase = "search_knowledge_base"

	toolAcknowledgement = "Noted"

	knowledgeResultsPerLookup = 2
	// Candidates fetched per lookup so already used snippets can be skipped.
	knowledgeCandidates = 8
)

// KnowledgeBase finds reference snippets relevant to a caller's question,
// best match first.
type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]string, error)
}

type endCallParameters struct {
	CurrentLanguage string `json:"current_language" jsonschema:"enum=Hindi,enum=English" jsonschema_description:"Language the conversation is currently held in"`
}

type answeringMachineParameters struct{}

type knowledgeQueryParameters struct {
	Query string `json:"query" jsonschema_description:"Question or keywords to look up"`
}

func orchestrationTools(o *Orchestrator) []llms.Tool {
	tools := []llms.Tool{
		llms.NewTool(toolEndCall,
			"End the call once the conversation is over or the caller asks to hang up.",
			func(ctx context.Context, parameters endCallParameters) (string, error) {
				o.EndCall(ctx, parameters.CurrentLanguage)
				return toolAcknowledgement, nil
			}),
		llms.NewTool(toolAnsweringMachine,
			"Call this when an answering machine or voicemail picked up instead of a person.",
			func(ctx context.Context, _ answeringMachineParameters) (string, error) {
				o.AnsweringMachine(ctx)
				return toolAcknowledgement, nil
			}),
	}

	if o.knowledge != nil {
		tools = append(tools, llms.NewTool(toolSearchKnowledgeBase,
			"Look up product and policy information to answer the caller's question.",
			func(ctx context.Context, parameters knowledgeQueryParameters) (string, error) {
				return o.knowledge.lookup(ctx, parameters.Query)
			}))
	}
	return tools
}

// knowledgeLookup hands out each snippet at most once per call.
type knowledgeLookup struct {
	base KnowledgeBase

	mu   sync.Mutex
	seen map[string]struct{}
}

func newKnowledgeLookup(base KnowledgeBase) *knowledgeLookup {
	return &knowledgeLookup{base: base, seen: map[string]struct{}{}}
}

func (k *knowledgeLookup) lookup(ctx context.Context, query string) (string, error) {
	results, err := k.base.SearchKnowledge(ctx, query, knowledgeCandidates)
	if err != nil {
		return "", fmt.Errorf("failed to search knowledge base: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	var fresh []string
	for _, result := range results {
		result = strings.TrimSpace(result)
		if result == "" {
			continue
		}
		if _, ok := k.seen[result]; ok {
			continue
		}
		fresh = append(fresh, result)
		if len(fresh) == knowledgeResultsPerLookup {
			break
		}
	}
	if len(fresh) == 0 {
		return fmt.Sprintf("No new context found for query: %s.", query), nil
	}

	var response strings.Builder
	for i, result := range fresh {
		k.seen[result] = struct{}{}
		if i > 0 {
			response.WriteString("\n\n")
		}
		fmt.Fprintf(&response, "Context %d: %s", i+1, result)
	}
	return response.String(), nil
}

// callTool runs the tool the model asked for and returns the text handed
// back to the model. Failures are reported to the model rather than raised.
func (o *Orchestrator) callTool(ctx context.Context, call llms.ToolCall) string {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)

	o.bus.Emit(events.NewToolCallStarted(call.ID, call.Name, call.Arguments))

	response, err := o.executeTool(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		logger.WarnContext(ctx, "tool call failed", "room", o.call.RoomID, "tool", call.Name, "error", err)
		o.bus.Emit(events.NewToolCallFailed(call.ID, call.Name, err.Error()))
		return fmt.Sprintf("Tool call failed: %v", err)
	}

	logger.DebugContext(ctx, "tool call completed", "room", o.call.RoomID, "tool", call.Name)
	o.bus.Emit(events.NewToolCallCompleted(call.ID, call.Name, response))
	return response
}

func (o *Orchestrator) executeTool(ctx context.Context, call llms.ToolCall) (string, error) {
	for _, tool := range o.tools {
		if tool.Name == call.Name {
			return tool.Execute(ctx, call.Arguments)
		}
	}
	return "", fmt.Errorf("tool not found: %s", call.Name)
}
