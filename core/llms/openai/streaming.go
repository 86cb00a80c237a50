package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Stream struct {
	apiKey string
	url    string

	model           string
	temperature     *float64
	maxOutputTokens int
	messages        []openAIMessage
	tools           []openAITool

	httpClient *http.Client
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", s.model))

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		reqBody := requestBody{
			Model:       s.model,
			Input:       s.messages,
			Stream:      true,
			Temperature: s.temperature,
		}
		if s.maxOutputTokens > 0 {
			reqBody.MaxOutputTokens = &s.maxOutputTokens
		}
		if len(s.tools) > 0 {
			reqBody.Tools = s.tools
			reqBody.ToolChoice = utils.Ptr(toolChoiceAuto)
			span.SetAttributes(attribute.Int("request.tools", len(s.tools)))
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		lapTime := time.Now()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, eventPrefix) {
				continue
			}
			event := strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))

			if !scanner.Scan() {
				break
			}
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))

			switch streamingEventType(event) {
			case streamingEventResponseCreated, streamingEventResponseQueued:
				lapTime = time.Now()

			case streamingEventResponseInProgress:
				span.SetAttributes(attribute.Float64("usage.queue_time", time.Since(lapTime).Seconds()))
				lapTime = time.Now()

			case streamingEventResponseOutputTextDelta:
				var responseBody streamingBodyResponseTextDelta
				if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
					fail(fmt.Errorf("error unmarshalling JSON: %w", err))
					return
				}
				if responseBody.Delta == "" {
					continue
				}
				if !yield(llms.NewContentChunk(responseBody.Delta), nil) {
					return
				}

			case streamingEventResponseOutputItemDone:
				var responseBody streamingBodyOutputItemDone
				if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
					fail(fmt.Errorf("error unmarshalling JSON: %w", err))
					return
				}
				if responseBody.Item.Type != string(messageTypeFunctionCall) {
					continue
				}
				span.AddEvent("tool call requested", trace.WithAttributes(
					attribute.String("tool.name", responseBody.Item.Name)))
				if !yield(llms.NewToolCallChunk(llms.ToolCall{
					ID:        responseBody.Item.CallID,
					Name:      responseBody.Item.Name,
					Arguments: responseBody.Item.Arguments,
				}), nil) {
					return
				}

			case streamingEventResponseFailed, streamingEventError:
				var responseBody streamingBodyError
				if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
					fail(fmt.Errorf("response failed: %s", chunk))
					return
				}
				fail(fmt.Errorf("response failed: %s", responseBody.message()))
				return

			case streamingEventResponseCompleted:
				span.SetAttributes(attribute.Float64("usage.completion_time", time.Since(lapTime).Seconds()))

				var responseBody streamingBodyResponseCompleted
				if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
					logger.WarnContext(ctx, "failed to decode completed response", "error", err)
					continue
				}
				if usage := responseBody.Response.Usage; usage != nil {
					span.SetAttributes(attribute.Int("usage.input", usage.InputTokens))
					span.SetAttributes(attribute.Int("usage.output", usage.OutputTokens))
					span.SetAttributes(attribute.Int("usage.total", usage.TotalTokens))
				}
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}
	}
}

type requestBody struct {
	Model           string          `json:"model"`
	Input           []openAIMessage `json:"input"`
	Stream          bool            `json:"stream"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Tools           []openAITool    `json:"tools,omitempty"`
	ToolChoice      *string         `json:"tool_choice,omitempty"`
}

const toolChoiceAuto = "auto"


type streamingEventType string

const (
	streamingEventResponseOutputTextDelta streamingEventType = "response.output_text.delta"
	streamingEventResponseOutputItemDone  streamingEventType = "response.output_item.done"
	streamingEventResponseCreated         streamingEventType = "response.created"
	streamingEventResponseQueued          streamingEventType = "response.queued"
	streamingEventResponseInProgress      streamingEventType = "response.in_progress"
	streamingEventResponseCompleted       streamingEventType = "response.completed"
	streamingEventResponseFailed          streamingEventType = "response.failed"
	streamingEventError                   streamingEventType = "error"
)

type streamingBodyResponseTextDelta struct {
	Delta string `json:"delta"`
}

type streamingBodyOutputItemDone struct {
	Item struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
}

type streamingBodyError struct {
	Message  string `json:"message"`
	Response struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func (e streamingBodyError) message() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Response.Error != nil {
		return e.Response.Error.Message
	}
	return "unknown error"
}

// streamingBodyResponseCompleted is emitted when the model response is complete
type streamingBodyResponseCompleted struct {
	Response struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
}
