package orchestration

import (
	"errors"
	"fmt"

	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/core/llms/groq"
	"github.com/koscakluka/ema-calls/core/llms/openai"
	"github.com/koscakluka/ema-calls/core/llms/socket"
	"github.com/koscakluka/ema-calls/internal/config"
)

var (
	ErrUnknownBackend   = errors.New("unknown llm backend")
	ErrLLMNotConfigured = errors.New("llm backend not configured")
)

// NewStreamingLLM builds the backend selected by cfg.Type. The instructions
// are only passed to hosted backends; the socket server keeps its own prompt.
func NewStreamingLLM(cfg config.LLM, instructions string) (llms.StreamingLLM, error) {
	switch cfg.Type {
	case config.LLMTypeOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: openai api key is required", ErrLLMNotConfigured)
		}
		opts := []openai.ClientOption{openai.WithInstructions(instructions)}
		if cfg.Temperature != nil {
			opts = append(opts, openai.WithTemperature(*cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxOutputTokens(cfg.MaxTokens))
		}
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.Model, opts...), nil

	case config.LLMTypeGroq:
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("%w: groq api key is required", ErrLLMNotConfigured)
		}
		opts := []groq.ClientOption{groq.WithInstructions(instructions)}
		if cfg.Temperature != nil {
			opts = append(opts, groq.WithTemperature(*cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, groq.WithMaxTokens(cfg.MaxTokens))
		}
		return groq.NewClient(cfg.GroqAPIKey, cfg.Model, opts...), nil

	case config.LLMTypeWebsocket:
		if cfg.WebsocketURL == "" {
			return nil, fmt.Errorf("%w: websocket llm url is required", ErrLLMNotConfigured)
		}
		return socket.NewClient(cfg.WebsocketURL,
			socket.WithCallID(cfg.WebsocketCallID),
			socket.WithConnectTimeout(cfg.WebsocketConnectTimeout),
			socket.WithResponseTimeout(cfg.WebsocketResponseTimeout),
		), nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Type)
	}
}
