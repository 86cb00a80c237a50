package groq

import (
	"context"
	"net/http"

	"github.com/koscakluka/ema-calls/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	url = "https://api.groq.com/openai/v1/chat/completions"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"

	DefaultModel       = "llama-3.1-8b-instant"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

type Client struct {
	apiKey string
	model  string

	options ClientOptions
}

type ClientOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Instructions string
	Temperature  float64
	MaxTokens    int
}

type ClientOption func(*ClientOptions)

func WithBaseURL(baseURL string) ClientOption {
	return func(o *ClientOptions) { o.BaseURL = baseURL }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *ClientOptions) { o.HTTPClient = client }
}

func WithInstructions(instructions string) ClientOption {
	return func(o *ClientOptions) { o.Instructions = instructions }
}

func WithTemperature(temperature float64) ClientOption {
	return func(o *ClientOptions) { o.Temperature = temperature }
}

func WithMaxTokens(maxTokens int) ClientOption {
	return func(o *ClientOptions) {
		if maxTokens > 0 {
			o.MaxTokens = maxTokens
		}
	}
}

func NewClient(apiKey, model string, opts ...ClientOption) *Client {
	options := ClientOptions{
		BaseURL:     url,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)}
	}
	if model == "" {
		model = DefaultModel
	}

	return &Client{apiKey: apiKey, model: model, options: options}
}

// Send streams a chat completion for the whole visible conversation. Provider
// failures and empty responses are turned into spoken apologies. Tools passed
// with llms.WithTools are offered with automatic tool choice.
func (c *Client) Send(_ context.Context, conversation llms.Conversation, opts ...llms.SendOption) llms.Stream {
	options := llms.NewSendOptions(opts...)
	stream := &Stream{
		apiKey:      c.apiKey,
		url:         c.options.BaseURL,
		model:       c.model,
		temperature: c.options.Temperature,
		maxTokens:   c.options.MaxTokens,
		httpClient:  c.options.HTTPClient,
		messages:    toMessages(c.options.Instructions, conversation),
		tools:       toTools(options.Tools),
	}
	return llms.WithApologyFallback(stream, llms.WithBackendName("groq"))
}
