package openai

import (
	"context"
	"net/http"

	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/internal/utils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	url = "https://api.openai.com/v1/responses"

	eventPrefix = "event:"
	chunkPrefix = "data:"

	DefaultModel = "gpt-4o"
)

type Client struct {
	apiKey string
	model  string

	options ClientOptions
}

type ClientOptions struct {
	BaseURL         string
	HTTPClient      *http.Client
	Instructions    string
	Temperature     *float64
	MaxOutputTokens int
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
	return func(o *ClientOptions) { o.Temperature = utils.Ptr(temperature) }
}

func WithMaxOutputTokens(maxTokens int) ClientOption {
	return func(o *ClientOptions) { o.MaxOutputTokens = maxTokens }
}

func NewClient(apiKey, model string, opts ...ClientOption) *Client {
	options := ClientOptions{BaseURL: url}
	for _, opt := range opts {
		opt(&options)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if model == "" {
		model = DefaultModel
	}

	return &Client{apiKey: apiKey, model: model, options: options}
}

// Send streams a response for the whole visible conversation through the
// Responses API. Tools passed with llms.WithTools are offered with automatic
// tool choice and requested calls are streamed as tool call chunks.
func (c *Client) Send(_ context.Context, conversation llms.Conversation, opts ...llms.SendOption) llms.Stream {
	options := llms.NewSendOptions(opts...)
	stream := &Stream{
		apiKey:          c.apiKey,
		url:             c.options.BaseURL,
		model:           c.model,
		temperature:     c.options.Temperature,
		maxOutputTokens: c.options.MaxOutputTokens,
		httpClient:      c.options.HTTPClient,
		messages:        toOpenAIMessages(c.options.Instructions, conversation),
		tools:           toOpenAITools(options.Tools),
	}
	return llms.WithApologyFallback(stream, llms.WithBackendName("openai"))
}
