package llms

const (
	FallbackEmptyResponse = "I apologize, but I'm having trouble generating a response right now."
	FallbackProviderError = "I'm sorry, I'm experiencing technical difficulties. Please try again."
)

type FallbackOptions struct {
	// EmptyResponse is yielded when the provider finishes without content.
	EmptyResponse string
	// ProviderError is yielded once when the provider fails mid-stream.
	ProviderError string
	// Backend is used to label logs and metrics.
	Backend string
}

type FallbackOption func(*FallbackOptions)

func WithEmptyResponseMessage(message string) FallbackOption {
	return func(o *FallbackOptions) { o.EmptyResponse = message }
}

func WithProviderErrorMessage(message string) FallbackOption {
	return func(o *FallbackOptions) { o.ProviderError = message }
}

func WithBackendName(name string) FallbackOption {
	return func(o *FallbackOptions) { o.Backend = name }
}

// SendOptions are per request settings. Backends that cannot call tools
// ignore them.
type SendOptions struct {
	Tools []Tool
}

type SendOption func(*SendOptions)

// WithTools offers tools to the model for this request.
func WithTools(tools ...Tool) SendOption {
	return func(o *SendOptions) {
		o.Tools = append(o.Tools, tools...)
	}
}

func NewSendOptions(opts ...SendOption) SendOptions {
	var options SendOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
