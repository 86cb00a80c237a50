package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-calls/core/calls"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/idle"
	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/core/speechtotext"
)

type OrchestratorOption func(*Orchestrator)

func WithStreamingLLM(client llms.StreamingLLM) OrchestratorOption {
	return func(o *Orchestrator) {
		o.llm = client
	}
}

type SpeechToText interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
	Close() error
}

func WithSpeechToTextClient(client SpeechToText, opts ...speechtotext.TranscriptionOption) OrchestratorOption {
	return func(o *Orchestrator) {
		o.speechToText = client
		o.transcriptionOptions = opts
	}
}

// SpeechOutput speaks assistant turns into the call.
type SpeechOutput interface {
	calls.SpeechOutput
	Closed() bool
	Close() error
}

func WithSpeechOutput(output SpeechOutput) OrchestratorOption {
	return func(o *Orchestrator) {
		o.speech = output
	}
}

// CallLine is the telephony leg carrying the call's audio.
type CallLine interface {
	IsActive() bool
}

func WithCallLine(line CallLine) OrchestratorOption {
	return func(o *Orchestrator) {
		o.line = line
	}
}

func WithTerminator(terminator *calls.Terminator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.terminator = terminator
	}
}

func WithEventBus(bus *events.Bus) OrchestratorOption {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

func WithIdleConfig(config idle.Config, opts ...idle.Option) OrchestratorOption {
	return func(o *Orchestrator) {
		o.idleConfig = config
		o.idleOptions = opts
	}
}

// WithKnowledgeBase offers the model a lookup tool backed by base. Each
// snippet is handed out at most once per call.
func WithKnowledgeBase(base KnowledgeBase) OrchestratorOption {
	return func(o *Orchestrator) {
		if base != nil {
			o.knowledge = newKnowledgeLookup(base)
		}
	}
}

// WithGreeting sets the line spoken as soon as the call is orchestrated.
func WithGreeting(greeting string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.greeting = greeting
	}
}

func WithTurnTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.turnTimeout = timeout
		}
	}
}

type OrchestrateOptions struct {
	onTranscription func(transcript string)
	onResponse      func(response string)
	onCallEnded     func(reason string)
}

type OrchestrateOption func(*OrchestrateOptions)

func WithTranscriptionCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onTranscription = callback
	}
}

func WithResponseCallback(callback func(response string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onResponse = callback
	}
}

// WithCallEndedCallback is called once, when the orchestrator closes. The
// reason is empty if the call was closed without being terminated.
func WithCallEndedCallback(callback func(reason string)) OrchestrateOption {
	return func(o *OrchestrateOptions) {
		o.onCallEnded = callback
	}
}
