package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-calls/core/calls"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/idle"
	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTurnTimeout = 45 * time.Second

	transcriptQueueSize = 16
	// Tool rounds allowed per caller turn before the model must answer.
	maxToolRounds = 3
)

var (
	ErrAlreadyOrchestrating = errors.New("call is already being orchestrated")
	ErrClosed               = errors.New("orchestrator closed")
)

var (
	turnCounter, _ = meter.Int64Counter("calls.turns",
		metric.WithDescription("Completed conversational turns, by role"))
	failedResponseCounter, _ = meter.Int64Counter("calls.failed_responses",
		metric.WithDescription("Responses replaced with the provider error apology"))
)

// Orchestrator runs one call: caller transcripts are answered by the LLM and
// spoken back, the idle watchdog watches for silence, and every way the call
// can end goes through the same terminator.
type Orchestrator struct {
	call *calls.CallState

	llm                  llms.StreamingLLM
	speechToText         SpeechToText
	transcriptionOptions []speechtotext.TranscriptionOption
	speech               SpeechOutput
	line                 CallLine
	terminator           *calls.Terminator
	bus                  *events.Bus
	knowledge            *knowledgeLookup
	tools                []llms.Tool

	greeting    string
	turnTimeout time.Duration
	idleConfig  idle.Config
	idleOptions []idle.Option
	watchdog    *idle.Watchdog

	transcripts chan string

	historyMu sync.Mutex
	history   llms.Conversation

	orchestrateOptions OrchestrateOptions
	unsubscribe        []func()

	started     atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	hookDone    chan struct{}
	baseContext context.Context
	workers     sync.WaitGroup
}

func NewOrchestrator(call *calls.CallState, opts ...OrchestratorOption) (*Orchestrator, error) {
	if call == nil {
		return nil, errors.New("call state is required")
	}

	o := &Orchestrator{
		call:        call,
		bus:         events.NewBus(),
		turnTimeout: DefaultTurnTimeout,
		idleConfig:  idle.DefaultConfig(),
		transcripts: make(chan string, transcriptQueueSize),
		baseContext: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.llm == nil {
		return nil, errors.New("streaming llm is required")
	}
	if o.speech == nil {
		return nil, errors.New("speech output is required")
	}
	if o.terminator == nil {
		return nil, errors.New("terminator is required")
	}
	o.tools = orchestrationTools(o)

	watchdog, err := idle.New(o.idleConfig, o, call, o.terminator, o.idleOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create idle watchdog: %w", err)
	}
	o.watchdog = watchdog

	return o, nil
}

// Orchestrate marks the call as started and begins processing it in the
// background. It returns once transcription is running. Cancelling ctx
// closes the orchestrator.
func (o *Orchestrator) Orchestrate(ctx context.Context, opts ...OrchestrateOption) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyOrchestrating
	}
	for _, opt := range opts {
		opt(&o.orchestrateOptions)
	}

	setupCtx, span := tracer.Start(ctx, "orchestrate call")
	defer span.End()
	span.SetAttributes(attribute.String("call.room", o.call.RoomID))

	baseContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.lifecycleMu.Lock()
	o.baseContext = baseContext
	o.cancel = cancel
	o.lifecycleMu.Unlock()

	o.unsubscribe = append(o.unsubscribe,
		o.bus.Subscribe(newCallbackEventEmitter(o.orchestrateOptions)),
		o.watchdog.Attach(o.bus),
	)

	o.call.MarkStarted()
	o.bus.Emit(events.NewCallStarted(o.call.RoomID))
	logger.InfoContext(setupCtx, "call started", "room", o.call.RoomID)

	if o.speechToText != nil {
		transcriptionOptions := append([]speechtotext.TranscriptionOption{},
			o.transcriptionOptions...)
		transcriptionOptions = append(transcriptionOptions,
			speechtotext.WithTranscriptionCallback(o.enqueueTranscript))
		if err := o.speechToText.Transcribe(baseContext, transcriptionOptions...); err != nil {
			err = fmt.Errorf("failed to start transcription: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.Close()
			return err
		}
	}

	o.startWorker("turns", o.processTurns)
	o.startWorker("idle watchdog", func(ctx context.Context) error {
		o.watchdog.Run(ctx)
		return nil
	})

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.closed.Load() {
		o.hookDone = withContextCancelHook(ctx, func() { o.Close() })
	}
	return nil
}

func (o *Orchestrator) startWorker(name string, run func(context.Context) error) {
	worker := panicSafeNamedWorker(name, run)
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		if err := worker(o.baseContext); err != nil {
			span := trace.SpanFromContext(o.baseContext)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(o.baseContext, "call worker stopped", "room", o.call.RoomID, "error", err)
		}
	}()
}

// SendAudio forwards caller audio to transcription.
func (o *Orchestrator) SendAudio(audio []byte) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if o.speechToText == nil {
		return nil
	}
	return o.speechToText.SendAudio(audio)
}

func (o *Orchestrator) enqueueTranscript(transcript string) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" || o.closed.Load() {
		return
	}

	o.bus.Emit(events.NewTurnCompleted(llms.RoleUser, transcript))
	turnCounter.Add(o.baseContext, 1, metric.WithAttributes(attribute.String("role", string(llms.RoleUser))))

	select {
	case o.transcripts <- transcript:
	default:
		logger.WarnContext(o.baseContext, "transcript queue full, dropping transcript",
			"room", o.call.RoomID, "transcript", transcript)
	}
}

func (o *Orchestrator) processTurns(ctx context.Context) error {
	if o.greeting != "" {
		o.speakAssistantTurn(ctx, o.greeting)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case transcript := <-o.transcripts:
			o.respond(ctx, transcript)
		}
	}
}

func (o *Orchestrator) respond(ctx context.Context, transcript string) {
	if o.call.EndRecorded() {
		return
	}

	ctx, span := tracer.Start(ctx, "respond to caller")
	defer span.End()

	conversation := o.appendHistory(llms.Message{Role: llms.RoleUser, Content: transcript})

	for round := 0; ; round++ {
		var sendOptions []llms.SendOption
		if round < maxToolRounds {
			sendOptions = append(sendOptions, llms.WithTools(o.tools...))
		}

		turnCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
		response, err := llms.CollectResponse(turnCtx, o.llm.Send(turnCtx, conversation, sendOptions...))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to generate response")
			logger.WarnContext(ctx, "failed to generate response, apologising",
				"room", o.call.RoomID, "error", err)
			failedResponseCounter.Add(ctx, 1)
			o.speakAssistantTurn(ctx, llms.FallbackProviderError)
			return
		}

		content := strings.TrimSpace(response.Content)
		if len(response.ToolCalls) == 0 {
			if content == "" {
				content = llms.FallbackEmptyResponse
			}
			o.speakAssistantTurn(ctx, content)
			return
		}

		if content != "" {
			o.speakAssistantTurn(ctx, content)
		}
		toolCalls := make([]llms.ToolCall, 0, len(response.ToolCalls))
		for i, call := range response.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", round, i)
			}
			toolCalls = append(toolCalls, call)
		}
		conversation = o.appendHistory(llms.Message{Role: llms.RoleAssistant, ToolCalls: toolCalls})
		for _, call := range toolCalls {
			result := o.callTool(ctx, call)
			conversation = o.appendHistory(llms.Message{
				Role:       llms.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}

		if o.call.EndRecorded() {
			return
		}
	}
}

func (o *Orchestrator) speakAssistantTurn(ctx context.Context, text string) {
	if o.call.EndRecorded() {
		return
	}
	if err := o.speech.Say(ctx, text); err != nil {
		if ctx.Err() == nil {
			logger.WarnContext(ctx, "failed to speak assistant turn", "room", o.call.RoomID, "error", err)
		}
		return
	}

	o.appendHistory(llms.Message{Role: llms.RoleAssistant, Content: text})
	o.bus.Emit(events.NewTurnCompleted(llms.RoleAssistant, text))
	turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(llms.RoleAssistant))))
}

func (o *Orchestrator) appendHistory(message llms.Message) llms.Conversation {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()

	o.history = append(o.history, message)
	return append(llms.Conversation(nil), o.history...)
}

// History returns a copy of the conversation so far, tool exchanges
// included.
func (o *Orchestrator) History() llms.Conversation {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	return append(llms.Conversation(nil), o.history...)
}

// EndCall says the closing line for language and ends the call.
func (o *Orchestrator) EndCall(ctx context.Context, language string) bool {
	return o.terminator.Terminate(ctx, o.call, calls.ReasonCallEnded, calls.ClosingLine(language))
}

// AnsweringMachine ends the call silently when a voicemail picked up.
func (o *Orchestrator) AnsweringMachine(ctx context.Context) bool {
	return o.terminator.Terminate(ctx, o.call, calls.ReasonAnsweringMachine, "")
}

// Hangup records that the caller hung up.
func (o *Orchestrator) Hangup(ctx context.Context) bool {
	return o.terminator.Terminate(ctx, o.call, calls.ReasonUserHangup, "")
}

// Say implements idle.Session.
func (o *Orchestrator) Say(ctx context.Context, text string) error {
	return o.speech.Say(ctx, text)
}

// WaitForPlayout implements idle.Session.
func (o *Orchestrator) WaitForPlayout(ctx context.Context) error {
	return o.speech.WaitForPlayout(ctx)
}

// IsActive reports whether the call can still be spoken to.
func (o *Orchestrator) IsActive() bool {
	if o.closed.Load() || o.speech.Closed() {
		return false
	}
	return o.line == nil || o.line.IsActive()
}

func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

type Snapshot struct {
	RoomID    string `json:"room_id"`
	Started   bool   `json:"started"`
	Ended     bool   `json:"ended"`
	EndReason string `json:"end_reason,omitempty"`
	IdleState string `json:"idle_state"`
	Turns     int    `json:"turns"`
	Active    bool   `json:"active"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	reason, ended := o.call.EndReason()
	return Snapshot{
		RoomID:    o.call.RoomID,
		Started:   o.call.Started(),
		Ended:     ended,
		EndReason: reason,
		IdleState: o.watchdog.State().String(),
		Turns:     spokenTurns(o.History()),
		Active:    o.IsActive(),
	}
}

func spokenTurns(conversation llms.Conversation) int {
	turns := 0
	for _, msg := range conversation {
		if msg.ToolCallID == "" && len(msg.ToolCalls) == 0 {
			turns++
		}
	}
	return turns
}

// Close stops the call's workers and releases transcription, speech and the
// LLM connection. It does not hang up; use one of the termination methods
// for that. Close does not wait for the workers, see Wait.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.lifecycleMu.Lock()
		o.closed.Store(true)
		if o.cancel != nil {
			o.cancel()
		}
		if o.hookDone != nil {
			close(o.hookDone)
		}
		o.lifecycleMu.Unlock()

		var errs []error
		if o.speechToText != nil {
			if err := o.speechToText.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close speech to text: %w", err))
			}
		}
		if err := o.speech.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close speech output: %w", err))
		}
		if closer, ok := o.llm.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close llm: %w", err))
			}
		}

		if o.started.Load() {
			reason, _ := o.call.EndReason()
			o.bus.Emit(events.NewCallEnded(o.call.RoomID, reason))
			logger.InfoContext(o.baseContext, "call closed", "room", o.call.RoomID, "reason", reason)
		}
		for _, unsubscribe := range o.unsubscribe {
			unsubscribe()
		}

		if o.closeErr = errors.Join(errs...); o.closeErr != nil {
			span := trace.SpanFromContext(o.baseContext)
			span.RecordError(o.closeErr)
			span.SetStatus(codes.Error, o.closeErr.Error())
		}
	})
	return o.closeErr
}

// Wait blocks until the call's workers have returned and any call end record
// they started has been written.
func (o *Orchestrator) Wait() {
	o.workers.Wait()
	o.terminator.Wait()
}
