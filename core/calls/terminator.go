package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SpeechOutput speaks text into the call.
type SpeechOutput interface {
	// Say returns once the text has been played out.
	Say(ctx context.Context, text string) error
	// WaitForPlayout waits for the utterance currently playing, if any.
	WaitForPlayout(ctx context.Context) error
}

// EndRecorder persists why a call ended and returns an operation id.
type EndRecorder interface {
	RecordCallEnd(ctx context.Context, roomID, reason string) (string, error)
}

// Hanger releases the call. It is not assumed to be idempotent.
type Hanger interface {
	Hangup(ctx context.Context) error
}

const (
	DefaultRecordTimeout = 10 * time.Second
	DefaultHangupTimeout = 10 * time.Second
)

var (
	terminationCounter, _ = meter.Int64Counter("calls.terminations",
		metric.WithDescription("Calls terminated, by reason"))
	recordFailureCounter, _ = meter.Int64Counter("calls.end_record_failures",
		metric.WithDescription("Call end records that could not be persisted"))
)

type TerminatorOptions struct {
	RecordTimeout time.Duration
	HangupTimeout time.Duration
	// OnTerminated is called after the call has been released.
	OnTerminated func(ctx context.Context, state *CallState, reason string)
}

type TerminatorOption func(*TerminatorOptions)

func WithRecordTimeout(timeout time.Duration) TerminatorOption {
	return func(o *TerminatorOptions) {
		if timeout > 0 {
			o.RecordTimeout = timeout
		}
	}
}

func WithHangupTimeout(timeout time.Duration) TerminatorOption {
	return func(o *TerminatorOptions) {
		if timeout > 0 {
			o.HangupTimeout = timeout
		}
	}
}

func WithTerminationHook(hook func(ctx context.Context, state *CallState, reason string)) TerminatorOption {
	return func(o *TerminatorOptions) { o.OnTerminated = hook }
}

// Terminator ends calls at most once per CallState.
type Terminator struct {
	speech   SpeechOutput
	recorder EndRecorder
	hanger   Hanger

	options TerminatorOptions

	recordings sync.WaitGroup
}

func NewTerminator(speech SpeechOutput, recorder EndRecorder, hanger Hanger, opts ...TerminatorOption) *Terminator {
	options := TerminatorOptions{
		RecordTimeout: DefaultRecordTimeout,
		HangupTimeout: DefaultHangupTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Terminator{
		speech:   speech,
		recorder: recorder,
		hanger:   hanger,
		options:  options,
	}
}

// Terminate ends the call described by state. It does nothing if the call
// never started or was already ended, and reports whether this invocation
// performed the termination. An empty closingLine ends the call silently.
//
// Once the end is claimed every remaining step is best effort: failures are
// logged and the next step still runs.
func (t *Terminator) Terminate(ctx context.Context, state *CallState, reason, closingLine string) bool {
	if state == nil || !state.Started() {
		logger.DebugContext(ctx, "call never started, skipping termination", "reason", reason)
		return false
	}
	if !state.claimEnd(reason) {
		logger.DebugContext(ctx, "call end already recorded, skipping termination",
			"room", state.RoomID, "reason", reason)
		return false
	}

	ctx, span := tracer.Start(ctx, "terminate call")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.room", state.RoomID),
		attribute.String("call.end_reason", reason),
	)
	logger.InfoContext(ctx, "terminating call", "room", state.RoomID, "reason", reason)
	terminationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	t.recordings.Add(1)
	go t.record(context.WithoutCancel(ctx), state.RoomID, reason)

	if t.speech != nil {
		if err := t.speech.WaitForPlayout(ctx); err != nil {
			t.logStepError(ctx, "failed waiting for current speech", err)
		}
		if closingLine != "" {
			if err := t.speech.Say(ctx, closingLine); err != nil {
				t.logStepError(ctx, "failed to say closing line", err)
			}
		}
	}

	if t.hanger != nil {
		hangupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.options.HangupTimeout)
		err := t.hanger.Hangup(hangupCtx)
		cancel()
		if err != nil {
			t.logStepError(ctx, "failed to hang up", err)
		}
	}

	if t.options.OnTerminated != nil {
		t.options.OnTerminated(ctx, state, reason)
	}
	return true
}

// Wait blocks until all call end records started so far have finished.
func (t *Terminator) Wait() {
	t.recordings.Wait()
}

func (t *Terminator) record(ctx context.Context, roomID, reason string) {
	defer t.recordings.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			recordFailureCounter.Add(ctx, 1)
			logger.ErrorContext(ctx, "call end recorder panicked", "room", roomID, "panic", fmt.Sprint(recovered))
		}
	}()

	if t.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.options.RecordTimeout)
	defer cancel()

	operationID, err := t.recorder.RecordCallEnd(ctx, roomID, reason)
	if err != nil {
		recordFailureCounter.Add(ctx, 1)
		logger.ErrorContext(ctx, "failed to record call end", "room", roomID, "reason", reason, "error", err)
		return
	}
	logger.InfoContext(ctx, "call end recorded", "room", roomID, "reason", reason, "operation_id", operationID)
}

func (t *Terminator) logStepError(ctx context.Context, msg string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	logger.WarnContext(ctx, msg, "error", err)
}
