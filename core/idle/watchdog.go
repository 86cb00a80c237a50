package idle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/koscakluka/ema-calls/core/calls"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Session is the part of a running call the watchdog talks through.
type Session interface {
	calls.SpeechOutput
	IsActive() bool
}

// Terminator ends a call at most once. *calls.Terminator implements it.
type Terminator interface {
	Terminate(ctx context.Context, state *calls.CallState, reason, closingLine string) bool
}

type State int

const (
	// StateWaitingFirstResponse holds until the assistant finishes its first
	// turn. Nothing is ever fired in this state.
	StateWaitingFirstResponse State = iota
	StateCounting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaitingFirstResponse:
		return "waiting_first_response"
	case StateCounting:
		return "counting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Action is what a single Tick did.
type Action int

const (
	ActionNone Action = iota
	ActionWarned
	ActionTerminated
	// ActionStopped means the watchdog gave up because the call is gone.
	ActionStopped
)

var (
	warningCounter, _ = meter.Int64Counter("idle.warnings",
		metric.WithDescription("Inactivity warnings spoken to callers"))
	terminationCounter, _ = meter.Int64Counter("idle.terminations",
		metric.WithDescription("Calls ended because the caller went silent"))
)

type Options struct {
	Clock Clock
}

type Option func(*Options)

func WithClock(clock Clock) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// Watchdog ends calls where the caller stays silent after the assistant has
// spoken. Silence is measured from the end of the latest assistant turn, or
// from the latest warning if one was spoken since.
type Watchdog struct {
	config     Config
	session    Session
	call       *calls.CallState
	terminator Terminator
	clock      Clock

	mu sync.Mutex
	// anchor is unset until the first assistant turn completes.
	anchor       *time.Time
	lastUserTurn *time.Time
	warningSent  bool
	state        State
	// turns changes on every turn so a warning does not re-anchor over a
	// turn that happened while it was being spoken.
	turns uint64
}

func New(config Config, session Session, call *calls.CallState, terminator Terminator, opts ...Option) (*Watchdog, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("session is required")
	}
	if call == nil {
		return nil, errors.New("call state is required")
	}
	if terminator == nil {
		return nil, errors.New("terminator is required")
	}

	options := Options{Clock: SystemClock{}}
	for _, opt := range opts {
		opt(&options)
	}

	return &Watchdog{
		config:     config,
		session:    session,
		call:       call,
		terminator: terminator,
		clock:      options.Clock,
	}, nil
}

// Attach subscribes the watchdog to completed turns on bus.
func (w *Watchdog) Attach(bus *events.Bus) (detach func()) {
	return bus.Subscribe(w.HandleEvent)
}

func (w *Watchdog) HandleEvent(event events.Event) {
	if turn, ok := event.(events.TurnCompleted); ok {
		w.OnTurn(turn.Role)
	}
}

// OnTurn records that a turn by role has just completed.
func (w *Watchdog) OnTurn(role llms.Role) {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns++
	w.warningSent = false
	switch role {
	case llms.RoleAssistant:
		w.anchor = &now
		if w.state == StateWaitingFirstResponse {
			w.state = StateCounting
		}
	case llms.RoleUser:
		w.lastUserTurn = &now
	}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run polls until the call ends, the caller is hung up on, or ctx is
// cancelled. Cancellation is a normal way to stop and is not reported.
func (w *Watchdog) Run(ctx context.Context) {
	logger.InfoContext(ctx, "idle watchdog started",
		"room", w.call.RoomID,
		"warning_threshold", w.config.WarningThreshold,
		"idle_threshold", w.config.IdleThreshold)

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "idle watchdog cancelled", "room", w.call.RoomID)
			return
		case <-w.clock.After(w.config.PollInterval):
		}

		switch w.Tick(ctx) {
		case ActionTerminated, ActionStopped:
			return
		}
	}
}

// Tick evaluates the silence once and acts on it.
func (w *Watchdog) Tick(ctx context.Context) Action {
	if ctx.Err() != nil {
		return ActionStopped
	}
	if !w.session.IsActive() || w.call.EndRecorded() {
		w.stop()
		logger.InfoContext(ctx, "call no longer running, stopping idle watchdog", "room", w.call.RoomID)
		return ActionStopped
	}

	w.mu.Lock()
	if w.state != StateCounting || w.anchor == nil {
		w.mu.Unlock()
		return ActionNone
	}
	if w.lastUserTurn != nil && w.lastUserTurn.After(*w.anchor) {
		// Caller spoke last, the assistant owes the next turn.
		w.mu.Unlock()
		return ActionNone
	}

	elapsed := w.clock.Now().Sub(*w.anchor)
	switch {
	case elapsed > w.config.WarningThreshold && !w.warningSent:
		w.warningSent = true
		turns := w.turns
		w.mu.Unlock()
		return w.warn(ctx, elapsed, turns)

	case elapsed > w.config.IdleThreshold:
		w.state = StateDone
		w.mu.Unlock()
		return w.terminate(ctx, elapsed)

	default:
		w.mu.Unlock()
		return ActionNone
	}
}

func (w *Watchdog) warn(ctx context.Context, elapsed time.Duration, turns uint64) Action {
	ctx, span := tracer.Start(ctx, "warn idle caller")
	defer span.End()
	span.SetAttributes(attribute.String("call.room", w.call.RoomID))

	logger.InfoContext(ctx, "caller silent, sending warning", "room", w.call.RoomID, "elapsed", elapsed)
	if err := w.session.Say(ctx, w.config.WarningPrompt); err != nil {
		span.RecordError(err)
		w.stop()
		logger.InfoContext(ctx, "failed to speak warning, stopping idle watchdog", "room", w.call.RoomID, "error", err)
		return ActionStopped
	}
	warningCounter.Add(ctx, 1)

	w.mu.Lock()
	if w.turns == turns {
		now := w.clock.Now()
		w.anchor = &now
	}
	w.mu.Unlock()
	return ActionWarned
}

func (w *Watchdog) terminate(ctx context.Context, elapsed time.Duration) Action {
	ctx, span := tracer.Start(ctx, "end idle call")
	defer span.End()
	span.SetAttributes(attribute.String("call.room", w.call.RoomID))

	logger.InfoContext(ctx, "caller silent for too long, ending call", "room", w.call.RoomID, "elapsed", elapsed)
	if err := w.session.Say(ctx, w.config.ClosingAnnouncement); err != nil {
		span.RecordError(err)
		logger.InfoContext(ctx, "failed to speak closing announcement, stopping idle watchdog", "room", w.call.RoomID, "error", err)
		return ActionStopped
	}

	select {
	case <-ctx.Done():
		return ActionStopped
	case <-w.clock.After(w.config.HangupGrace):
	}

	if !w.terminator.Terminate(ctx, w.call, calls.ReasonIdleTimeout, "") {
		logger.InfoContext(ctx, "call was already ended elsewhere", "room", w.call.RoomID)
		return ActionStopped
	}
	terminationCounter.Add(ctx, 1)
	return ActionTerminated
}

func (w *Watchdog) stop() {
	w.mu.Lock()
	w.state = StateDone
	w.mu.Unlock()
}
