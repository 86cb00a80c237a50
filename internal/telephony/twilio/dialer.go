package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultRingTimeout = 30 * time.Second

// Final statuses reported to the status callback of an outbound call.
const (
	CallStatusCompleted = callStatusCompleted
	CallStatusBusy      = "busy"
	CallStatusNoAnswer  = "no-answer"
	CallStatusFailed    = "failed"
	CallStatusCanceled  = "canceled"
)

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type callCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// OutboundCall describes a call placed by the agent.
type OutboundCall struct {
	To   string
	From string
	// TwiML runs once the callee answers.
	TwiML string
	// StatusCallbackURL receives the call's progress, including why it was
	// never answered.
	StatusCallbackURL string
	// RingTimeout is how long the callee's phone rings before the call is
	// given up as unanswered.
	RingTimeout time.Duration
}

// Dialer places outbound calls through the REST API.
type Dialer struct {
	calls callCreator
}

func NewDialer(client *twilio.RestClient) *Dialer {
	return &Dialer{calls: client.Api}
}

// Dial places call and returns its sid. Like Hangup, a cancelled ctx only
// stops Dial from waiting for the result.
func (d *Dialer) Dial(ctx context.Context, call OutboundCall) (string, error) {
	if call.To == "" || call.From == "" {
		return "", errors.New("to and from numbers are required")
	}
	if call.TwiML == "" {
		return "", errors.New("twiml is required")
	}
	ringTimeout := call.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}

	ctx, span := tracer.Start(ctx, "dial call")
	defer span.End()
	span.SetAttributes(attribute.String("twilio.to", call.To))

	params := &twilioApi.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(call.From)
	params.SetTwiml(call.TwiML)
	params.SetTimeout(int(ringTimeout.Seconds()))
	if call.StatusCallbackURL != "" {
		params.SetStatusCallback(call.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}

	type created struct {
		sid string
		err error
	}
	result := make(chan created, 1)
	go func() {
		response, err := d.calls.CreateCall(params)
		if err == nil && (response == nil || response.Sid == nil) {
			err = errors.New("twilio returned no call sid")
		}
		if err != nil {
			result <- created{err: err}
			return
		}
		result <- created{sid: *response.Sid}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
			return "", fmt.Errorf("failed to call %s: %w", call.To, res.err)
		}
		span.SetAttributes(attribute.String("twilio.call_sid", res.sid))
		logger.InfoContext(ctx, "outbound call placed", "call_sid", res.sid, "to", call.To)
		return res.sid, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
