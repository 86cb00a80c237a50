package twilio

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const callStatusCompleted = "completed"

type Credentials struct {
	AccountSID string
	AuthToken  string
}

func NewRestClient(credentials Credentials) *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: credentials.AccountSID,
		Password: credentials.AuthToken,
	})
}

type callUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Hanger ends one call through the REST API.
type Hanger struct {
	calls   callUpdater
	callSID string
}

func NewHanger(client *twilio.RestClient, callSID string) *Hanger {
	return &Hanger{calls: client.Api, callSID: callSID}
}

// Hangup marks the call completed. The REST client takes no context, so a
// cancelled ctx only stops Hangup from waiting for the result.
func (h *Hanger) Hangup(ctx context.Context) error {
	if h.callSID == "" {
		return errors.New("call sid is required")
	}

	ctx, span := tracer.Start(ctx, "hang up call")
	defer span.End()
	span.SetAttributes(attribute.String("twilio.call_sid", h.callSID))

	result := make(chan error, 1)
	go func() {
		params := &twilioApi.UpdateCallParams{}
		params.SetStatus(callStatusCompleted)
		_, err := h.calls.UpdateCall(h.callSID, params)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to complete call %s: %w", h.callSID, err)
		}
		logger.InfoContext(ctx, "call completed", "call_sid", h.callSID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
