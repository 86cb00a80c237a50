package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-calls/core/calls"
	"github.com/koscakluka/ema-calls/internal/telephony/twilio"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dialer places outbound calls. *twilio.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, call twilio.OutboundCall) (string, error)
}

// WithDialer replaces how outbound calls are placed.
func WithDialer(dialer Dialer) Option {
	return func(s *Server) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

type placeCallRequest struct {
	To string `json:"to"`
}

type placeCallResponse struct {
	RoomID  string `json:"room_id"`
	CallSID string `json:"call_sid"`
}

// placeCall dials a number and connects the answered call to a new session.
// Calls that are never answered are reported to the status callback.
func (s *Server) placeCall(c echo.Context) error {
	if s.dialer == nil || s.config.Twilio.FromNumber == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "outbound calls are not configured")
	}

	var request placeCallRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	request.To = strings.TrimSpace(request.To)
	if request.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to is required")
	}

	ctx, span := tracer.Start(c.Request().Context(), "place outbound call")
	defer span.End()

	roomID := uuid.NewString()
	span.SetAttributes(attribute.String("call.room", roomID))

	response, err := twilio.StreamTwiML(streamURL(c, s.config.PublicBaseURL),
		map[string]string{roomIDParameter: roomID})
	if err != nil {
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build TwiML")
	}
	statusCallback := requestBaseURL(c, s.config.PublicBaseURL) + "/twilio/status?" +
		url.Values{roomIDParameter: {roomID}}.Encode()

	callSID, err := s.dialer.Dial(ctx, twilio.OutboundCall{
		To:                request.To,
		From:              s.config.Twilio.FromNumber,
		TwiML:             response,
		StatusCallbackURL: statusCallback,
		RingTimeout:       s.config.Twilio.RingTimeout,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to place call")
		logger.ErrorContext(ctx, "failed to place outbound call", "room", roomID, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to place call")
	}

	logger.InfoContext(ctx, "dialing", "room", roomID, "call_sid", callSID)
	return c.JSON(http.StatusCreated, placeCallResponse{RoomID: roomID, CallSID: callSID})
}

// callStatus records why an outbound call was never answered. Answered calls
// end through their session.
func (s *Server) callStatus(c echo.Context) error {
	params, ok := c.Get(twilioParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	ctx := c.Request().Context()

	roomID := c.QueryParam(roomIDParameter)
	if roomID == "" {
		roomID = params["CallSid"]
	}
	status := params["CallStatus"]

	reason, unanswered := unansweredReason(status)
	if !unanswered {
		logger.DebugContext(ctx, "outbound call status", "room", roomID, "status", status)
		return c.NoContent(http.StatusNoContent)
	}
	if roomID == "" {
		return c.String(http.StatusBadRequest, "room_id or CallSid is required")
	}
	if _, live := s.sessions.get(roomID); live {
		return c.NoContent(http.StatusNoContent)
	}

	logger.InfoContext(ctx, reason, "room", roomID, "status", status)
	if s.store == nil {
		return c.NoContent(http.StatusNoContent)
	}

	// Twilio retries callbacks, the end is recorded once.
	existing, err := s.store.CallEnds(ctx, roomID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list call ends", "room", roomID, "error", err)
		return c.String(http.StatusInternalServerError, "failed to record call end")
	}
	if len(existing) > 0 {
		return c.NoContent(http.StatusNoContent)
	}
	if _, err := s.store.RecordCallEnd(ctx, roomID, reason); err != nil {
		logger.ErrorContext(ctx, "failed to record call end", "room", roomID, "reason", reason, "error", err)
		return c.String(http.StatusInternalServerError, "failed to record call end")
	}
	return c.NoContent(http.StatusNoContent)
}

func unansweredReason(status string) (string, bool) {
	switch status {
	case twilio.CallStatusBusy:
		return calls.ReasonUserRejected, true
	case twilio.CallStatusNoAnswer, twilio.CallStatusFailed, twilio.CallStatusCanceled:
		return calls.ReasonUserUnavailable, true
	default:
		return "", false
	}
}
