package httpapi

import (
	"context"
	"net/http"
	"strings"

	orchestration "github.com/koscakluka/ema-calls/core"
	"github.com/koscakluka/ema-calls/internal/store"
	"github.com/koscakluka/ema-calls/internal/telephony/twilio"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const roomIDParameter = "room_id"

func (s *Server) voice(c echo.Context) error {
	params, ok := c.Get(twilioParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}

	callSID := params["CallSid"]
	if callSID == "" {
		return c.String(http.StatusBadRequest, "CallSid is required")
	}
	logger.InfoContext(c.Request().Context(), "incoming call",
		"call_sid", callSID, "from", params["From"], "to", params["To"])

	response, err := twilio.StreamTwiML(streamURL(c, s.config.PublicBaseURL),
		map[string]string{roomIDParameter: callSID})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// stream serves one Twilio media stream for as long as the call lasts.
func (s *Server) stream(c echo.Context) error {
	s.streams.Add(1)
	defer s.streams.Done()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	mediaStream := twilio.NewMediaStream(ws)
	defer mediaStream.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	defer context.AfterFunc(s.streamsCtx, cancel)()

	info, err := mediaStream.Start(ctx)
	if err != nil {
		logger.WarnContext(ctx, "media stream never started", "error", err)
		return nil
	}
	roomID := info.CustomParameters[roomIDParameter]
	if roomID == "" {
		roomID = info.CallSID
	}

	ctx, span := tracer.Start(ctx, "call session")
	defer span.End()
	span.SetAttributes(attribute.String("call.room", roomID), attribute.String("call.sid", info.CallSID))

	session, err := s.newSession(ctx, roomID, mediaStream, info)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create call session")
		logger.ErrorContext(ctx, "failed to create call session", "room", roomID, "error", err)
		return nil
	}
	mediaStream.SetAudioCallback(func(audio []byte) {
		if err := session.SendAudio(audio); err != nil {
			logger.DebugContext(ctx, "dropping caller audio", "room", roomID, "error", err)
		}
	})

	s.sessions.add(roomID, session)
	defer s.sessions.remove(roomID, session)

	if err := session.Orchestrate(ctx, orchestration.WithCallEndedCallback(func(reason string) {
		logger.InfoContext(ctx, "call ended", "room", roomID, "reason", reason)
	})); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to orchestrate call")
		logger.ErrorContext(ctx, "failed to orchestrate call", "room", roomID, "error", err)
		return nil
	}

	if err := mediaStream.Run(ctx); err != nil {
		logger.WarnContext(ctx, "media stream ended with error", "room", roomID, "error", err)
	}

	// Outside shutdown the stream only ends when the caller is gone; if the
	// call was already terminated this is a no-op.
	if s.streamsCtx.Err() == nil {
		session.Hangup(ctx)
	}
	if err := session.Close(); err != nil {
		logger.WarnContext(ctx, "failed to close call session", "room", roomID, "error", err)
	}
	session.Wait()
	return nil
}

type endCallRequest struct {
	Language string `json:"language"`
}

type endCallResponse struct {
	RoomID string `json:"room_id"`
	Ended  bool   `json:"ended"`
}

func (s *Server) endCall(c echo.Context) error {
	roomID := c.Param("room")
	session, ok := s.sessions.get(roomID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}

	var request endCallRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(request.Language) == "" {
		request.Language = "english"
	}

	if !session.EndCall(c.Request().Context(), request.Language) {
		return echo.NewHTTPError(http.StatusConflict, "call already ended or not started")
	}
	return c.JSON(http.StatusOK, endCallResponse{RoomID: roomID, Ended: true})
}

type callStateResponse struct {
	RoomID   string                  `json:"room_id"`
	Live     *orchestration.Snapshot `json:"live,omitempty"`
	CallEnds []store.CallEnd         `json:"call_ends"`
}

func (s *Server) callState(c echo.Context) error {
	roomID := c.Param("room")
	response := callStateResponse{RoomID: roomID, CallEnds: []store.CallEnd{}}

	if session, ok := s.sessions.get(roomID); ok {
		snapshot := session.Snapshot()
		response.Live = &snapshot
	}
	if s.store != nil {
		callEnds, err := s.store.CallEnds(c.Request().Context(), roomID)
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "failed to list call ends", "room", roomID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list call ends")
		}
		response.CallEnds = append(response.CallEnds, callEnds...)
	}

	if response.Live == nil && len(response.CallEnds) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, response)
}
