package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type streamHarness struct {
	twilio *websocket.Conn
	stream *MediaStream
	info   StartInfo
	runErr chan error
	// stopRun cancels the context Run was given.
	stopRun context.CancelFunc

	mu    sync.Mutex
	audio [][]byte
}

// newStreamHarness connects a fake Twilio client to a MediaStream and plays
// the connected and start events.
func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()

	runCtx, stopRun := context.WithCancel(context.Background())
	t.Cleanup(stopRun)
	h := &streamHarness{runErr: make(chan error, 1), stopRun: stopRun}
	started := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			started <- err
			return
		}
		stream := NewMediaStream(ws, WithAudioCallback(func(audio []byte) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.audio = append(h.audio, audio)
		}))
		info, err := stream.Start(r.Context())
		h.stream, h.info = stream, info
		started <- err
		if err != nil {
			return
		}
		h.runErr <- stream.Run(runCtx)
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	h.twilio = conn

	h.send(t, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	h.send(t, map[string]any{
		"event":     "start",
		"streamSid": "MZ123",
		"start": map[string]any{
			"streamSid":        "MZ123",
			"callSid":          "CA456",
			"accountSid":       "AC789",
			"customParameters": map[string]string{"room_id": "room-1"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start media stream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for start event")
	}
	return h
}

func (h *streamHarness) send(t *testing.T, msg any) {
	t.Helper()
	if err := h.twilio.WriteJSON(msg); err != nil {
		t.Fatalf("write to media stream: %v", err)
	}
}

func (h *streamHarness) receive(t *testing.T) outboundMessage {
	t.Helper()

	_ = h.twilio.SetReadDeadline(time.Now().Add(time.Second))
	var msg outboundMessage
	if err := h.twilio.ReadJSON(&msg); err != nil {
		t.Fatalf("read from media stream: %v", err)
	}
	return msg
}

func (h *streamHarness) waitForRun(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.runErr:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for media stream to stop")
		return nil
	}
}

func TestMediaStreamStartDescribesCall(t *testing.T) {
	h := newStreamHarness(t)

	if h.info.StreamSID != "MZ123" || h.info.CallSID != "CA456" || h.info.AccountSID != "AC789" {
		t.Fatalf("unexpected start info %+v", h.info)
	}
	if h.info.CustomParameters["room_id"] != "room-1" {
		t.Fatalf("expected room parameter, got %v", h.info.CustomParameters)
	}
	if h.info.SampleRate != 8000 {
		t.Fatalf("expected 8kHz media, got %d", h.info.SampleRate)
	}
	if h.stream.StreamSID() != "MZ123" {
		t.Fatalf("expected stream sid to be kept, got %q", h.stream.StreamSID())
	}
}

func TestMediaStreamForwardsInboundAudioUntilStop(t *testing.T) {
	h := newStreamHarness(t)

	payload := base64.StdEncoding.EncodeToString([]byte{0x7F, 0xFF, 0x00})
	h.send(t, map[string]any{"event": "media", "streamSid": "MZ123", "media": map[string]any{"track": "inbound", "payload": payload}})
	h.send(t, map[string]any{"event": "media", "streamSid": "MZ123", "media": map[string]any{"track": "inbound", "payload": "%%%"}})
	if err := h.twilio.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write to media stream: %v", err)
	}
	h.send(t, map[string]any{"event": "stop", "streamSid": "MZ123"})

	if err := h.waitForRun(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.audio) != 1 || len(h.audio[0]) != 3 || h.audio[0][0] != 0x7F {
		t.Fatalf("expected one decoded audio chunk, got %v", h.audio)
	}
	if h.stream.IsActive() {
		t.Fatalf("expected stream to be inactive after stop")
	}
}

func TestMediaStreamWriteAudioAndAwaitPlayout(t *testing.T) {
	h := newStreamHarness(t)

	if err := h.stream.WriteAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	media := h.receive(t)
	if media.Event != eventMedia || media.StreamSID != "MZ123" || media.Media == nil {
		t.Fatalf("unexpected media message %+v", media)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(media.Media.Payload); len(decoded) != 3 {
		t.Fatalf("expected three bytes of audio, got %v", decoded)
	}

	played := make(chan error, 1)
	go func() { played <- h.stream.AwaitPlayout(context.Background()) }()

	mark := h.receive(t)
	if mark.Event != eventMark || mark.Mark == nil || mark.Mark.Name == "" {
		t.Fatalf("unexpected mark message %+v", mark)
	}
	select {
	case err := <-played:
		t.Fatalf("expected playout to wait for the mark echo, got %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	h.send(t, map[string]any{"event": "mark", "streamSid": "MZ123", "mark": map[string]string{"name": mark.Mark.Name}})
	select {
	case err := <-played:
		if err != nil {
			t.Fatalf("expected playout to complete, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for playout")
	}
}

func TestMediaStreamAwaitPlayoutFailsWhenStreamStops(t *testing.T) {
	h := newStreamHarness(t)

	played := make(chan error, 1)
	go func() { played <- h.stream.AwaitPlayout(context.Background()) }()
	h.receive(t)
	h.send(t, map[string]any{"event": "stop", "streamSid": "MZ123"})

	select {
	case err := <-played:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for playout to fail")
	}
}

func TestMediaStreamClearAndClose(t *testing.T) {
	h := newStreamHarness(t)

	if err := h.stream.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if msg := h.receive(t); msg.Event != eventClear || msg.StreamSID != "MZ123" {
		t.Fatalf("unexpected clear message %+v", msg)
	}

	_ = h.stream.Close()
	if err := h.waitForRun(t); err != nil {
		t.Fatalf("expected run to end quietly after close, got %v", err)
	}
	if err := h.stream.WriteAudio([]byte{1}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
	if h.stream.IsActive() {
		t.Fatalf("expected stream to be inactive after close")
	}
}

func TestMediaStreamRunStopsWhenContextIsCancelled(t *testing.T) {
	h := newStreamHarness(t)

	h.stopRun()
	if err := h.waitForRun(t); err != nil {
		t.Fatalf("expected run to end quietly on cancellation, got %v", err)
	}
	if h.stream.IsActive() {
		t.Fatalf("expected stream to be inactive after cancellation")
	}
}

func TestOutboundMessageShape(t *testing.T) {
	data, err := json.Marshal(outboundMessage{Event: eventMark, StreamSID: "MZ1", Mark: &outboundMark{Name: "m1"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"m1"}}` {
		t.Fatalf("unexpected mark json %s", data)
	}
}
