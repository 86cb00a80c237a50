package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var (
	ErrStreamClosed = errors.New("media stream closed")

	errMalformedMessage = errors.New("malformed media stream message")
)

type streamEvent string

const (
	eventConnected streamEvent = "connected"
	eventStart     streamEvent = "start"
	eventMedia     streamEvent = "media"
	eventMark      streamEvent = "mark"
	eventStop      streamEvent = "stop"
	eventClear     streamEvent = "clear"
)

type inboundMessage struct {
	Event     streamEvent `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Event     streamEvent    `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *outboundMark  `json:"mark,omitempty"`
}

// StartInfo describes the call a media stream belongs to.
type StartInfo struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	CustomParameters map[string]string
	Encoding         string
	SampleRate       int
}

// MediaStream is one Twilio Media Streams websocket. Inbound caller audio is
// handed to the audio callback; outbound speech is written with WriteAudio
// and its playout confirmed through echoed marks.
type MediaStream struct {
	ws      *websocket.Conn
	onAudio func([]byte)

	streamSID string

	writeMu sync.Mutex

	marksMu sync.Mutex
	marks   map[string]chan struct{}

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

type MediaStreamOption func(*MediaStream)

func WithAudioCallback(callback func(audio []byte)) MediaStreamOption {
	return func(s *MediaStream) { s.onAudio = callback }
}

func NewMediaStream(ws *websocket.Conn, opts ...MediaStreamOption) *MediaStream {
	stream := &MediaStream{
		ws:      ws,
		onAudio: func([]byte) {},
		marks:   make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(stream)
	}
	return stream
}

// SetAudioCallback replaces the inbound audio callback. It must be called
// before Run.
func (s *MediaStream) SetAudioCallback(callback func(audio []byte)) {
	if callback != nil {
		s.onAudio = callback
	}
}

// Start reads until the start event and returns what it describes.
// Cancelling ctx before the start event arrives closes the stream.
func (s *MediaStream) Start(ctx context.Context) (StartInfo, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return StartInfo{}, err
		}

		msg, err := s.readMessage()
		if errors.Is(err, errMalformedMessage) {
			logger.DebugContext(ctx, "discarding malformed media stream message", "error", err)
			continue
		} else if err != nil {
			return StartInfo{}, fmt.Errorf("failed to read start event: %w", err)
		}

		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil || msg.Start.StreamSID == "" {
				return StartInfo{}, errors.New("start event without stream sid")
			}
			s.streamSID = msg.Start.StreamSID
			info := StartInfo{
				StreamSID:        msg.Start.StreamSID,
				CallSID:          msg.Start.CallSID,
				AccountSID:       msg.Start.AccountSID,
				CustomParameters: msg.Start.CustomParameters,
				Encoding:         msg.Start.MediaFormat.Encoding,
				SampleRate:       msg.Start.MediaFormat.SampleRate,
			}
			logger.InfoContext(ctx, "media stream started", "stream_sid", info.StreamSID, "call_sid", info.CallSID)
			return info, nil
		default:
			logger.DebugContext(ctx, "ignoring media stream event before start", "event", msg.Event)
		}
	}
}

// Run forwards inbound audio until the stream stops or breaks. It returns
// nil when Twilio stops the stream or ctx is cancelled, which closes the
// stream.
func (s *MediaStream) Run(ctx context.Context) error {
	defer s.shutdown()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		msg, err := s.readMessage()
		if errors.Is(err, errMalformedMessage) {
			logger.DebugContext(ctx, "discarding malformed media stream message", "error", err)
			continue
		} else if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("media stream read failed: %w", err)
		}

		switch msg.Event {
		case eventMedia:
			if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				logger.DebugContext(ctx, "discarding undecodable media payload", "error", err)
				continue
			}
			s.onAudio(audio)

		case eventMark:
			if msg.Mark != nil {
				s.resolveMark(msg.Mark.Name)
			}

		case eventStop:
			logger.InfoContext(ctx, "media stream stopped", "stream_sid", s.streamSID)
			return nil
		}
	}
}

func (s *MediaStream) readMessage() (inboundMessage, error) {
	var msg inboundMessage
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	return msg, nil
}

// WriteAudio sends μ-law audio to the caller.
func (s *MediaStream) WriteAudio(audio []byte) error {
	return s.write(outboundMessage{
		Event:     eventMedia,
		StreamSID: s.streamSID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// AwaitPlayout places a mark after the audio written so far and waits for
// Twilio to echo it, which happens once that audio has been played.
func (s *MediaStream) AwaitPlayout(ctx context.Context) error {
	name := uuid.NewString()
	played := make(chan struct{})

	s.marksMu.Lock()
	s.marks[name] = played
	s.marksMu.Unlock()

	if err := s.write(outboundMessage{Event: eventMark, StreamSID: s.streamSID, Mark: &outboundMark{Name: name}}); err != nil {
		s.marksMu.Lock()
		delete(s.marks, name)
		s.marksMu.Unlock()
		return err
	}

	select {
	case <-played:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		s.marksMu.Lock()
		delete(s.marks, name)
		s.marksMu.Unlock()
		return ctx.Err()
	}
}

// Clear drops audio that has been written but not yet played.
func (s *MediaStream) Clear() error {
	return s.write(outboundMessage{Event: eventClear, StreamSID: s.streamSID})
}

func (s *MediaStream) resolveMark(name string) {
	s.marksMu.Lock()
	defer s.marksMu.Unlock()

	if played, ok := s.marks[name]; ok {
		close(played)
		delete(s.marks, name)
	}
}

func (s *MediaStream) write(msg outboundMessage) error {
	if !s.IsActive() {
		return ErrStreamClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s event: %w", msg.Event, err)
	}
	return nil
}

func (s *MediaStream) StreamSID() string {
	return s.streamSID
}

// IsActive reports whether the stream can still carry audio.
func (s *MediaStream) IsActive() bool {
	select {
	case <-s.done:
		return false
	default:
		return !s.closed.Load()
	}
}

func (s *MediaStream) Close() error {
	s.closed.Store(true)
	err := s.ws.Close()
	s.shutdown()
	return err
}

func (s *MediaStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
