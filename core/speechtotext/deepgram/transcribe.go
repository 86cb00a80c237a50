package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/speechtotext"
)

const (
	listenURL = "wss://api.deepgram.com/v1/listen"

	DefaultModel    = "nova-3"
	DefaultLanguage = "en-US"

	keepAliveInterval = 5 * time.Second
	closeGracePeriod  = 2 * time.Second
)

var (
	ErrNotTranscribing     = errors.New("transcription not started")
	ErrAlreadyTranscribing = errors.New("transcription already started")
)

type ClientOptions struct {
	URL      string
	Model    string
	Language string
	Dialer   *websocket.Dialer
}

type ClientOption func(*ClientOptions)

// WithURL overrides the listen endpoint, query parameters are added to it.
func WithURL(url string) ClientOption {
	return func(o *ClientOptions) { o.URL = url }
}

func WithModel(model string) ClientOption {
	return func(o *ClientOptions) {
		if model != "" {
			o.Model = model
		}
	}
}

func WithLanguage(language string) ClientOption {
	return func(o *ClientOptions) {
		if language != "" {
			o.Language = language
		}
	}
}

func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(o *ClientOptions) { o.Dialer = dialer }
}

// TranscriptionClient streams caller audio to Deepgram and reports
// transcripts through the callbacks passed to Transcribe.
type TranscriptionClient struct {
	apiKey  string
	options ClientOptions

	connMu sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}

	lastAudio atomic.Int64

	// Only touched by the reader goroutine.
	accumulatedTranscript string
	unendedSegment        bool
}

func NewTranscriptionClient(apiKey string, opts ...ClientOption) (*TranscriptionClient, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key is required")
	}

	options := ClientOptions{
		URL:      listenURL,
		Model:    DefaultModel,
		Language: DefaultLanguage,
		Dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &TranscriptionClient{apiKey: apiKey, options: options}, nil
}

// Transcribe opens the transcription stream. Audio is accepted through
// SendAudio until Close is called or the connection drops.
func (s *TranscriptionClient) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error {
	options := &speechtotext.TranscriptionOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}
	callbacks, wsConfig := newCallbackConfig(*options)

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return ErrAlreadyTranscribing
	}

	ctx, span := tracer.Start(ctx, "open transcription stream")
	defer span.End()

	conn, err := s.connectWebsocket(ctx, encoding, wsConfig)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to open websocket: %w", err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.lastAudio.Store(time.Now().UnixNano())
	s.accumulatedTranscript = ""
	s.unendedSegment = false

	go s.readAndProcessMessages(context.WithoutCancel(ctx), conn, s.done, callbacks)
	go s.keepAlive(ctx, conn, s.done)

	return nil
}

func (s *TranscriptionClient) connectWebsocket(ctx context.Context, encoding *encodingInfo, config websocketConfig) (*websocket.Conn, error) {
	endpoint, err := url.Parse(s.options.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}

	queryParams := endpoint.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", s.options.Model)
	queryParams.Set("language", s.options.Language)
	queryParams.Set("smart_format", "true")
	if config.shouldEnhanceSpeechEndingDetection {
		queryParams.Set("utterance_end_ms", "1000")
		queryParams.Set("interim_results", "true")
	} else if config.shouldRequestInterimResults {
		queryParams.Set("interim_results", "true")
	}
	queryParams.Set("endpointing", "300")
	if config.shouldDetectSpeechStart || config.shouldEnhanceSpeechEndingDetection {
		queryParams.Set("vad_events", "true")
	}
	endpoint.RawQuery = queryParams.Encode()

	conn, _, err := s.options.Dialer.DialContext(ctx, endpoint.String(),
		http.Header{"Authorization": {"Token " + s.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func (s *TranscriptionClient) SendAudio(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return ErrNotTranscribing
	}
	s.lastAudio.Store(time.Now().UnixNano())
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// Close asks Deepgram to finish pending transcripts, waits briefly for them
// and then closes the connection.
func (s *TranscriptionClient) Close() error {
	s.connMu.Lock()
	conn, done := s.conn, s.done
	var closeStreamErr error
	if conn != nil {
		closeStreamErr = conn.WriteJSON(controlMessage{Type: string(api.TypeCloseStreamResponse)})
	}
	s.connMu.Unlock()

	if conn == nil {
		return nil
	}

	if closeStreamErr == nil {
		select {
		case <-done:
		case <-time.After(closeGracePeriod):
		}
	}

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()

	select {
	case <-done:
		// The reader already closed the connection.
		return closeStreamErr
	default:
	}
	if err := conn.Close(); err != nil && closeStreamErr == nil {
		return fmt.Errorf("failed to close deepgram connection: %w", err)
	}
	return closeStreamErr
}

type controlMessage struct {
	Type string `json:"type"`
}

func (s *TranscriptionClient) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastAudio.Load())) < keepAliveInterval {
				continue
			}

			s.connMu.Lock()
			if s.conn == conn {
				if err := conn.WriteJSON(controlMessage{Type: "KeepAlive"}); err != nil {
					logger.WarnContext(ctx, "failed to send keep alive to deepgram", "error", err)
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *TranscriptionClient) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, done chan struct{}, callbacks callbacks) {
	defer close(done)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "deepgram listen connection ended", "error", err)
			}
			if s.unendedSegment {
				s.onSpeechEnded(callbacks)
			}

			s.connMu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.connMu.Unlock()
			_ = conn.Close()
			return
		}
		if msgType == websocket.TextMessage {
			s.processMessage(ctx, msg, callbacks)
		}
	}
}

func (s *TranscriptionClient) processMessage(ctx context.Context, msg []byte, callbacks callbacks) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.DebugContext(ctx, "failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.DebugContext(ctx, "failed to unmarshal deepgram results", "error", err)
			return
		}

		transcript := ""
		if len(msgResp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		}

		if msgResp.IsFinal {
			if len(transcript) > 0 {
				s.unendedSegment = true
				s.accumulatedTranscript += " " + transcript
				callbacks.partialTranscriptionCallback(transcript)
			}
			if msgResp.SpeechFinal {
				s.onSpeechEnded(callbacks)
			}
		} else if callbacks.wantsInterim && len(transcript) > 0 {
			callbacks.partialInterimTranscriptionCallback(transcript)
			callbacks.interimTranscriptionCallback(strings.TrimSpace(s.accumulatedTranscript + " " + transcript))
		}

	case api.TypeUtteranceEndResponse:
		if s.unendedSegment {
			s.onSpeechEnded(callbacks)
		}

	case api.TypeSpeechStartedResponse:
		s.unendedSegment = true
		callbacks.startSpeechCallback()
	}
}

func (s *TranscriptionClient) onSpeechEnded(callbacks callbacks) {
	s.unendedSegment = false
	fullTranscript := strings.TrimSpace(s.accumulatedTranscript)
	s.accumulatedTranscript = ""
	if len(fullTranscript) > 0 {
		callbacks.transcriptionCallback(fullTranscript)
	}
	callbacks.endSpeechCallback()
}
