package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	speakURL = "wss://api.deepgram.com/v1/speak"

	DefaultSynthesisTimeout = 30 * time.Second
)

var ErrClosed = errors.New("speaker closed")

var synthesizedAudio, _ = meter.Float64Counter("tts.synthesized_audio",
	metric.WithDescription("Seconds of speech synthesized"),
	metric.WithUnit("s"))

type SpeakerOptions struct {
	texttospeech.TextToSpeechOptions

	Voice            deepgramVoice
	URL              string
	Dialer           *websocket.Dialer
	SynthesisTimeout time.Duration
}

type SpeakerOption func(*SpeakerOptions)

func WithVoice(voice deepgramVoice) SpeakerOption {
	return func(o *SpeakerOptions) { o.Voice = voice }
}

// WithURL overrides the speak endpoint, query parameters are added to it.
func WithURL(url string) SpeakerOption {
	return func(o *SpeakerOptions) { o.URL = url }
}

func WithDialer(dialer *websocket.Dialer) SpeakerOption {
	return func(o *SpeakerOptions) { o.Dialer = dialer }
}

func WithSynthesisTimeout(timeout time.Duration) SpeakerOption {
	return func(o *SpeakerOptions) {
		if timeout > 0 {
			o.SynthesisTimeout = timeout
		}
	}
}

func WithTextToSpeechOptions(opts ...texttospeech.TextToSpeechOption) SpeakerOption {
	return func(o *SpeakerOptions) {
		for _, opt := range opts {
			opt(&o.TextToSpeechOptions)
		}
	}
}

// Speaker speaks text into a call one utterance at a time. The Deepgram
// connection is opened on first use and reopened if it drops.
type Speaker struct {
	apiKey  string
	sink    texttospeech.AudioSink
	options SpeakerOptions

	// turn holds a token while an utterance is being synthesized or played.
	turn chan struct{}

	connMu sync.Mutex
	conn   *speakConnection
	closed atomic.Bool
}

func NewSpeaker(apiKey string, sink texttospeech.AudioSink, opts ...SpeakerOption) (*Speaker, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key is required")
	}
	if sink == nil {
		return nil, errors.New("audio sink is required")
	}

	options := SpeakerOptions{
		TextToSpeechOptions: texttospeech.TextToSpeechOptions{
			EncodingInfo: audio.GetDefaultEncodingInfo(),
		},
		Voice:            defaultVoice,
		URL:              speakURL,
		Dialer:           websocket.DefaultDialer,
		SynthesisTimeout: DefaultSynthesisTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if !slices.Contains(GetAvailableVoices(), options.Voice) {
		return nil, fmt.Errorf("invalid voice %q", options.Voice)
	}

	return &Speaker{
		apiKey:  apiKey,
		sink:    sink,
		options: options,
		turn:    make(chan struct{}, 1),
	}, nil
}

// Say speaks text and returns once it has been played out to the caller.
// Concurrent calls are spoken one after another.
func (s *Speaker) Say(ctx context.Context, text string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()

	if s.closed.Load() {
		return ErrClosed
	}

	ctx, span := tracer.Start(ctx, "speak")
	defer span.End()
	span.SetAttributes(attribute.Int("tts.text_length", len(text)))

	if err := s.say(ctx, text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Speaker) say(ctx context.Context, text string) error {
	conn, err := s.ensureConnection(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to deepgram: %w", err)
	}

	select {
	case <-conn.flushed:
	default:
	}
	audioBefore := conn.audioBytes.Load()

	if err := conn.write(speakMessage{Type: messageTypeSpeak, Text: text}); err != nil {
		s.dropConnection(conn)
		return fmt.Errorf("failed to send text: %w", err)
	}
	if err := conn.write(controlMessage{Type: messageTypeFlush}); err != nil {
		s.dropConnection(conn)
		return fmt.Errorf("failed to flush text: %w", err)
	}

	timer := time.NewTimer(s.options.SynthesisTimeout)
	defer timer.Stop()

	select {
	case <-conn.flushed:
	case <-conn.done:
		s.dropConnection(conn)
		return fmt.Errorf("connection lost while speaking: %w", conn.err)
	case <-timer.C:
		_ = conn.write(controlMessage{Type: messageTypeClear})
		s.clearSink(ctx)
		return errors.New("timed out waiting for speech to be synthesized")
	case <-ctx.Done():
		_ = conn.write(controlMessage{Type: messageTypeClear})
		s.clearSink(ctx)
		return ctx.Err()
	}

	duration := s.options.EncodingInfo.Duration(int(conn.audioBytes.Load() - audioBefore))
	synthesizedAudio.Add(ctx, duration.Seconds())
	logger.DebugContext(ctx, "speech synthesized", "duration", duration)

	if err := s.sink.AwaitPlayout(ctx); err != nil {
		if ctx.Err() != nil {
			s.clearSink(ctx)
		}
		return fmt.Errorf("failed waiting for playout: %w", err)
	}
	return nil
}

// clearSink stops the caller from hearing the rest of an abandoned utterance.
func (s *Speaker) clearSink(ctx context.Context) {
	if err := s.sink.Clear(); err != nil {
		logger.DebugContext(ctx, "failed to clear queued audio", "error", err)
	}
}

// WaitForPlayout waits for the utterance currently being spoken, if any.
func (s *Speaker) WaitForPlayout(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		<-s.turn
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Speaker) Closed() bool {
	return s.closed.Load()
}

func (s *Speaker) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.close()
}

func (s *Speaker) ensureConnection(ctx context.Context) (*speakConnection, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.conn != nil && s.conn.alive() {
		return s.conn, nil
	}
	if s.conn != nil {
		_ = s.conn.close()
		s.conn = nil
		logger.InfoContext(ctx, "reconnecting to deepgram speak")
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Speaker) dropConnection(conn *speakConnection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	_ = conn.close()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Speaker) dial(ctx context.Context) (*speakConnection, error) {
	endpoint, err := url.Parse(s.options.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid speak url: %w", err)
	}

	query := endpoint.Query()
	query.Set("encoding", s.options.EncodingInfo.Format.Name())
	query.Set("sample_rate", strconv.Itoa(s.options.EncodingInfo.SampleRate))
	query.Set("model", string(s.options.Voice))
	query.Set("container", "none")
	endpoint.RawQuery = query.Encode()

	ws, _, err := s.options.Dialer.DialContext(ctx, endpoint.String(),
		http.Header{"Authorization": {"token " + s.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	conn := &speakConnection{
		ws:      ws,
		flushed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go conn.read(ctx, s.sink, s.options.ErrorCallback)
	return conn, nil
}
