package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/internal/config"
	"github.com/koscakluka/ema-calls/internal/store"
	"github.com/koscakluka/ema-calls/internal/telephony/twilio"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Option func(*Server)

// WithSessionFactory replaces how a call session is built once its media
// stream has started.
func WithSessionFactory(factory SessionFactory) Option {
	return func(s *Server) {
		if factory != nil {
			s.newSession = factory
		}
	}
}

type Server struct {
	config   config.Config
	store    store.CallEndStore
	sessions *sessions

	newSession SessionFactory
	dialer     Dialer
	upgrader   websocket.Upgrader

	// Media stream handlers are hijacked and outlive echo's shutdown, so
	// they are cancelled and awaited separately.
	streams     sync.WaitGroup
	streamsCtx  context.Context
	stopStreams context.CancelFunc

	echo *echo.Echo
}

// New builds the HTTP surface. callStore may be nil, in which case call ends
// are not persisted and GET /calls/:room only reports live calls.
func New(cfg config.Config, callStore store.CallEndStore, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		store:    callStore,
		sessions: newSessions(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.streamsCtx, s.stopStreams = context.WithCancel(context.Background())
	restClient := twilio.NewRestClient(twilio.Credentials{AccountSID: cfg.Twilio.AccountSID, AuthToken: cfg.Twilio.AuthToken})
	s.newSession = newCallSessionFactory(cfg, callStore, restClient)
	if cfg.Twilio.FromNumber != "" {
		s.dialer = twilio.NewDialer(restClient)
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	traced := echo.WrapMiddleware(otelhttp.NewMiddleware("ema-calls"))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/twilio/voice", s.voice, traced, TwilioAuth(cfg.Twilio.AuthToken, cfg.PublicBaseURL))
	e.POST("/twilio/status", s.callStatus, traced, TwilioAuth(cfg.Twilio.AuthToken, cfg.PublicBaseURL))
	e.GET("/twilio/stream", s.stream)
	e.POST("/calls", s.placeCall, traced)
	e.POST("/calls/:room/end", s.endCall, traced)
	e.GET("/calls/:room", s.callState, traced)

	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Info("http server listening", "address", s.config.HTTPAddress)
	if err := s.echo.Start(s.config.HTTPAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every live call session and
// waits for their stream handlers, including any call end records they are
// still writing. Calls are closed without being hung up.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.stopStreams()
	for _, session := range s.sessions.all() {
		if closeErr := session.Close(); closeErr != nil {
			logger.WarnContext(ctx, "failed to close call session", "error", closeErr)
		}
	}

	drained := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("call sessions still running: %w", ctx.Err()))
	}
	return err
}
