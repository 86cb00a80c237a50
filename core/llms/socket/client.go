package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 30 * time.Second

	callIDLength = 20
)

var (
	ErrNoUserMessage   = errors.New("conversation has no user message")
	ErrResponseTimeout = errors.New("timed out waiting for response")
	ErrClosed          = errors.New("socket client closed")
)

var discardedFrames, _ = meter.Int64Counter("llm.socket.discarded_frames",
	metric.WithDescription("Frames dropped because they were malformed or not for the outstanding response"))

type ClientOptions struct {
	CallID          string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Dialer          *websocket.Dialer
}

type ClientOption func(*ClientOptions)

func WithCallID(callID string) ClientOption {
	return func(o *ClientOptions) { o.CallID = callID }
}

func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if timeout > 0 {
			o.ConnectTimeout = timeout
		}
	}
}

func WithResponseTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if timeout > 0 {
			o.ResponseTimeout = timeout
		}
	}
}

func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(o *ClientOptions) { o.Dialer = dialer }
}

// Client speaks the response_required/response websocket protocol. The
// connection is opened on first use and shared by all turns of the call,
// one request/response cycle at a time.
type Client struct {
	url     string
	options ClientOptions

	// requestMu is held from sending a request until its last frame is read
	// or the consumer stops iterating.
	requestMu      sync.Mutex
	lastResponseID int

	connMu sync.Mutex
	conn   *connection
	closed bool

	endCallRequested atomic.Bool
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	options := ClientOptions{
		ConnectTimeout:  DefaultConnectTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		Dialer:          websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.CallID == "" {
		options.CallID = NewCallID()
	}

	return &Client{
		url:     strings.TrimRight(baseURL, "/") + "/" + options.CallID,
		options: options,
	}
}

// NewCallID returns a random 20 character hex identifier.
func NewCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:callIDLength]
}

func (c *Client) URL() string {
	return c.url
}

// EndCallRequested reports whether the server flagged end_call on any
// response. It is only a hint, nothing is terminated because of it.
func (c *Client) EndCallRequested() bool {
	return c.endCallRequested.Load()
}

// Send sends only the latest user message of the conversation; the server
// keeps the history. Connection and timeout failures are returned to the
// consumer as errors. The protocol has no tools, so send options are ignored.
func (c *Client) Send(_ context.Context, conversation llms.Conversation, _ ...llms.SendOption) llms.Stream {
	return llms.StreamFunc(func(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
		return func(yield func(llms.StreamChunk, error) bool) {
			c.respond(ctx, conversation, yield)
		}
	})
}

func (c *Client) respond(ctx context.Context, conversation llms.Conversation, yield func(llms.StreamChunk, error) bool) {
	ctx, span := tracer.Start(ctx, "socket llm response")
	defer span.End()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		yield(nil, err)
	}

	userMessage, ok := conversation.LatestUserMessage()
	if !ok {
		fail(ErrNoUserMessage)
		return
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	conn, err := c.ensureConnection(ctx)
	if err != nil {
		fail(fmt.Errorf("failed to connect: %w", err))
		return
	}

	c.lastResponseID++
	responseID := c.lastResponseID
	span.SetAttributes(attribute.Int("request.response_id", responseID))

	if err := conn.write(request{
		InteractionType: interactionTypeResponseRequired,
		ResponseID:      responseID,
		Transcript:      []transcriptMsg{{Role: string(llms.RoleUser), Content: userMessage.Content}},
	}, c.options.ResponseTimeout); err != nil {
		c.dropConnection(conn)
		fail(fmt.Errorf("failed to send request %d: %w", responseID, err))
		return
	}

	timer := time.NewTimer(c.options.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return

		case <-conn.done:
			c.dropConnection(conn)
			fail(fmt.Errorf("connection lost while waiting for response %d: %w", responseID, conn.err))
			return

		case <-timer.C:
			logger.WarnContext(ctx, "socket llm response timed out", "response_id", responseID)
			fail(fmt.Errorf("%w %d", ErrResponseTimeout, responseID))
			return

		case frame := <-conn.frames:
			var resp response
			if err := json.Unmarshal(frame, &resp); err != nil {
				logger.DebugContext(ctx, "discarding malformed frame", "error", err)
				discardedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
				continue
			}
			if resp.ResponseType != responseTypeResponse || resp.ResponseID != responseID {
				logger.DebugContext(ctx, "discarding frame for another response",
					"response_type", resp.ResponseType,
					"response_id", resp.ResponseID,
					"expected_response_id", responseID)
				discardedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "mismatch")))
				continue
			}
			// Only frames for this response keep the cycle alive.
			timer.Reset(c.options.ResponseTimeout)

			if resp.EndCall {
				logger.InfoContext(ctx, "server requested end of call", "response_id", responseID)
				c.endCallRequested.Store(true)
			}

			if resp.Content != "" {
				if !yield(llms.NewContentChunk(resp.Content), nil) {
					return
				}
			}

			if resp.ContentComplete {
				return
			}
		}
	}
}

func (c *Client) ensureConnection(ctx context.Context) (*connection, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}
	if c.conn != nil {
		_ = c.conn.close()
		c.conn = nil
		logger.InfoContext(ctx, "reconnecting socket llm", "url", c.url)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.options.ConnectTimeout)
	defer cancel()

	conn, err := dial(dialCtx, c.options.Dialer, c.url)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "socket llm connection established", "url", c.url)

	c.conn = conn
	return conn, nil
}

func (c *Client) dropConnection(conn *connection) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	_ = conn.close()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.close()
	c.conn = nil
	return err
}
