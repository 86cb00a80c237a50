package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const frameBufferSize = 64

// connection owns one websocket and a reader goroutine that forwards text
// frames, so a read timeout on the consumer side never poisons the socket.
type connection struct {
	ws *websocket.Conn

	frames chan []byte
	done   chan struct{}
	err    error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   chan struct{}
}

func dial(ctx context.Context, dialer *websocket.Dialer, url string) (*connection, error) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	conn := &connection{
		ws:      ws,
		frames:  make(chan []byte, frameBufferSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go conn.read()

	for i := range handshakeMessages {
		select {
		case <-conn.frames:
		case <-conn.done:
			conn.close()
			return nil, fmt.Errorf("connection closed during handshake message %d: %w", i+1, conn.err)
		case <-ctx.Done():
			conn.close()
			return nil, fmt.Errorf("handshake message %d not received: %w", i+1, ctx.Err())
		}
	}

	return conn, nil
}

func (c *connection) read() {
	defer close(c.done)
	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.frames <- msg:
		case <-c.closing:
			c.err = errors.New("connection closed")
			return
		}
	}
}

func (c *connection) alive() bool {
	select {
	case <-c.done:
		return false
	case <-c.closing:
		return false
	default:
		return true
	}
}

func (c *connection) write(msg any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}
