package deepgram

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

const writeTimeout = 5 * time.Second

const (
	messageTypeSpeak   = "Speak"
	messageTypeFlush   = "Flush"
	messageTypeClear   = "Clear"
	messageTypeClose   = "Close"
	messageTypeFlushed = "Flushed"
	messageTypeWarning = "Warning"
	messageTypeError   = "Error"
)

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

type speakConnection struct {
	ws *websocket.Conn

	flushed    chan struct{}
	done       chan struct{}
	err        error
	audioBytes atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
}

func (c *speakConnection) read(ctx context.Context, sink texttospeech.AudioSink, onError func(error)) {
	ctx = context.WithoutCancel(ctx)
	defer close(c.done)

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			if !c.closing.Load() {
				logger.WarnContext(ctx, "deepgram speak connection lost", "error", err)
				if onError != nil {
					onError(err)
				}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			c.audioBytes.Add(int64(len(msg)))
			if err := sink.WriteAudio(msg); err != nil {
				logger.WarnContext(ctx, "failed to forward speech audio", "error", err)
			}

		case websocket.TextMessage:
			var parsed serverMessage
			if err := json.Unmarshal(msg, &parsed); err != nil {
				logger.DebugContext(ctx, "failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsed.Type {
			case messageTypeFlushed:
				select {
				case c.flushed <- struct{}{}:
				default:
				}
			case messageTypeWarning, messageTypeError:
				logger.WarnContext(ctx, "deepgram speak reported a problem",
					"type", parsed.Type,
					"code", parsed.Code,
					"description", parsed.Description)
			}
		}
	}
}

func (c *speakConnection) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.closing.Load()
	}
}

func (c *speakConnection) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *speakConnection) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		_ = c.write(controlMessage{Type: messageTypeClose})
		err = c.ws.Close()
	})
	return err
}
