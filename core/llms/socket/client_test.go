package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-calls/core/llms"
)

type socketServer struct {
	*httptest.Server

	connections atomic.Int32
	paths       chan string

	mu       sync.Mutex
	requests []request

	respond func(conn *websocket.Conn, req request)
}

func newSocketServer(t *testing.T, respond func(conn *websocket.Conn, req request)) *socketServer {
	t.Helper()

	server := &socketServer{paths: make(chan string, 8), respond: respond}
	upgrader := websocket.Upgrader{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		server.connections.Add(1)
		server.paths <- r.URL.Path

		_ = conn.WriteJSON(map[string]any{"response_type": "config", "config": map[string]any{"auto_reconnect": true}})
		_ = conn.WriteJSON(map[string]any{"response_type": "response", "response_id": 0, "content": "Hello from the greeting", "content_complete": true})

		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			server.mu.Lock()
			server.requests = append(server.requests, req)
			server.mu.Unlock()

			server.respond(conn, req)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *socketServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *socketServer) recordedRequests() []request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]request(nil), s.requests...)
}

func frame(id int, content string, complete bool) response {
	return response{ResponseType: responseTypeResponse, ResponseID: id, Content: content, ContentComplete: complete}
}

func collectStream(ctx context.Context, stream llms.Stream) ([]string, error) {
	contents := []string{}
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			return contents, err
		}
		contents = append(contents, chunk.(llms.StreamContentChunk).Content())
	}
	return contents, nil
}

func userTurn(content string) llms.Conversation {
	return llms.Conversation{
		{Role: llms.RoleAssistant, Content: "Hi there"},
		{Role: llms.RoleUser, Content: "an earlier question"},
		{Role: llms.RoleAssistant, Content: "an earlier answer"},
		{Role: llms.RoleUser, Content: content},
	}
}

func TestSendDiscardsHandshakeAndStreamsMatchingFrames(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(req.ResponseID, "Sure,", false))
		_ = conn.WriteJSON(frame(req.ResponseID, " I can help.", false))
		_ = conn.WriteJSON(frame(req.ResponseID, "", true))
	})

	client := NewClient(server.wsURL()+"/llm/", WithCallID("call123"))
	defer client.Close()

	contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("can you help")))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Join(contents, "") != "Sure, I can help." {
		t.Fatalf("unexpected content: %q", contents)
	}
	if len(contents) != 2 {
		t.Fatalf("expected no trailing empty chunk, got %q", contents)
	}

	if path := <-server.paths; path != "/llm/call123" {
		t.Fatalf("expected call id appended to url path, got %q", path)
	}

	requests := server.recordedRequests()
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	req := requests[0]
	if req.InteractionType != interactionTypeResponseRequired || req.ResponseID != 1 {
		t.Fatalf("unexpected request header: %+v", req)
	}
	if len(req.Transcript) != 1 || req.Transcript[0].Role != "user" || req.Transcript[0].Content != "can you help" {
		t.Fatalf("expected only the latest user message, got %+v", req.Transcript)
	}
}

func TestSendReusesConnectionWithIncreasingResponseIDs(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(req.ResponseID, "ok", true))
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("again"))); err != nil {
			t.Fatalf("turn %d failed: %v", i, err)
		}
	}

	if got := server.connections.Load(); got != 1 {
		t.Fatalf("expected one connection, got %d", got)
	}
	requests := server.recordedRequests()
	for i, req := range requests {
		if req.ResponseID != i+1 {
			t.Fatalf("expected response id %d, got %d", i+1, req.ResponseID)
		}
	}
}

func TestSendIgnoresStaleAndMalformedFrames(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(req.ResponseID-1, "stale content", false))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{"response_type": "ping_pong", "timestamp": 1})
		_ = conn.WriteJSON(frame(req.ResponseID, "fresh", false))
		_ = conn.WriteJSON(frame(req.ResponseID+5, "future content", true))
		_ = conn.WriteJSON(frame(req.ResponseID, " content", true))
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("hi")))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Join(contents, "") != "fresh content" {
		t.Fatalf("expected only matching frames, got %q", contents)
	}
}

func TestSendEndsCleanlyOnEmptyCompleteFrame(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(req.ResponseID, "", true))
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("hi")))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(contents) != 0 {
		t.Fatalf("expected no chunks, got %q", contents)
	}
}

func TestSendTimeoutLeavesConnectionUsable(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		if req.ResponseID == 1 {
			return
		}
		_ = conn.WriteJSON(frame(1, "late answer to the first request", true))
		_ = conn.WriteJSON(frame(req.ResponseID, "second answer", true))
	})

	client := NewClient(server.wsURL(), WithResponseTimeout(150*time.Millisecond))
	defer client.Close()

	_, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("first")))
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected response timeout, got %v", err)
	}

	contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("second")))
	if err != nil {
		t.Fatalf("expected second turn to succeed, got %v", err)
	}
	if strings.Join(contents, "") != "second answer" {
		t.Fatalf("expected only the second answer, got %q", contents)
	}
	if got := server.connections.Load(); got != 1 {
		t.Fatalf("expected connection to be reused after timeout, got %d connections", got)
	}
}

func TestSendTimesOutWhileOnlyStaleFramesArrive(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(frame(req.ResponseID-1, "stale", false)); err != nil {
					return
				}
			}
		}
	})

	client := NewClient(server.wsURL(), WithResponseTimeout(150*time.Millisecond))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := collectStream(ctx, client.Send(ctx, userTurn("hello?")))
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected response timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected stale frames not to extend the timeout, took %s", elapsed)
	}
}

func TestSendReconnectsAfterConnectionCloses(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		if req.ResponseID == 1 {
			_ = conn.WriteJSON(frame(req.ResponseID, "bye", true))
			_ = conn.Close()
			return
		}
		_ = conn.WriteJSON(frame(req.ResponseID, "back again", true))
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	if _, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("first"))); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("second")))
		if err == nil {
			if strings.Join(contents, "") != "back again" {
				t.Fatalf("unexpected content after reconnect: %q", contents)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnect to succeed, last error: %v", err)
		}
	}

	if got := server.connections.Load(); got != 2 {
		t.Fatalf("expected two connections, got %d", got)
	}
}

func TestSendSerializesConcurrentTurns(t *testing.T) {
	var outstanding atomic.Int32
	var overlapped atomic.Bool
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		if outstanding.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		_ = conn.WriteJSON(frame(req.ResponseID, "echo: ", false))
		_ = conn.WriteJSON(frame(req.ResponseID, req.Transcript[0].Content, true))
		outstanding.Add(-1)
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt := string(rune('a' + i))
			contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn(prompt)))
			results[i] = strings.Join(contents, "")
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, result := range results {
		if errs[i] != nil {
			t.Fatalf("turn %d failed: %v", i, errs[i])
		}
		expected := "echo: " + string(rune('a'+i))
		if result != expected {
			t.Fatalf("expected %q for turn %d, got %q", expected, i, result)
		}
	}
	if overlapped.Load() {
		t.Fatalf("expected request/response cycles to never overlap")
	}
}

func TestSendRecordsEndCallHintWithoutStopping(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		resp := frame(req.ResponseID, "Goodbye!", true)
		resp.EndCall = true
		_ = conn.WriteJSON(resp)
	})

	client := NewClient(server.wsURL())
	defer client.Close()

	contents, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("that's all")))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Join(contents, "") != "Goodbye!" {
		t.Fatalf("expected content to be delivered, got %q", contents)
	}
	if !client.EndCallRequested() {
		t.Fatalf("expected end call hint to be recorded")
	}
}

func TestSendWithoutUserMessageFails(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1")

	_, err := collectStream(context.Background(), client.Send(context.Background(), llms.Conversation{
		{Role: llms.RoleAssistant, Content: "hello"},
	}))
	if !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("expected ErrNoUserMessage, got %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	server := newSocketServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(req.ResponseID, "ok", true))
	})

	client := NewClient(server.wsURL())
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	_, err := collectStream(context.Background(), client.Send(context.Background(), userTurn("hi")))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewCallIDIsTwentyHexCharacters(t *testing.T) {
	id := NewCallID()
	if len(id) != callIDLength {
		t.Fatalf("expected %d characters, got %d (%q)", callIDLength, len(id), id)
	}
	if strings.Trim(id, "0123456789abcdef") != "" {
		t.Fatalf("expected hex characters only, got %q", id)
	}
}
