package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingWS struct {
	mu       sync.Mutex
	messages [][]byte
	controls []int
	writeErr error
	closed   bool
}

func (w *recordingWS) SetWriteDeadline(time.Time) error { return nil }

func (w *recordingWS) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	c := make([]byte, len(data))
	copy(c, data)
	w.messages = append(w.messages, c)
	return nil
}

func (w *recordingWS) WriteControl(messageType int, data []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controls = append(w.controls, messageType)
	return nil
}

func (w *recordingWS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestOutboundWriter_WritesQueuedFramesInOrder(t *testing.T) {
	ws := &recordingWS{}
	frames := make(chan []byte, 8)
	frames <- []byte(`{"type":"a"}`)
	frames <- []byte(`{"type":"b"}`)

	ctx, cancel := context.WithCancel(context.Background())
	w := &outboundWriter{ws: ws, ctx: ctx, frames: frames, writeTimeout: time.Second, pingInterval: time.Hour}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ws.mu.Lock()
		n := len(ws.messages)
		ws.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writer never drained the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if string(ws.messages[0]) != `{"type":"a"}` || string(ws.messages[1]) != `{"type":"b"}` {
		t.Fatalf("messages=%q", ws.messages)
	}
	if !ws.closed {
		t.Fatalf("socket not closed on shutdown")
	}
	foundClose := false
	for _, c := range ws.controls {
		if c == websocket.CloseMessage {
			foundClose = true
		}
	}
	if !foundClose {
		t.Fatalf("no close frame sent, controls=%v", ws.controls)
	}
}

func TestOutboundWriter_FlushesPendingFramesOnShutdown(t *testing.T) {
	ws := &recordingWS{}
	frames := make(chan []byte, 8)
	frames <- []byte(`{"type":"session_saved"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already shut down before the writer starts

	w := &outboundWriter{ws: ws, ctx: ctx, frames: frames, writeTimeout: time.Second, pingInterval: time.Hour}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.messages) != 1 || string(ws.messages[0]) != `{"type":"session_saved"}` {
		t.Fatalf("messages=%q, want the flushed frame", ws.messages)
	}
}

func TestOutboundWriter_ReturnsWriteError(t *testing.T) {
	ws := &recordingWS{writeErr: errors.New("broken pipe")}
	frames := make(chan []byte, 1)
	frames <- []byte(`{"type":"a"}`)

	w := &outboundWriter{ws: ws, ctx: context.Background(), frames: frames, writeTimeout: time.Second, pingInterval: time.Hour}
	if err := w.Run(); err == nil {
		t.Fatalf("expected write error to surface")
	}
}

func TestOutboundWriter_SendsPings(t *testing.T) {
	ws := &recordingWS{}
	frames := make(chan []byte)

	ctx, cancel := context.WithCancel(context.Background())
	w := &outboundWriter{ws: ws, ctx: ctx, frames: frames, writeTimeout: time.Second, pingInterval: 20 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ws.mu.Lock()
		pings := 0
		for _, c := range ws.controls {
			if c == websocket.PingMessage {
				pings++
			}
		}
		ws.mu.Unlock()
		if pings >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writer never pinged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
