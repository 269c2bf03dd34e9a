package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// ErrNotReady is returned by SendAudio when the connection is not open.
var ErrNotReady = errors.New("upstream connection is not ready")

// Dialer opens live-translation connections to the Gemini Live endpoint.
type Dialer struct {
	URL              string
	APIKey           string
	Model            string
	Voice            string
	HandshakeTimeout time.Duration
	DialMaxElapsed   time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// Bridge is the session-facing handle for one upstream connection.
type Bridge interface {
	SendAudio(pcm []byte) error
	Events() <-chan Event
	Close() error
}

// Connector abstracts Dialer.Connect so session tests can substitute a fake
// engine.
type Connector interface {
	Connect(ctx context.Context, sourceLanguage, targetLanguage string) (Bridge, error)
}

// Conn is one live websocket to the upstream engine. It owns the read loop
// and delivers parsed events until Closed.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	events chan Event
	done   chan struct{}
}

// Connect dials the engine (retrying transient dial failures with
// exponential backoff), sends the one-time setup frame for the language
// pair, and starts the read loop. The returned connection is usable
// immediately for SendAudio, but audio sent before the Ready event may be
// ignored by the engine.
func (d Dialer) Connect(ctx context.Context, sourceLanguage, targetLanguage string) (Bridge, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	wsDialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wsDialer.HandshakeTimeout <= 0 {
		wsDialer.HandshakeTimeout = 10 * time.Second
	}

	var ws *websocket.Conn
	dial := func() error {
		conn, _, dialErr := wsDialer.DialContext(ctx, endpoint, nil)
		if dialErr != nil {
			return dialErr
		}
		ws = conn
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = d.DialMaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 15 * time.Second
	}
	if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	setup, err := encodeSetup(d.Model, d.Voice, sourceLanguage, targetLanguage)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("encode setup: %w", err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, setup); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (d Dialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("key", d.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio wraps pcm in the engine's realtime envelope and writes it.
// Returns ErrNotReady once the connection has closed.
func (c *Conn) SendAudio(pcm []byte) error {
	if c.closed.Load() {
		return ErrNotReady
	}
	frame, err := encodeAudio(pcm)
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrNotReady
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("forward audio: %w", err)
	}
	return nil
}

// Events delivers parsed upstream events in arrival order. The channel is
// closed after a Closed event.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			ev := Closed{Err: err}
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ev = Closed{}
			}
			c.closed.Store(true)
			// The receiver may have stopped draining; the deferred close
			// still signals termination if the buffer is full.
			select {
			case c.events <- ev:
			default:
			}
			return
		}

		events, ok := parseServerFrame(data)
		if !ok {
			c.logger.Warn("dropping unrecognized upstream frame", "bytes", len(data))
			continue
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}
