// Package session implements the per-connection state machine that relays
// audio between one mobile client and one upstream translation engine. All
// state transitions happen on the session's single run loop; the client
// reader, outbound writer, and upstream dial run as helper goroutines that
// only communicate through channels.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/live/protocol"
	"github.com/linguaflow/relay/pkg/gateway/live/upstream"
	"github.com/linguaflow/relay/pkg/gateway/metrics"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

type State int32

const (
	StateConnecting State = iota
	StateConfiguring
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	MaxJSONMessageBytes   int64
	PingInterval          time.Duration
	WriteTimeout          time.Duration
	MaxSessionDuration    time.Duration
	OutboundQueueSize     int
	FinalizeTimeout       time.Duration
	UploadAttempts        int
	DefaultSourceLanguage string
	DefaultTargetLanguage string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Connector upstream.Connector
	Store     store.Store   // nil disables persistence
	Uploader  blob.Uploader // nil disables audio uploads
	Metrics   *metrics.Metrics
	SessionID string
	RequestID string
	UserID    string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

type Session struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	connector upstream.Connector
	store     store.Store
	uploader  blob.Uploader
	metrics   *metrics.Metrics
	sessionID string
	requestID string
	userID    string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte
	state    atomic.Int32

	// Loop-owned; touched only by the run loop and the finalizer it calls.
	sourceLanguage  string
	targetLanguage  string
	bridge          upstream.Bridge
	pendingBridge   upstream.Bridge
	userTranscript  transcriptBuffer
	modelTranscript transcriptBuffer
	userAudio       audioBuffer
	aiAudio         audioBuffer

	finalizeOnce sync.Once
}

type inboundFrame struct {
	data []byte
	err  error
}

type connectResult struct {
	bridge upstream.Bridge
	err    error
}

func New(deps Dependencies) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.FinalizeTimeout <= 0 {
		deps.Config.FinalizeTimeout = 15 * time.Second
	}
	if deps.Config.UploadAttempts <= 0 {
		deps.Config.UploadAttempts = 3
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      deps.Conn,
		logger:    deps.Logger.With("session_id", deps.SessionID),
		connector: deps.Connector,
		store:     deps.Store,
		uploader:  deps.Uploader,
		metrics:   deps.Metrics,
		sessionID: deps.SessionID,
		requestID: deps.RequestID,
		userID:    deps.UserID,
		cfg:       deps.Config,
		startTime: deps.StartTime,
		now:       deps.Now,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan []byte, deps.Config.OutboundQueueSize),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// setState only advances; the lifecycle never moves backward, even when the
// upstream connection drops mid-stream.
func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if int32(st) <= cur {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Cancel drives the session onto its finalize path; safe from any goroutine.
func (s *Session) Cancel() {
	s.cancel()
}

// Warn queues a best-effort notice to the client; safe from any goroutine.
func (s *Session) Warn(message string) error {
	return s.sendJSON(protocol.NewError(message))
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// Queue room wins over a done context so frames produced during
	// teardown (session_saved in particular) still reach the writer's
	// shutdown flush.
	select {
	case s.outbound <- data:
		return nil
	default:
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Run drives the session until the client disconnects, ends it, or the
// session is canceled. It always leaves the session in Closed with the
// finalizer having run exactly once.
func (s *Session) Run() error {
	defer s.cancel()

	s.metrics.SessionStarted()
	defer func() {
		s.metrics.SessionEnded(s.State().String(), s.now().Sub(s.startTime))
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}

	inbound := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	connectCh := make(chan connectResult, 1)

	go s.readLoop(inbound)
	go func() {
		w := &outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			frames:       s.outbound,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		s.cancel()
		wait := 150 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	if err := s.sendJSON(protocol.NewSessionID(s.sessionID)); err != nil {
		s.finalize()
		return err
	}

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	// Non-nil only while an upstream connection (pending or adopted) exists.
	var upstreamEvents <-chan upstream.Event
	dialing := false

	for {
		select {
		case <-s.ctx.Done():
			s.finalize()
			flushAndClose()
			return nil

		case err := <-writerErrCh:
			s.finalize()
			return err

		case frame, ok := <-inbound:
			if !ok || frame.err != nil {
				// Client disconnect is equivalent to an explicit end.
				s.finalize()
				flushAndClose()
				return nil
			}
			end, err := s.handleClientFrame(frame.data, &dialing, connectCh)
			if err != nil {
				s.finalize()
				flushAndClose()
				return err
			}
			if end {
				s.finalize()
				flushAndClose()
				return nil
			}

		case res := <-connectCh:
			dialing = false
			if res.err != nil {
				s.logger.Warn("upstream connect failed", "error", res.err)
				s.metrics.RecordError("upstream")
				_ = s.sendJSON(protocol.NewError("failed to connect to translation engine"))
				continue
			}
			s.pendingBridge = res.bridge
			upstreamEvents = res.bridge.Events()

		case ev, ok := <-upstreamEvents:
			if !ok {
				upstreamEvents = nil
				continue
			}
			s.handleUpstreamEvent(ev, &upstreamEvents)

		case <-sessionTimerCh():
			s.logger.Warn("maximum session duration reached")
			_ = s.sendJSON(protocol.NewError("maximum session duration reached"))
			s.finalize()
			flushAndClose()
			return nil
		}
	}
}

// handleClientFrame applies one client intent. It reports end=true for the
// explicit end frame and returns an error only for faults that must tear the
// session down.
func (s *Session) handleClientFrame(data []byte, dialing *bool, connectCh chan<- connectResult) (end bool, err error) {
	msg, decErr := protocol.DecodeClientMessage(data)
	if decErr != nil {
		// Malformed frames are recoverable; tell the client and carry on.
		s.metrics.RecordFrame("client", "malformed")
		_ = s.sendJSON(protocol.NewError(decErr.Error()))
		return false, nil
	}

	switch m := msg.(type) {
	case protocol.ClientSetup:
		s.metrics.RecordFrame("client", "setup")
		if s.bridge != nil || s.pendingBridge != nil || *dialing {
			_ = s.sendJSON(protocol.NewError("session is already configured"))
			return false, nil
		}
		source := m.SourceLanguage
		if source == "" {
			source = s.cfg.DefaultSourceLanguage
		}
		target := m.TargetLanguage
		if target == "" {
			target = s.cfg.DefaultTargetLanguage
		}
		s.sourceLanguage = source
		s.targetLanguage = target
		s.setState(StateConfiguring)
		*dialing = true
		go func() {
			bridge, connErr := s.connector.Connect(s.ctx, source, target)
			select {
			case connectCh <- connectResult{bridge: bridge, err: connErr}:
			case <-s.ctx.Done():
				if bridge != nil {
					_ = bridge.Close()
				}
			}
		}()
		return false, nil

	case protocol.ClientAudio:
		s.metrics.RecordFrame("client", "audio")
		if s.bridge == nil {
			// Never drop audio silently; the client must know it was lost.
			_ = s.sendJSON(protocol.NewError("not ready: configure the session and wait for ready before sending audio"))
			return false, nil
		}
		if sendErr := s.bridge.SendAudio(m.PCM); sendErr != nil {
			s.logger.Warn("audio forward failed", "error", sendErr)
			s.metrics.RecordError("upstream")
			_ = s.sendJSON(protocol.NewError("failed to forward audio to translation engine"))
			return false, nil
		}
		s.userAudio.Append(m.PCM)
		s.metrics.RecordAudio("in", len(m.PCM))
		return false, nil

	case protocol.ClientEnd:
		s.metrics.RecordFrame("client", "end")
		return true, nil

	case protocol.ClientUnknown:
		s.metrics.RecordFrame("client", "unknown")
		s.logger.Info("ignoring unknown client frame", "type", m.Type)
		return false, nil

	default:
		return false, nil
	}
}

func (s *Session) handleUpstreamEvent(ev upstream.Event, events *<-chan upstream.Event) {
	switch e := ev.(type) {
	case upstream.Ready:
		if s.pendingBridge == nil {
			return
		}
		s.bridge = s.pendingBridge
		s.pendingBridge = nil
		s.setState(StateStreaming)
		s.metrics.RecordFrame("upstream", "ready")
		_ = s.sendJSON(protocol.NewReady())

	case upstream.UserTranscript:
		s.userTranscript.Append(e.Text)
		s.metrics.RecordFrame("upstream", "user_transcription")
		_ = s.sendJSON(protocol.NewUserTranscription(e.Text, s.userTranscript.Text()))

	case upstream.ModelTranscript:
		s.modelTranscript.Append(e.Text)
		s.metrics.RecordFrame("upstream", "model_transcription")
		_ = s.sendJSON(protocol.NewModelTranscription(e.Text, s.modelTranscript.Text()))

	case upstream.Audio:
		s.aiAudio.Append(e.PCM)
		s.metrics.RecordFrame("upstream", "audio")
		s.metrics.RecordAudio("out", len(e.PCM))
		_ = s.sendJSON(protocol.NewAudio(e.PCM))

	case upstream.TurnComplete:
		s.metrics.RecordFrame("upstream", "turn_complete")
		_ = s.sendJSON(protocol.NewTurnComplete(s.userTranscript.Text(), s.modelTranscript.Text()))

	case upstream.Closed:
		*events = nil
		if s.pendingBridge != nil {
			// Connection died before the engine confirmed setup.
			_ = s.pendingBridge.Close()
			s.pendingBridge = nil
			s.logger.Warn("upstream closed before ready", "error", e.Err)
			s.metrics.RecordError("upstream")
			_ = s.sendJSON(protocol.NewError("translation engine rejected the session"))
			return
		}
		if s.bridge != nil {
			_ = s.bridge.Close()
			s.bridge = nil
			s.logger.Warn("upstream disconnected", "error", e.Err)
			s.metrics.RecordFrame("upstream", "disconnected")
			// The session keeps its state and buffers; the client decides
			// whether to reconfigure or end. Audio sent before a new bridge
			// exists gets the not-ready notice.
			_ = s.sendJSON(protocol.NewUpstreamDisconnected())
		}
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
