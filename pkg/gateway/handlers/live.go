package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/config"
	"github.com/linguaflow/relay/pkg/gateway/lifecycle"
	"github.com/linguaflow/relay/pkg/gateway/live/session"
	"github.com/linguaflow/relay/pkg/gateway/live/sessions"
	"github.com/linguaflow/relay/pkg/gateway/live/upstream"
	"github.com/linguaflow/relay/pkg/gateway/metrics"
	"github.com/linguaflow/relay/pkg/gateway/mw"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

// LiveHandler handles /ws/translate websocket sessions.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Connector upstream.Connector
	Store     store.Store
	Uploader  blob.Uploader
	Metrics   *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeErrorJSON(w, r, 529, "draining", "relay is draining")
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, r, http.StatusForbidden, "forbidden", "origin is not allowed")
		return
	}

	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	requestID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.LiveHandshakeTimeout,
		// Origin was already checked above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The registry allocates the id before the session exists, so the drain
	// handle goes through an atomic pointer.
	var sessPtr atomic.Pointer[session.Session]
	sessionID, unregister := h.Registry.Create(sessions.Handle{
		Cancel: func() {
			if s := sessPtr.Load(); s != nil {
				s.Cancel()
			}
		},
		Warn: func(message string) error {
			if s := sessPtr.Load(); s != nil {
				return s.Warn(message)
			}
			return nil
		},
	})
	defer unregister()

	s := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Connector: h.Connector,
		Store:     h.Store,
		Uploader:  h.Uploader,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		RequestID: requestID,
		UserID:    userID,
		StartTime: time.Now(),
		Config: session.Config{
			MaxJSONMessageBytes:   h.Config.LiveMaxJSONMessageBytes,
			PingInterval:          h.Config.LiveWSPingInterval,
			WriteTimeout:          h.Config.LiveWSWriteTimeout,
			MaxSessionDuration:    h.Config.LiveMaxSessionDuration,
			OutboundQueueSize:     h.Config.LiveOutboundQueueSize,
			FinalizeTimeout:       h.Config.FinalizeTimeout,
			UploadAttempts:        h.Config.UploadAttempts,
			DefaultSourceLanguage: h.Config.DefaultSourceLanguage,
			DefaultTargetLanguage: h.Config.DefaultTargetLanguage,
		},
	})
	sessPtr.Store(s)

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error",
				"session_id", sessionID, "request_id", requestID, "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func writeErrorJSON(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	})
}
