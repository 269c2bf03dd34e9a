// Package server assembles the relay's HTTP surface: health endpoints,
// Prometheus metrics, and the live translation websocket.
package server

import (
	"log/slog"
	"net/http"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/config"
	"github.com/linguaflow/relay/pkg/gateway/handlers"
	"github.com/linguaflow/relay/pkg/gateway/lifecycle"
	"github.com/linguaflow/relay/pkg/gateway/live/sessions"
	"github.com/linguaflow/relay/pkg/gateway/live/upstream"
	"github.com/linguaflow/relay/pkg/gateway/metrics"
	"github.com/linguaflow/relay/pkg/gateway/mw"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Connector upstream.Connector
	Store     store.Store
	Uploader  blob.Uploader
	Metrics   *metrics.Metrics
}

type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewRegistry()
	}

	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:   s.deps.Config,
		Store:    s.deps.Store,
		Uploader: s.deps.Uploader,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("/ws/translate", handlers.LiveHandler{
		Config:    s.deps.Config,
		Logger:    s.deps.Logger,
		Lifecycle: s.deps.Lifecycle,
		Registry:  s.deps.Registry,
		Connector: s.deps.Connector,
		Store:     s.deps.Store,
		Uploader:  s.deps.Uploader,
		Metrics:   s.deps.Metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.deps.Config, h)
	h = mw.Recover(s.deps.Logger, h)
	h = mw.AccessLog(s.deps.Logger, h)
	h = mw.RequestID(h)
	return h
}
