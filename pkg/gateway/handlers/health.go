package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/config"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the relay can take traffic: config sanity plus
// a live ping of the persistence collaborator when one is wired.
type ReadyHandler struct {
	Config   config.Config
	Store    store.Store
	Uploader blob.Uploader
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                 bool     `json:"ok"`
		PersistenceEnabled bool     `json:"persistence_enabled"`
		UploadsEnabled     bool     `json:"uploads_enabled"`
		Issues             []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "upstream api key is not configured")
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			issues = append(issues, "database is unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                 ok,
		PersistenceEnabled: h.Store != nil,
		UploadsEnabled:     h.Uploader != nil && h.Uploader.IsConfigured(),
		Issues:             issues,
	})
}
