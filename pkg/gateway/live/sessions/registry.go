// Package sessions owns the relay-wide mapping of live session ids to their
// control handles. It is the only mutable state shared across sessions.
package sessions

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Handle is what the registry holds for each live session: enough to cancel
// it and to warn the client during a drain, never direct access to session
// state.
type Handle struct {
	Cancel func()
	Warn   func(message string) error
}

type Registry struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		entropy: ulid.Monotonic(rand.Reader, 0),
		entries: make(map[string]*entry),
	}
}

// Create allocates a fresh session id, inserts the handle, and returns the
// id with an idempotent unregister func. Monotonic ULIDs guarantee an id is
// never reassigned.
func (r *Registry) Create(h Handle) (id string, unregister func()) {
	if r == nil {
		return "", func() {}
	}

	e := &entry{handle: h}

	r.mu.Lock()
	id = "vs_" + ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
	r.entries[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	return id, func() { r.remove(id, e) }
}

// Get reports the handle for a live session.
func (r *Registry) Get(id string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// Remove is idempotent; removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e != nil {
		r.remove(id, e)
	}
}

func (r *Registry) remove(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// WarnAll sends a best-effort warning to every live session's client.
func (r *Registry) WarnAll(message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(string) error
	r.mu.Lock()
	for _, e := range r.entries {
		if e.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(message)
		sent++
	}
	return sent
}

// CancelAll drives every live session onto its finalize path.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, e := range r.entries {
		if e.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every session has unregistered or ctx expires; it
// reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
