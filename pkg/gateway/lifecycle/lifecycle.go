package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// The live handler refuses new sessions while the relay is draining.
type Lifecycle struct {
	draining atomic.Bool
}

// SetDraining is one-way; a draining relay never goes back to accepting.
func (l *Lifecycle) SetDraining() {
	if l == nil {
		return
	}
	l.draining.Store(true)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
