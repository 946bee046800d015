package event

import (
	"sync"

	"github.com/gosuda/airstream/internal/domain"
)

// IsTurnComplete reports whether ev by itself ends its invocation: an
// explicit turnComplete flag, usage metadata, a sealing terminal marker, or
// a non-retryable error. Connection closure is never evidence of completion.
func IsTurnComplete(ev *domain.AgentEvent) bool {
	switch {
	case ev.TurnComplete, ev.Usage != nil, ev.Terminal.Seals():
		return true
	case ev.Error != nil:
		return !ev.Error.Retryable()
	case ev.Author == domain.ErrorAuthor:
		return true
	default:
		return false
	}
}

// Detector tracks completion per invocation. Once an invocation is
// complete it stays complete; later completion signals are counted as
// duplicates and otherwise ignored.
type Detector struct {
	mu         sync.RWMutex
	complete   map[string]struct{}
	duplicates uint64
}

// NewDetector returns an empty Detector.
func NewDetector() *Detector {
	return &Detector{complete: make(map[string]struct{})}
}

// Observe feeds ev to the detector. complete reports whether ev's
// invocation is complete after this event; first is true only for the
// event that completed it.
func (d *Detector) Observe(ev *domain.AgentEvent) (complete, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, done := d.complete[ev.InvocationID]
	if !IsTurnComplete(ev) {
		return done, false
	}
	if done {
		d.duplicates++
		return true, false
	}
	d.complete[ev.InvocationID] = struct{}{}
	return true, true
}

// IsComplete reports whether invocationID has completed.
func (d *Detector) IsComplete(invocationID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.complete[invocationID]
	return ok
}

// Duplicates returns how many redundant completion signals were ignored.
func (d *Detector) Duplicates() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.duplicates
}
