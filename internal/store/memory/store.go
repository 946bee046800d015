// Package memory is the in-process session event store: a bounded raw event
// log per session plus the derived message projection.
package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
)

// DefaultCapacity is the per-session raw log bound.
const DefaultCapacity = 1000

type sessionLog struct {
	ring    []domain.AgentEvent
	head    int
	size    int
	evicted uint64

	lastInvocationID string
	completed        bool
}

func (l *sessionLog) append(ev domain.AgentEvent) bool {
	evicted := false
	if l.size == len(l.ring) {
		l.ring[l.head] = ev
		l.head = (l.head + 1) % len(l.ring)
		l.evicted++
		evicted = true
	} else {
		l.ring[(l.head+l.size)%len(l.ring)] = ev
		l.size++
	}

	if ev.InvocationID != l.lastInvocationID {
		l.lastInvocationID = ev.InvocationID
		l.completed = false
	}
	if event.IsTurnComplete(&ev) {
		l.completed = true
	}
	return evicted
}

// snapshot copies the most recent limit events, oldest first. limit <= 0
// copies everything retained.
func (l *sessionLog) snapshot(limit int) []domain.AgentEvent {
	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AgentEvent, n)
	start := l.head + l.size - n
	for i := range n {
		out[i] = l.ring[(start+i)%len(l.ring)]
	}
	return out
}

// Store holds session logs. Writers take the exclusive lock only to place
// an event in the ring; readers copy a snapshot under the shared lock and
// derive outside it, so eviction never races a derivation in progress.
type Store struct {
	mu       sync.RWMutex
	capacity int
	sessions map[string]*sessionLog
}

// New returns a Store retaining at most capacity events per session.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		sessions: make(map[string]*sessionLog),
	}
}

// Capacity returns the per-session raw log bound.
func (s *Store) Capacity() int { return s.capacity }

// Append adds ev to the session's raw log, evicting the oldest event when
// the log is full.
func (s *Store) Append(sessionID string, ev domain.AgentEvent) error {
	if sessionID == "" {
		return fmt.Errorf("memory.Store.Append: empty session id: %w", domain.ErrRejectedInput)
	}

	s.mu.Lock()
	l, ok := s.sessions[sessionID]
	if !ok {
		l = &sessionLog{ring: make([]domain.AgentEvent, s.capacity)}
		s.sessions[sessionID] = l
	}
	evicted := l.append(ev)
	total := l.evicted
	s.mu.Unlock()

	if evicted {
		log.Debug().
			Str("session_id", sessionID).
			Uint64("evicted_total", total).
			Msg("memory.Store.Append: raw log full, evicted oldest event")
	}
	return nil
}

// Events returns up to limit of the most recent events, oldest first.
func (s *Store) Events(sessionID string, limit int) ([]domain.AgentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("memory.Store.Events: %w", domain.ErrNotFound)
	}
	return l.snapshot(limit), nil
}

// Derive computes the message projection of the session's retained log.
func (s *Store) Derive(sessionID string) ([]domain.Message, error) {
	events, err := s.Events(sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("memory.Store.Derive: %w", err)
	}
	return Derive(sessionID, events), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	l, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("memory.Store.Get: %w", domain.ErrNotFound)
	}
	events := l.snapshot(0)
	sess := &domain.Session{
		ID:               sessionID,
		Events:           events,
		LastInvocationID: l.lastInvocationID,
		Completed:        l.completed,
		EventCount:       len(events),
		Evicted:          l.evicted,
	}
	s.mu.RUnlock()

	sess.Messages = Derive(sessionID, events)
	return sess, nil
}

// Export returns the durable, user-facing form of a session. The raw log is
// never part of an export.
func (s *Store) Export(sessionID string) (*domain.SessionSnapshot, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory.Store.Export: %w", err)
	}
	return &domain.SessionSnapshot{
		SessionID:        sess.ID,
		LastInvocationID: sess.LastInvocationID,
		Completed:        sess.Completed,
		Messages:         sess.Messages,
		ExportedAt:       time.Now().UTC(),
	}, nil
}

// Delete drops a session's log.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions returns the IDs of all sessions held, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
