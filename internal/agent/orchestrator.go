// Package agent runs conversation turns against the upstream agent runtime:
// it owns one pipeline per session (connection, normalizer, detector, bus,
// store and dispatch subscribers) and the event format registry.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/conn"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/store/memory"
	"github.com/gosuda/airstream/internal/validate"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrTurnInProgress   = fmt.Errorf("agent: turn already in progress: %w", domain.ErrConflict)
	ErrSessionClosed    = errors.New("agent: session closed")
	ErrSessionCancelled = errors.New("agent: session cancelled")
	ErrShutdown         = errors.New("agent: orchestrator shut down")
)

// PubSubPublisher abstracts the Redis pub/sub publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }

// Options configures an Orchestrator.
type Options struct {
	// UpstreamURL is the streaming endpoint turns are posted to.
	UpstreamURL string
	AppName     string
	Conn        conn.Config
	// QueueSize bounds each lossy bus subscriber.
	QueueSize int
	// CanonicalEvents selects the canonical event format by default.
	CanonicalEvents bool
	PublishTimeout  time.Duration
	// SessionIdle tears down a session pipeline after it has had no running
	// turn for this long. The session's event log in the store is kept.
	// Zero disables reaping.
	SessionIdle time.Duration
}

// TurnInput is one user message for a session.
type TurnInput struct {
	SessionID string
	UserID    string
	Text      string
}

// Orchestrator coordinates per-session streaming pipelines.
type Orchestrator struct {
	opts     Options
	registry *Registry
	gate     validate.Gate
	store    *memory.Store
	messages domain.MessageRepository
	pubsub   PubSubPublisher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*session
	cancelled map[string]struct{}
	closed    bool
}

// NewOrchestrator wires an Orchestrator. registry, gate and pubsub fall back
// to defaults when nil; messages may be nil when no durable store is
// configured.
func NewOrchestrator(
	opts Options,
	registry *Registry,
	gate validate.Gate,
	store *memory.Store,
	messages domain.MessageRepository,
	pubsub PubSubPublisher,
) *Orchestrator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if gate == nil {
		gate = validate.NewMarkupGate(0)
	}
	if pubsub == nil {
		pubsub = nopPublisher{}
	}
	if store == nil {
		store = memory.New(0)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.AppName == "" {
		opts.AppName = "airstream"
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:      opts,
		registry:  registry,
		gate:      gate,
		store:     store,
		messages:  messages,
		pubsub:    pubsub,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		cancelled: make(map[string]struct{}),
	}
	if opts.SessionIdle > 0 {
		go o.reapIdle(ctx)
	}
	return o
}

// Store returns the session event store the orchestrator appends to.
func (o *Orchestrator) Store() *memory.Store { return o.store }

// StartTurn validates the input, builds the upstream request and starts
// streaming in the background. Input is checked before any connection is
// made; a rejected message never reaches the pipeline.
func (o *Orchestrator) StartTurn(ctx context.Context, in TurnInput) (*Turn, error) {
	if err := o.gate.Check(in.Text); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
	}
	if in.UserID == "" {
		in.UserID = "user"
	}

	req := domain.NewTurnRequest(o.opts.AppName, in.UserID, in.SessionID, in.Text)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartTurn: marshal request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
	}

	var turn *Turn
	for {
		sess, err := o.session(in.SessionID)
		if err != nil {
			return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
		}
		turn, err = sess.startTurn(conn.Request{URL: o.opts.UpstreamURL, Body: body})
		if errors.Is(err, ErrSessionClosed) && sess.isRetired() {
			// Reaped between lookup and start; the next lookup builds a fresh pipeline.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
		}
		break
	}

	log.Info().
		Str("session_id", in.SessionID).
		Str("turn_id", turn.ID).
		Msg("agent.Orchestrator.StartTurn: turn started")
	return turn, nil
}

// RunTurn starts a turn and waits for it. Cancelling ctx cancels the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (conn.Result, error) {
	turn, err := o.StartTurn(ctx, in)
	if err != nil {
		return conn.Result{}, err
	}
	return turn.Wait(ctx)
}

// Cancel stops a session: the active turn's connection is aborted, pending
// reconnects are suppressed and every subscriber queue is closed. Cancelling
// a session that was already cancelled is a no-op.
func (o *Orchestrator) Cancel(_ context.Context, sessionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	_, already := o.cancelled[sessionID]
	if ok {
		delete(o.sessions, sessionID)
		o.cancelled[sessionID] = struct{}{}
	}
	o.mu.Unlock()

	if !ok {
		if already {
			return nil
		}
		return fmt.Errorf("agent.Orchestrator.Cancel(%q): %w", sessionID, domain.ErrNotFound)
	}

	sess.close(ErrSessionCancelled)
	log.Info().Str("session_id", sessionID).Msg("agent.Orchestrator.Cancel: session cancelled")
	return nil
}

// Status reports live pipeline counters for a session.
func (o *Orchestrator) Status(sessionID string) (SessionStatus, error) {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return SessionStatus{}, fmt.Errorf("agent.Orchestrator.Status(%q): %w", sessionID, domain.ErrNotFound)
	}
	return sess.status(), nil
}

// Shutdown cancels every session. If ctx expires first, subscriber
// goroutines are abandoned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*session, 0, len(o.sessions))
	for id, s := range o.sessions {
		sessions = append(sessions, s)
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.close(ErrShutdown)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		return fmt.Errorf("agent.Orchestrator.Shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) session(id string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShutdown
	}
	if s, ok := o.sessions[id]; ok {
		return s, nil
	}
	delete(o.cancelled, id)
	s := newSession(o, id)
	o.sessions[id] = s
	return s, nil
}

// reapIdle periodically closes sessions that have been idle for
// SessionIdle until ctx is done.
func (o *Orchestrator) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(max(o.opts.SessionIdle/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			o.reap(now)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) reap(now time.Time) {
	o.mu.Lock()
	var idle []*session
	for id, s := range o.sessions {
		if s.retire(now, o.opts.SessionIdle) {
			idle = append(idle, s)
			delete(o.sessions, id)
		}
	}
	o.mu.Unlock()

	for _, s := range idle {
		s.close(nil)
		log.Debug().Str("session_id", s.id).Msg("agent.Orchestrator.reap: idle session closed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, channel string, u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
	defer cancel()
	if pubErr := o.pubsub.Publish(pctx, channel, payload); pubErr != nil {
		log.Error().Err(pubErr).Str("channel", channel).Str("type", string(u.Type)).Msg("agent.Orchestrator.publish: failed to publish update")
	}
}

// SessionStatus is a snapshot of one session's pipeline.
type SessionStatus struct {
	SessionID   string            `json:"sessionId"`
	Active      bool              `json:"active"`
	TurnID      string            `json:"turnId,omitempty"`
	State       string            `json:"state"`
	CloseReason string            `json:"closeReason,omitempty"`
	Normalizer  event.Stats       `json:"normalizer"`
	Routed      map[string]uint64 `json:"routed"`
	Dropped     uint64            `json:"dropped"`
	Subscribers int               `json:"subscribers"`
}
