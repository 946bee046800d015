// Package conn owns the lifecycle of one logical streaming subscription:
// connecting, reading, draining, retrying with backoff and cancellation.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

// Action is a Handler's verdict on a frame.
type Action int

const (
	// Continue keeps reading.
	Continue Action = iota
	// Complete ends the turn: the connection drains and closes as completed.
	// No reconnect follows.
	Complete
	// Fail ends the turn with the returned error and no retry.
	Fail
	// Retry abandons this attempt and reconnects under the backoff policy.
	Retry
)

// Handler receives the stream of one turn. All methods are called from
// the goroutine running Manager.Run, in order.
type Handler interface {
	// Open is called once per attempt after a successful handshake.
	Open(attempt int, header http.Header)
	// Frame handles one decoded frame, malformed ones included.
	Frame(f sse.Frame) (Action, error)
	// Retry is called before the backoff sleep preceding a reconnect.
	Retry(attempt int, err error)
}

// Config tunes a Manager. Zero timeouts disable the corresponding bound.
type Config struct {
	Client        *http.Client
	Backoff       Backoff
	IdleTimeout   time.Duration
	TurnTimeout   time.Duration
	DrainTimeout  time.Duration
	MaxRecordSize int
	// OnTransition observes every state change.
	OnTransition func(from, to domain.ConnState, reason domain.CloseReason)
}

// Result summarizes a finished Run. Err is nil only for completed turns.
// Indeterminate marks a completed close that never saw a completion signal.
type Result struct {
	Reason        domain.CloseReason
	Indeterminate bool
	Attempts      int
	Err           error
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeCancelled
	outcomeFailed
	outcomeRetry
)

type outcome struct {
	kind          outcomeKind
	reason        domain.CloseReason
	indeterminate bool
	err           error
}

// Manager drives one subscription through its state machine. A Manager is
// single-use: Run may be called once; Cancel may be called any number of
// times from any goroutine.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	state     domain.ConnState
	reason    domain.CloseReason
	started   bool
	cancelled bool
	cancelRun context.CancelCauseFunc
}

// NewManager returns an idle Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Manager{cfg: cfg}
}

// State returns the current state and, when closed, its reason.
func (m *Manager) State() (domain.ConnState, domain.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Cancel stops the subscription: it aborts an in-flight read, interrupts a
// backoff sleep and suppresses any further reconnect. Cancelling before Run
// makes Run return immediately. Repeated calls are no-ops.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	cancel, started := m.cancelRun, m.started
	m.mu.Unlock()

	if cancel != nil {
		cancel(ErrCancelled)
		return
	}
	if !started {
		m.transition(domain.ConnClosed, domain.CloseCancelled)
	}
}

// Run performs the turn described by req, reconnecting on transport
// failures, idle timeouts and 5xx responses until h completes the turn, a
// terminal failure occurs, retries run out, the turn timeout fires or the
// subscription is cancelled.
func (m *Manager) Run(ctx context.Context, req Request, h Handler) Result {
	if err := req.Validate(); err != nil {
		return Result{Reason: domain.CloseError, Err: fmt.Errorf("conn.Manager.Run: %w", err)}
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return Result{Reason: domain.CloseError, Err: ErrAlreadyStarted}
	}
	m.started = true
	if m.cancelled {
		m.mu.Unlock()
		return Result{Reason: domain.CloseCancelled, Err: ErrCancelled}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	m.cancelRun = cancel
	m.mu.Unlock()
	defer cancel(nil)

	if m.cfg.TurnTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, m.cfg.TurnTimeout, ErrTurnTimeout)
		defer stop()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		m.transition(domain.ConnConnecting, domain.CloseNone)
		log.Debug().Int("attempt", attempt).Str("url", req.URL).Msg("conn.Manager.Run: connecting")

		out := m.attempt(runCtx, &req, h, attempt)
		switch out.kind {
		case outcomeCompleted:
			m.transition(domain.ConnClosed, domain.CloseCompleted)
			return Result{Reason: domain.CloseCompleted, Indeterminate: out.indeterminate, Attempts: attempt}
		case outcomeCancelled:
			m.transition(domain.ConnClosed, domain.CloseCancelled)
			return Result{Reason: domain.CloseCancelled, Attempts: attempt, Err: ErrCancelled}
		case outcomeFailed:
			m.transition(domain.ConnClosed, out.reason)
			return Result{Reason: out.reason, Attempts: attempt, Err: out.err}
		case outcomeRetry:
			m.transition(domain.ConnClosed, out.reason)
			lastErr = out.err
		}

		if attempt > m.cfg.Backoff.MaxRetries {
			return Result{
				Reason:   out.reason,
				Attempts: attempt,
				Err:      fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, lastErr),
			}
		}

		delay := m.cfg.Backoff.Delay(attempt)
		log.Warn().Err(lastErr).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("reason", string(out.reason)).
			Msg("conn.Manager.Run: reconnecting")
		h.Retry(attempt, lastErr)

		if err := sleep(runCtx, delay); err != nil {
			if errors.Is(context.Cause(runCtx), ErrTurnTimeout) {
				return Result{
					Reason:   domain.CloseTimeout,
					Attempts: attempt,
					Err:      fmt.Errorf("%w: %w", ErrTurnTimeout, lastErr),
				}
			}
			m.transition(domain.ConnClosed, domain.CloseCancelled)
			return Result{Reason: domain.CloseCancelled, Attempts: attempt, Err: ErrCancelled}
		}
	}
}

func (m *Manager) attempt(ctx context.Context, req *Request, h Handler, attempt int) outcome {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := m.cfg.IdleTimeout
	var watchdog *time.Timer
	if idle > 0 {
		watchdog = time.AfterFunc(idle, func() { cancel(ErrIdleTimeout) })
		defer watchdog.Stop()
	}

	httpReq, err := req.build(attemptCtx)
	if err != nil {
		return outcome{kind: outcomeFailed, reason: domain.CloseError, err: err}
	}

	resp, err := m.cfg.Client.Do(httpReq) //nolint:bodyclose // closed below
	if err != nil {
		return m.interrupted(ctx, attemptCtx, err, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if serr.Retryable() {
			return outcome{kind: outcomeRetry, reason: domain.CloseError, err: serr}
		}
		return outcome{kind: outcomeFailed, reason: domain.CloseError, err: serr}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, perr := mime.ParseMediaType(ct); perr != nil || mt != "text/event-stream" {
			return outcome{kind: outcomeFailed, reason: domain.CloseError, err: fmt.Errorf("%w: %q", ErrHandshake, ct)}
		}
	}
	h.Open(attempt, resp.Header)

	opened := false
	dec := sse.NewDecoder(resp.Body,
		sse.WithMaxRecordSize(m.cfg.MaxRecordSize),
		sse.WithActivityFunc(func() {
			if watchdog != nil {
				watchdog.Reset(idle)
			}
			if !opened {
				opened = true
				m.transition(domain.ConnOpen, domain.CloseNone)
			}
		}),
	)

	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Warn().Int("attempt", attempt).Msg("conn.Manager: stream ended without a completion signal")
				return outcome{kind: outcomeCompleted, indeterminate: true}
			}
			return m.interrupted(ctx, attemptCtx, err, opened)
		}

		action, herr := h.Frame(f)
		switch action {
		case Continue:
		case Complete:
			m.transition(domain.ConnDraining, domain.CloseNone)
			m.drain(dec, h, cancel)
			return outcome{kind: outcomeCompleted}
		case Fail:
			return outcome{kind: outcomeFailed, reason: domain.CloseError, err: herr}
		case Retry:
			return outcome{kind: outcomeRetry, reason: domain.CloseError, err: herr}
		}
	}
}

// interrupted classifies a failed dial or read.
func (m *Manager) interrupted(runCtx, attemptCtx context.Context, err error, opened bool) outcome {
	if runCtx.Err() != nil {
		if errors.Is(context.Cause(runCtx), ErrTurnTimeout) {
			return outcome{kind: outcomeFailed, reason: domain.CloseTimeout, err: ErrTurnTimeout}
		}
		if opened {
			m.transition(domain.ConnDraining, domain.CloseNone)
		}
		return outcome{kind: outcomeCancelled, reason: domain.CloseCancelled, err: ErrCancelled}
	}
	if errors.Is(context.Cause(attemptCtx), ErrIdleTimeout) {
		return outcome{kind: outcomeRetry, reason: domain.CloseTimeout, err: ErrIdleTimeout}
	}
	return outcome{kind: outcomeRetry, reason: domain.CloseError, err: fmt.Errorf("conn: transport: %w", err)}
}

// drain delivers whatever the upstream still sends after completion, bounded
// by DrainTimeout, then flushes a trailing partial record.
func (m *Manager) drain(dec *sse.Decoder, h Handler, cancel context.CancelCauseFunc) {
	if m.cfg.DrainTimeout > 0 {
		t := time.AfterFunc(m.cfg.DrainTimeout, func() { cancel(nil) })
		defer t.Stop()
		for {
			f, err := dec.Next()
			if err != nil {
				return
			}
			_, _ = h.Frame(f)
		}
	}
	if f, ok := dec.Flush(); ok {
		_, _ = h.Frame(f)
	}
}

func (m *Manager) transition(to domain.ConnState, reason domain.CloseReason) {
	m.mu.Lock()
	from, fromReason := m.state, m.reason
	if !canTransition(from, fromReason, to, reason) {
		m.mu.Unlock()
		log.Error().
			Str("from", from.String()).
			Str("to", to.String()).
			Str("reason", string(reason)).
			Msg("conn.Manager: invalid state transition ignored")
		return
	}
	m.state, m.reason = to, reason
	hook := m.cfg.OnTransition
	m.mu.Unlock()

	log.Debug().Str("from", from.String()).Str("state", to.String()).Str("reason", string(reason)).Msg("conn.Manager: transition")
	if hook != nil {
		hook(from, to, reason)
	}
}
