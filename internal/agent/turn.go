package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/conn"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

// turnHandler is the ingestion path of one turn. Events without an
// invocation ID inherit the last one seen, or the turn ID.
type turnHandler struct {
	s      *session
	turnID string

	current   string
	open      []string
	previous  []string
	seen      map[string]bool
	completed bool
}

var _ conn.Handler = (*turnHandler)(nil)

func newTurnHandler(s *session, turnID string) *turnHandler {
	return &turnHandler{s: s, turnID: turnID, seen: make(map[string]bool)}
}

func (h *turnHandler) Open(attempt int, header http.Header) {
	strategy := h.s.o.registry.Resolve(header.Get(FormatHeader), h.s.o.opts.CanonicalEvents)
	h.s.normalizer.SetStrategy(strategy)

	log.Debug().
		Str("session_id", h.s.id).
		Str("turn_id", h.turnID).
		Int("attempt", attempt).
		Str("format", strategy.Name()).
		Msg("agent.turnHandler.Open: stream opened")
}

func (h *turnHandler) Frame(f sse.Frame) (conn.Action, error) {
	ev, ok := h.s.normalizer.Normalize(f)
	if !ok {
		return conn.Continue, nil
	}
	if ev.InvocationID == "" {
		ev.InvocationID = h.current
		if ev.InvocationID == "" {
			ev.InvocationID = h.turnID
		}
	}

	// Transient failures reported in-band are retried, not shown.
	if ev.Error != nil && ev.Error.Retryable() {
		return conn.Retry, ev.Error
	}

	h.track(ev.InvocationID)
	_, first := h.s.detector.Observe(&ev)
	h.publish(ev, first)

	if !first {
		return conn.Continue, nil
	}
	h.completed = true
	if ev.IsError() {
		if ev.Error != nil {
			return conn.Fail, ev.Error
		}
		return conn.Fail, errors.New("agent: upstream reported an error")
	}
	return conn.Complete, nil
}

// Retry abandons the partial output of the failed attempt so the
// reconnect's output replaces it instead of duplicating it.
func (h *turnHandler) Retry(attempt int, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	for _, inv := range h.open {
		if !h.s.detector.IsComplete(inv) {
			h.mark(inv, domain.TerminalSuperseded, fmt.Sprintf("attempt %d: %s", attempt, detail))
		}
	}
	if len(h.open) > 0 {
		h.previous = h.open
	}
	h.open = nil
	h.current = ""
	clear(h.seen)
}

// finish records how the turn ended so the projection never shows a
// perpetual in-progress state.
func (h *turnHandler) finish(res conn.Result) {
	target := h.current
	if target == "" && len(h.previous) > 0 {
		target = h.previous[len(h.previous)-1]
	}
	if target == "" {
		target = h.turnID
	}

	switch {
	case h.completed:
	case res.Reason == domain.CloseCompleted:
		h.mark(target, domain.TerminalIndeterminate, "")
	case res.Reason == domain.CloseCancelled:
		for _, inv := range h.open {
			if !h.s.detector.IsComplete(inv) {
				h.mark(inv, domain.TerminalCancelled, "")
			}
		}
	default:
		h.mark(target, domain.TerminalFailed, failureDetail(res))
	}

	u := Update{
		Type:      UpdateTurnFinished,
		SessionID: h.s.id,
		TurnID:    h.turnID,
		Reason:    string(res.Reason),
	}
	if res.Indeterminate && !h.completed {
		u.Reason = string(domain.TerminalIndeterminate)
	}
	if res.Err != nil {
		u.Error = res.Err.Error()
	}
	h.s.o.publish(context.Background(), domain.StatusChannel(h.s.id), u)
}

func (h *turnHandler) track(inv string) {
	h.current = inv
	if !h.seen[inv] {
		h.seen[inv] = true
		h.open = append(h.open, inv)
	}
}

func (h *turnHandler) mark(inv string, reason domain.TerminalReason, detail string) {
	ev := domain.NewTerminalEvent(inv, reason, detail)
	_, first := h.s.detector.Observe(&ev)
	h.publish(ev, first)
}

func (h *turnHandler) publish(ev domain.AgentEvent, turnComplete bool) {
	if _, err := h.s.bus.Publish(ev, turnComplete); err != nil {
		log.Debug().Err(err).
			Str("session_id", h.s.id).
			Str("invocation_id", ev.InvocationID).
			Msg("agent.turnHandler.publish: bus closed, event dropped")
	}
}

func failureDetail(res conn.Result) string {
	var serr *conn.StatusError
	switch {
	case errors.Is(res.Err, conn.ErrTurnTimeout):
		return "the agent did not finish in time"
	case errors.Is(res.Err, conn.ErrRetriesExhausted):
		return fmt.Sprintf("the agent service is unreachable (gave up after %d attempts)", res.Attempts)
	case errors.As(res.Err, &serr):
		return fmt.Sprintf("the agent service returned %d %s", serr.Code, http.StatusText(serr.Code))
	case errors.Is(res.Err, conn.ErrHandshake):
		return "the agent service sent an unexpected response"
	case res.Err != nil:
		return res.Err.Error()
	default:
		return "the agent stream failed"
	}
}
