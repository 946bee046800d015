// Package dispatch routes canonical events to handlers by inspecting their
// structure rather than a single type tag.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
)

// Kind is the routing decision for an event.
type Kind int

const (
	KindNone Kind = iota
	KindTransfer
	KindStatus
	KindMessage
	KindError
	KindTerminal

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindStatus:
		return "status"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindTerminal:
		return "terminal"
	default:
		return "none"
	}
}

// Classify derives the routing key. The checks run in a fixed order and
// the first match wins: a transfer target, then any function result (even
// when text is also present), then visible text, then an error, then a
// terminal marker.
func Classify(ev *domain.AgentEvent) Kind {
	switch {
	case ev.Actions != nil && ev.Actions.TransferTo != "":
		return KindTransfer
	case ev.HasFunctionResult():
		return KindStatus
	case ev.HasVisibleText():
		return KindMessage
	case ev.IsError():
		return KindError
	case ev.IsSystem():
		return KindTerminal
	default:
		return KindNone
	}
}

// Handler processes one routed event.
type Handler func(ctx context.Context, ev *domain.AgentEvent) error

// Handlers is the set of targets a Router dispatches to. Nil handlers are
// skipped. Message only ever sees final (non-partial) text; Progress sees
// the partial text events that Message does not.
type Handlers struct {
	Transfer Handler
	Status   Handler
	Message  Handler
	Progress Handler
	Error    Handler
	Terminal Handler
}

// Result describes what Route did with an event.
type Result struct {
	Kind    Kind
	Handled bool
	Partial bool
	Err     error
}

// Router dispatches events. It is safe for concurrent use.
type Router struct {
	handlers Handlers
	counts   [numKinds]atomic.Uint64
	partials atomic.Uint64
	failures atomic.Uint64
}

// NewRouter returns a Router over h.
func NewRouter(h Handlers) *Router {
	return &Router{handlers: h}
}

// Route classifies ev and invokes the matching handler.
func (r *Router) Route(ctx context.Context, ev *domain.AgentEvent) Result {
	kind := Classify(ev)
	r.counts[kind].Add(1)

	res := Result{Kind: kind}
	var h Handler
	switch kind {
	case KindTransfer:
		h = r.handlers.Transfer
	case KindStatus:
		h = r.handlers.Status
	case KindMessage:
		if ev.Partial {
			res.Partial = true
			r.partials.Add(1)
			h = r.handlers.Progress
		} else {
			h = r.handlers.Message
		}
	case KindError:
		h = r.handlers.Error
	case KindTerminal:
		h = r.handlers.Terminal
	default:
		log.Debug().
			Str("author", ev.Author).
			Str("invocation_id", ev.InvocationID).
			Msg("dispatch.Router.Route: event has no routable content")
	}

	if h == nil {
		return res
	}
	res.Handled = true
	if err := h(ctx, ev); err != nil {
		r.failures.Add(1)
		res.Err = fmt.Errorf("dispatch.Router.Route(%s): %w", kind, err)
		log.Warn().Err(err).
			Str("kind", kind.String()).
			Str("invocation_id", ev.InvocationID).
			Msg("dispatch.Router.Route: handler failed")
	}
	return res
}

// Counts returns how many events were classified as each kind.
func (r *Router) Counts() map[Kind]uint64 {
	out := make(map[Kind]uint64, numKinds)
	for k := range numKinds {
		if n := r.counts[k].Load(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// PartialsSuppressed returns how many partial text events were kept away
// from the Message handler.
func (r *Router) PartialsSuppressed() uint64 { return r.partials.Load() }

// Failures returns how many handler invocations returned an error.
func (r *Router) Failures() uint64 { return r.failures.Load() }
