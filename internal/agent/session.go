package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/airstream/internal/bus"
	"github.com/gosuda/airstream/internal/conn"
	"github.com/gosuda/airstream/internal/dispatch"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
)

// Turn is a handle on one running turn.
type Turn struct {
	ID        string
	SessionID string

	manager *conn.Manager
	done    chan struct{}
	result  conn.Result
}

// Done is closed when the turn has finished and its terminal events have
// been published.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the connection outcome. Only valid after Done is closed.
func (t *Turn) Result() conn.Result { return t.result }

// Wait blocks until the turn finishes. If ctx ends first the turn is
// cancelled and Wait still returns its final result.
func (t *Turn) Wait(ctx context.Context) (conn.Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		t.manager.Cancel()
		<-t.done
		return t.result, fmt.Errorf("agent.Turn.Wait: %w", ctx.Err())
	}
}

// session is the pipeline of one conversation. Ingestion (decode,
// normalize, detect, publish) runs on the turn goroutine; the store and
// dispatch subscribers consume the bus on their own goroutines.
type session struct {
	id string
	o  *Orchestrator

	bus        *bus.Bus
	detector   *event.Detector
	normalizer *event.Normalizer
	router     *dispatch.Router
	storeSub   *bus.Subscription
	uiSub      *bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu         sync.Mutex
	active     *Turn
	lastActive time.Time
	closed     bool
	retired    bool
	closeOnce  sync.Once
}

func newSession(o *Orchestrator, id string) *session {
	ctx, cancel := context.WithCancel(o.ctx)
	g, gctx := errgroup.WithContext(ctx)

	s := &session{
		id:         id,
		o:          o,
		bus:        bus.New(o.opts.QueueSize),
		detector:   event.NewDetector(),
		normalizer: event.NewNormalizer(o.registry.Resolve("", o.opts.CanonicalEvents)),
		ctx:        ctx,
		cancel:     cancel,
		group:      g,
		lastActive: time.Now(),
	}
	s.router = dispatch.NewRouter(s.handlers())
	s.storeSub = s.bus.Subscribe("store", bus.Lossless())
	s.uiSub = s.bus.Subscribe("dispatch")

	g.Go(func() error { return s.runStore(gctx) })
	g.Go(func() error { return s.runDispatch(gctx) })
	return s
}

func (s *session) startTurn(req conn.Request) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.active != nil {
		select {
		case <-s.active.done:
		default:
			return nil, ErrTurnInProgress
		}
	}

	t := &Turn{
		ID:        uuid.NewString(),
		SessionID: s.id,
		manager:   conn.NewManager(s.o.opts.Conn),
		done:      make(chan struct{}),
	}
	h := newTurnHandler(s, t.ID)
	s.active = t
	s.lastActive = time.Now()

	go func() {
		defer close(t.done)
		t.result = t.manager.Run(s.ctx, req, h)
		h.finish(t.result)
		s.touch()

		logEvt := log.Info()
		if t.result.Err != nil {
			logEvt = log.Warn().Err(t.result.Err)
		}
		logEvt.
			Str("session_id", s.id).
			Str("turn_id", t.ID).
			Str("reason", string(t.result.Reason)).
			Bool("indeterminate", t.result.Indeterminate).
			Int("attempts", t.result.Attempts).
			Msg("agent.session: turn finished")
	}()
	return t, nil
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// retire marks the session closed when it has had no running turn for at
// least idle. A retired session refuses new turns; the caller must close it.
func (s *session) retire(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || now.Sub(s.lastActive) < idle {
		return false
	}
	if s.active != nil {
		select {
		case <-s.active.done:
		default:
			return false
		}
	}
	s.closed = true
	s.retired = true
	return true
}

func (s *session) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// close cancels the active turn, waits for its terminal events, then closes
// the bus and waits for both subscribers to drain.
func (s *session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		t := s.active
		s.mu.Unlock()

		if t != nil {
			t.manager.Cancel()
			<-t.done
		}
		s.bus.Close(cause)
		if err := s.group.Wait(); err != nil {
			log.Error().Err(err).Str("session_id", s.id).Msg("agent.session.close: subscriber failed")
		}
		s.cancel()
	})
}

func (s *session) status() SessionStatus {
	st := SessionStatus{
		SessionID:   s.id,
		State:       domain.ConnIdle.String(),
		Normalizer:  s.normalizer.Stats(),
		Routed:      make(map[string]uint64),
		Dropped:     s.uiSub.Dropped(),
		Subscribers: s.bus.Subscribers(),
	}
	for k, n := range s.router.Counts() {
		st.Routed[k.String()] = n
	}

	s.mu.Lock()
	t := s.active
	s.mu.Unlock()
	if t != nil {
		state, reason := t.manager.State()
		st.TurnID = t.ID
		st.State = state.String()
		st.CloseReason = string(reason)
		select {
		case <-t.done:
		default:
			st.Active = true
		}
	}
	return st
}

// runStore is the durability path: it never drops, appends every event to
// the store and persists sealed messages when an invocation completes.
func (s *session) runStore(ctx context.Context) error {
	for {
		env, err := s.storeSub.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return fmt.Errorf("agent.session.runStore: %w", err)
		}

		if err := s.o.store.Append(s.id, env.Event); err != nil {
			log.Error().Err(err).Str("session_id", s.id).Msg("agent.session.runStore: append failed")
			continue
		}
		if env.TurnComplete {
			s.persist(ctx, env.Event.InvocationID)
		}
	}
}

func (s *session) persist(ctx context.Context, invocationID string) {
	if s.o.messages == nil {
		return
	}
	msgs, err := s.o.store.Derive(s.id)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("agent.session.persist: derive failed")
		return
	}
	for i := range msgs {
		if msgs[i].InvocationID != invocationID || !msgs[i].Sealed {
			continue
		}
		if err := s.o.messages.Upsert(ctx, &msgs[i]); err != nil {
			log.Error().Err(err).
				Str("session_id", s.id).
				Str("message_id", msgs[i].ID).
				Msg("agent.session.persist: upsert failed")
		}
	}
}

// runDispatch feeds the router. It may lose events under backpressure;
// the store path does not.
func (s *session) runDispatch(ctx context.Context) error {
	for {
		env, err := s.uiSub.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return fmt.Errorf("agent.session.runDispatch: %w", err)
		}

		s.router.Route(ctx, &env.Event)
		if env.TurnComplete {
			s.o.publish(ctx, domain.StatusChannel(s.id), Update{
				Type:         UpdateTurnComplete,
				SessionID:    s.id,
				InvocationID: env.Event.InvocationID,
			})
		}
	}
}

func (s *session) handlers() dispatch.Handlers {
	ui := domain.SessionChannel(s.id)
	status := domain.StatusChannel(s.id)

	return dispatch.Handlers{
		Message: func(ctx context.Context, ev *domain.AgentEvent) error {
			s.o.publish(ctx, ui, s.update(UpdateMessage, ev, ev.VisibleText()))
			return nil
		},
		Progress: func(ctx context.Context, ev *domain.AgentEvent) error {
			s.o.publish(ctx, status, s.update(UpdateProgress, ev, ev.VisibleText()))
			return nil
		},
		Status: func(ctx context.Context, ev *domain.AgentEvent) error {
			for _, r := range ev.FunctionResults() {
				u := s.update(UpdateToolResult, ev, r.Text)
				u.Tool = r.Name
				s.o.publish(ctx, status, u)
			}
			return nil
		},
		Transfer: func(ctx context.Context, ev *domain.AgentEvent) error {
			u := s.update(UpdateTransfer, ev, "")
			u.Target = ev.Actions.TransferTo
			s.o.publish(ctx, status, u)
			return nil
		},
		Error: func(ctx context.Context, ev *domain.AgentEvent) error {
			u := s.update(UpdateError, ev, "")
			if ev.Error != nil {
				u.Error = ev.Error.Error()
			}
			s.o.publish(ctx, ui, u)
			return nil
		},
		Terminal: func(ctx context.Context, ev *domain.AgentEvent) error {
			u := s.update(UpdateTerminal, ev, "")
			u.Reason = string(ev.Terminal.Reason)
			u.Error = ev.Terminal.Detail
			s.o.publish(ctx, ui, u)
			s.o.publish(ctx, status, u)
			return nil
		},
	}
}

func (s *session) update(typ UpdateType, ev *domain.AgentEvent, text string) Update {
	return Update{
		Type:         typ,
		SessionID:    s.id,
		InvocationID: ev.InvocationID,
		Author:       ev.Author,
		Text:         text,
		Timestamp:    ev.Timestamp,
	}
}
