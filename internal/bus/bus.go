// Package bus multicasts canonical events to independently paced
// subscribers. One Bus is created per session and torn down with it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
)

// DefaultQueueSize is the per-subscriber queue bound for lossy subscribers.
const DefaultQueueSize = 256

// ErrClosed is returned by Publish after Close, and by Recv once a closed
// subscription is drained. Recv wraps the close cause when one was given.
var ErrClosed = errors.New("bus: closed") //nolint:gochecknoglobals // sentinel error

// Envelope is one published event. Seq increases by one per Publish.
type Envelope struct {
	Seq          uint64
	Event        domain.AgentEvent
	TurnComplete bool
}

// Bus fans events out to subscribers. Publish never blocks on a slow
// subscriber: lossy subscriptions drop their oldest unread envelope when
// full, lossless ones grow.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	seq       uint64
	queueSize int
	closed    bool
	cause     error
}

// New returns a Bus whose lossy subscribers hold at most queueSize
// envelopes. Non-positive sizes select DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

type subscribeOptions struct {
	lossless  bool
	queueSize int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

// Lossless makes the subscription unbounded so it never drops. Use it only
// for the durability path.
func Lossless() SubscribeOption {
	return func(o *subscribeOptions) { o.lossless = true }
}

// WithQueueSize overrides the bus-wide queue bound for one subscription.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Subscribe registers a subscriber. It receives every envelope published
// after this call returns. Subscribing to a closed bus yields an already
// closed subscription.
func (b *Bus) Subscribe(name string, opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Subscription{
		name:   name,
		bus:    b,
		notify: make(chan struct{}, 1),
	}
	if !o.lossless {
		s.capacity = o.queueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close(b.cause)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every current subscriber and returns its sequence
// number.
func (b *Bus) Publish(ev domain.AgentEvent, turnComplete bool) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.seq++
	env := Envelope{Seq: b.seq, Event: ev, TurnComplete: turnComplete}
	for _, s := range b.subs {
		s.push(env)
	}
	return env.Seq, nil
}

// Close closes every subscription with cause. Subscribers drain what is
// already queued before seeing the terminal error. Close is idempotent;
// only the first cause is kept.
func (b *Bus) Close(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cause = cause
	for id, s := range b.subs {
		s.close(cause)
		delete(b.subs, id)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one subscriber's private queue.
type Subscription struct {
	name     string
	id       uint64
	bus      *Bus
	capacity int

	mu     sync.Mutex
	queue  []Envelope
	closed bool
	cause  error
	notify chan struct{}

	dropped atomic.Uint64
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many envelopes were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Len returns the number of queued envelopes.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Recv returns the next envelope, blocking until one is available, the
// subscription is closed and drained, or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = Envelope{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, nil
		}
		if s.closed {
			cause := s.cause
			s.mu.Unlock()
			if cause != nil {
				return Envelope{}, fmt.Errorf("%w: %w", ErrClosed, cause)
			}
			return Envelope{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Unsubscribe detaches the subscription from its bus and closes it.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
	s.close(nil)
}

func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		n := s.dropped.Add(1)
		log.Debug().
			Str("subscriber", s.name).
			Uint64("seq", dropped.Seq).
			Uint64("dropped_total", n).
			Msg("bus.Subscription: queue full, dropped oldest")
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) close(cause error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cause = cause
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
