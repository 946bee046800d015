package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const brokerBuffer = 64

// PubSub is an in-process broker with the same surface as the Redis one.
// It serves single-instance deployments that run without Redis.
type PubSub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]chan []byte
}

func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[string]map[uint64]chan []byte)}
}

// Publish delivers payload to every current subscriber of channel. Full
// subscriber buffers drop the message.
func (ps *PubSub) Publish(_ context.Context, channel string, payload []byte) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, ch := range ps.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
			log.Debug().Str("channel", channel).Msg("memory.PubSub.Publish: slow subscriber, message dropped")
		}
	}
	return nil
}

// Subscribe listens on channels until ctx ends or cleanup is called.
func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) (<-chan []byte, func(), error) {
	in := make(chan []byte, brokerBuffer)
	out := make(chan []byte, brokerBuffer)

	ps.mu.Lock()
	ps.nextID++
	id := ps.nextID
	for _, c := range channels {
		if ps.subs[c] == nil {
			ps.subs[c] = make(map[uint64]chan []byte)
		}
		ps.subs[c][id] = in
	}
	ps.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			ps.mu.Lock()
			for _, c := range channels {
				delete(ps.subs[c], id)
				if len(ps.subs[c]) == 0 {
					delete(ps.subs, c)
				}
			}
			ps.mu.Unlock()
			close(done)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cleanup()
				return
			case <-done:
				return
			case msg := <-in:
				select {
				case out <- msg:
				case <-ctx.Done():
					cleanup()
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, cleanup, nil
}
