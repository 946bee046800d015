// Package event turns wire frames into canonical agent events and decides
// when an invocation has finished.
package event

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

const defaultSeenCapacity = 4096

// Stats is a snapshot of normalizer counters.
type Stats struct {
	Decoded    uint64 `json:"decoded"`
	Malformed  uint64 `json:"malformed"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
}

// Normalizer converts frames to AgentEvents with a strategy fixed per
// connection. It is driven by a single ingestion goroutine; Stats may be
// read concurrently.
type Normalizer struct {
	strategy Strategy
	now      func() time.Time

	seen     map[string]struct{}
	seenRing []string
	seenNext int

	decoded    atomic.Uint64
	malformed  atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
}

// NewNormalizer returns a Normalizer using s. A nil strategy selects Legacy.
func NewNormalizer(s Strategy) *Normalizer {
	if s == nil {
		s = Legacy{}
	}
	return &Normalizer{
		strategy: s,
		now:      time.Now,
		seen:     make(map[string]struct{}),
		seenRing: make([]string, defaultSeenCapacity),
	}
}

// SetStrategy swaps the decoding strategy. Call it only between connections.
func (n *Normalizer) SetStrategy(s Strategy) {
	if s != nil {
		n.strategy = s
	}
}

// Strategy returns the active strategy.
func (n *Normalizer) Strategy() Strategy { return n.strategy }

// Normalize decodes f. It reports false, and bumps a counter, when the
// frame is malformed, cannot be decoded, or repeats the ID of a final
// event already seen. Partial events may legitimately share the ID of the
// final event they build up to, so only final events are deduplicated.
func (n *Normalizer) Normalize(f sse.Frame) (domain.AgentEvent, bool) {
	if f.Kind == sse.KindMalformed {
		n.malformed.Add(1)
		log.Debug().Err(f.Err).Int("bytes", len(f.Data)).Msg("event.Normalizer: malformed frame skipped")
		return domain.AgentEvent{}, false
	}

	ev, err := n.strategy.Decode(f)
	if err != nil {
		n.failed.Add(1)
		log.Warn().Err(err).Str("strategy", n.strategy.Name()).Msg("event.Normalizer: undecodable frame skipped")
		return domain.AgentEvent{}, false
	}

	if ev.ID != "" && !ev.Partial {
		if _, dup := n.seen[ev.ID]; dup {
			n.duplicates.Add(1)
			log.Debug().Str("event_id", ev.ID).Msg("event.Normalizer: duplicate event skipped")
			return domain.AgentEvent{}, false
		}
		n.remember(ev.ID)
	}

	if ev.Author == "" {
		ev.Author = domain.UnknownAuthor
	}
	if ev.Parts == nil {
		ev.Parts = []domain.Part{}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now()
	}

	n.decoded.Add(1)
	return ev, true
}

// Stats returns the current counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Decoded:    n.decoded.Load(),
		Malformed:  n.malformed.Load(),
		Failed:     n.failed.Load(),
		Duplicates: n.duplicates.Load(),
	}
}

func (n *Normalizer) remember(id string) {
	if old := n.seenRing[n.seenNext]; old != "" {
		delete(n.seen, old)
	}
	n.seenRing[n.seenNext] = id
	n.seenNext = (n.seenNext + 1) % len(n.seenRing)
	n.seen[id] = struct{}{}
}
