package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gosuda/airstream/internal/event"
)

// FormatHeader lets an upstream or the proxy announce the event format of
// a stream. A registered name overrides the configured default for that
// connection only.
const FormatHeader = event.FormatHeader

// ErrUnknownFormat is returned when a requested event format is not registered.
var ErrUnknownFormat = errors.New("agent: unknown event format") //nolint:gochecknoglobals // sentinel error

// StrategyFactory creates a normalizer strategy.
type StrategyFactory func() event.Strategy

// Registry manages event format strategies by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StrategyFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]StrategyFactory),
	}
}

// DefaultRegistry returns a registry with the canonical and legacy formats.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(event.CanonicalName, func() event.Strategy { return event.Canonical{} })
	r.Register(event.LegacyName, func() event.Strategy { return event.Legacy{} })
	return r
}

// Register adds a strategy factory for a format name.
func (r *Registry) Register(name string, factory StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the strategy registered under name.
func (r *Registry) Create(name string) (event.Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", name, ErrUnknownFormat)
	}
	return factory(), nil
}

// Resolve picks the strategy for one connection: a registered override
// wins, otherwise canonical selects the canonical format and anything else
// the legacy one.
func (r *Registry) Resolve(override string, canonical bool) event.Strategy {
	if override != "" {
		if s, err := r.Create(override); err == nil {
			return s
		}
	}
	if s, err := r.Create(event.FormatName(canonical)); err == nil {
		return s
	}
	if canonical {
		return event.Canonical{}
	}
	return event.Legacy{}
}

// Available returns registered format names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.factories {
			if !yield(name) {
				return
			}
		}
	})
	sort.Strings(names)

	return names
}
