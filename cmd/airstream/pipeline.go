package main

import (
	"net/http"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/config"
	"github.com/gosuda/airstream/internal/conn"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/store/memory"
)

// newOrchestrator builds the client pipeline from configuration. messages
// and pub may be nil.
func newOrchestrator(
	cfg *config.Config,
	client *http.Client,
	registry *agent.Registry,
	messages domain.MessageRepository,
	pub agent.PubSubPublisher,
) *agent.Orchestrator {
	b := cfg.Stream.Backoff
	return agent.NewOrchestrator(agent.Options{
		UpstreamURL: cfg.StreamEndpoint(),
		AppName:     cfg.Upstream.AppName,
		Conn: conn.Config{
			Client: client,
			Backoff: conn.Backoff{
				Initial:    b.Initial,
				Max:        b.Max,
				Multiplier: b.Multiplier,
				Jitter:     b.Jitter,
				MaxRetries: b.MaxRetries,
			},
			IdleTimeout:   cfg.Stream.IdleTimeout,
			TurnTimeout:   cfg.Stream.TurnTimeout,
			DrainTimeout:  cfg.Stream.DrainTimeout,
			MaxRecordSize: cfg.Stream.MaxRecordSize,
		},
		QueueSize:       cfg.Bus.QueueSize,
		CanonicalEvents: cfg.Features.CanonicalEvents,
		SessionIdle:     cfg.Stream.SessionIdle,
	}, registry, nil, memory.New(cfg.Store.Capacity), messages, pub)
}

// streamingClient has no overall timeout; streams are bounded by the
// pipeline's idle and turn timeouts.
func streamingClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default
	tr.MaxIdleConnsPerHost = 32
	return &http.Client{Transport: tr}
}
