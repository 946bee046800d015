package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/airstream/internal/agent"
	v1 "github.com/gosuda/airstream/internal/api/v1"
	"github.com/gosuda/airstream/internal/api/ws"
	"github.com/gosuda/airstream/internal/config"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
)

func registerRelayRoutes(r chi.Router, relay http.Handler) {
	r.Handle("/run_sse", relay)
}

func registerAPIRoutes(api huma.API, orchestrator *agent.Orchestrator, messages domain.MessageRepository, flags v1.Flags) {
	v1.RegisterSessionRoutes(api, orchestrator, orchestrator.Store(), messages)
	v1.RegisterFlagRoutes(api, flags)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{sessionID}", hub.ServeSession)
	r.Get("/status/{sessionID}", hub.ServeStatus)
}

func v1Flags(cfg *config.Config, registry *agent.Registry) v1.Flags {
	return v1.Flags{
		CanonicalEvents: cfg.Features.CanonicalEvents,
		EventFormat:     event.FormatName(cfg.Features.CanonicalEvents),
		Formats:         registry.Available(),
	}
}
