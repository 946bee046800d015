package main

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/api/ws"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/server"
	"github.com/gosuda/airstream/internal/store/memory"
	"github.com/gosuda/airstream/internal/store/postgres"
	redisstore "github.com/gosuda/airstream/internal/store/redis"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

//nolint:gochecknoglobals // cobra command tree
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay, session API and websocket push server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// broker is the pub/sub both the pipeline and the websocket hub use.
type broker interface {
	agent.PubSubPublisher
	ws.Subscriber
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	checks := make(map[string]server.HealthCheck)

	var messages domain.MessageRepository
	if cfg.Database.DSN != "" {
		if cfg.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		messages = store.Messages()
		checks["postgres"] = store.Ping
		log.Info().Msg("durable message store enabled")
	}

	var pubsub broker
	if cfg.Redis.Addr != "" {
		rps, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rps.Close()
		pubsub = rps
		checks["redis"] = rps.Ping
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis pub/sub enabled")
	} else {
		pubsub = memory.NewPubSub()
	}

	client := streamingClient()
	registry := agent.DefaultRegistry()
	orchestrator := newOrchestrator(cfg, client, registry, messages, pubsub)

	srv := server.New(ctx, cfg, server.Deps{
		Orchestrator: orchestrator,
		Registry:     registry,
		Messages:     messages,
		PubSub:       pubsub,
		Upstream:     client,
		Checks:       checks,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("upstream", cfg.Upstream.URL).
			Bool("canonical_events", cfg.Features.CanonicalEvents).
			Msg("starting server")
		return srv.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server did not drain in time")
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("stopped")
		return nil
	})

	return g.Wait()
}
