// Package ws pushes session updates to browsers over websockets.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
)

// Subscriber is the listening half of a pub/sub broker.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections backed by pub/sub.
type Hub struct {
	pubsub         Subscriber
	originPatterns []string
	pingInterval   time.Duration
}

// NewHub creates a new WebSocket hub. originPatterns is passed to the
// websocket handshake; empty means same-origin only.
func NewHub(pubsub Subscriber, originPatterns []string) *Hub {
	return &Hub{pubsub: pubsub, originPatterns: originPatterns, pingInterval: 30 * time.Second}
}

// ServeSession streams visible-message updates for one session.
// Subscribes to channel "session:<sessionID>".
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.SessionChannel)
}

// ServeStatus streams the status sidebar for one session: transfers, tool
// progress and turn lifecycle. Subscribes to channel "status:<sessionID>".
func (h *Hub) ServeStatus(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.StatusChannel)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channelFor func(string) string) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())
	channel := channelFor(sessionID)

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	log.Debug().Str("session_id", sessionID).Str("channel", channel).Msg("ws.Hub: client attached")

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket ping")
				return
			}
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
