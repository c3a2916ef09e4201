package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/auth"
	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/internal/event"
	"github.com/HerbHall/medwatch/pkg/plugin"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// Path is the feed endpoint.
const Path = "/api/v1/ws/anomalies"

// Handler streams anomaly and batch events to WebSocket clients.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	unsubs []func()
	logger *zap.Logger
}

var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a feed handler subscribed to bus. When tokens is
// non-nil clients must pass a valid token in the "token" query parameter.
func NewHandler(tokens *auth.TokenService, bus plugin.Subscriber, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		logger: logger,
	}
	if bus != nil {
		h.subscribe(bus)
	}
	return h
}

// RegisterRoutes registers the feed route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Path, h.handleFeed)
}

// Hub returns the underlying hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Close unsubscribes from the bus.
func (h *Handler) Close() {
	for _, u := range h.unsubs {
		u()
	}
	h.unsubs = nil
}

// handleFeed upgrades the connection and streams events until the client
// disconnects. ?severity=high limits anomalies to high and above.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	clientID := r.RemoteAddr
	if h.tokens != nil {
		// Browsers cannot set headers on the WebSocket handshake.
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token parameter", http.StatusUnauthorized)
			return
		}
		claims, err := h.tokens.Validate(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		clientID = claims.Subject
	}

	minSeverity := r.URL.Query().Get("severity")
	if minSeverity != "" && !supply.ValidSeverity(minSeverity) {
		http.Error(w, "invalid severity filter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.tokens != nil,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := newClient(conn, clientID, minSeverity, h.logger)
	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (h *Handler) subscribe(bus plugin.Subscriber) {
	h.unsubs = append(h.unsubs,
		bus.Subscribe(event.TopicAnomalyDetected, func(_ context.Context, ev plugin.Event) {
			a, ok := ev.Payload.(*supply.Anomaly)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageAnomalyDetected, Timestamp: ev.Timestamp, Data: AnomalyData{Anomaly: a}})
		}),
		bus.Subscribe(event.TopicBatchProcessed, func(_ context.Context, ev plugin.Event) {
			r, ok := ev.Payload.(engine.BatchResult)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageBatchProcessed, Timestamp: ev.Timestamp, Data: BatchData{Batch: r}})
		}),
		bus.Subscribe(event.TopicError, func(_ context.Context, ev plugin.Event) {
			p, ok := ev.Payload.(event.ErrorPayload)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageEngineError, Timestamp: ev.Timestamp, Data: ErrorData{Error: p.Message}})
		}),
	)
	h.logger.Info("subscribed to engine events for websocket feed")
}
