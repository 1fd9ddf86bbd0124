package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nexusd/internal/bus"
	"github.com/basket/nexusd/internal/otel"
	"github.com/basket/nexusd/internal/persistence"
)

// Wire message types pushed to dashboard clients. The names predate this
// service and are part of the dashboard protocol.
const (
	msgInitial  = "initial"
	msgCreated  = "mission_created"
	msgProgress = "mission_progress"
)

// envelope is the uniform shape of every WS message.
type envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

func newEnvelope(msgType string, data any) envelope {
	return envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// wsClient is one connected dashboard. The mutex serializes writes so the
// initial snapshot and broadcasts never interleave on the wire.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// hub fans bus events out to every connected client.
type hub struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *hub {
	return &hub{
		bus:     eventBus,
		logger:  logger,
		metrics: metrics,
		clients: map[*wsClient]struct{}{},
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Add(context.Background(), 1)
	}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present && h.metrics != nil {
		h.metrics.ConnectedClients.Add(context.Background(), -1)
	}
}

// start launches the bus forwarding loop and returns its stop function.
func (h *hub) start() func() {
	if h.bus == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := h.bus.Subscribe("")
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if env, ok := translate(ev); ok {
					h.broadcast(env)
				}
			}
		}
	}()

	return func() {
		cancel()
		h.bus.Unsubscribe(sub)
		<-done
	}
}

// translate maps bus events onto the dashboard wire protocol. Events with
// no wire representation are dropped.
func translate(ev bus.Event) (envelope, bool) {
	switch ev.Topic {
	case bus.TopicTaskCreated:
		payload, ok := ev.Payload.(bus.TaskCreatedEvent)
		if !ok {
			return envelope{}, false
		}
		return newEnvelope(msgCreated, map[string]any{
			"id":           payload.TaskID,
			"user_message": payload.UserMessage,
			"source":       payload.Source,
			"status":       payload.Status,
			"progress":     payload.Progress,
			"created_at":   payload.CreatedAt.Format(time.RFC3339),
		}), true
	case bus.TopicTaskProgress:
		payload, ok := ev.Payload.(bus.TaskProgressEvent)
		if !ok {
			return envelope{}, false
		}
		return newEnvelope(msgProgress, map[string]any{
			"task_id":            payload.TaskID,
			"status":             payload.NewStatus,
			"progress":           payload.Progress,
			"completed_subtasks": payload.CompletedSubtasks,
			"total_subtasks":     payload.TotalSubtasks,
		}), true
	}
	return envelope{}, false
}

// broadcast writes the envelope to every client, pruning clients whose
// writes fail. A slow client can miss deltas; the polling fallback covers
// the gap.
func (h *hub) broadcast(env envelope) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.write(ctx, env)
		cancel()
		if err != nil {
			h.logger.Debug("ws: pruning dead client", "error", err)
			h.remove(c)
			_ = c.conn.Close(websocket.StatusNormalClosure, "write failed")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}

	// The snapshot goes out before the client joins the hub, so a broadcast
	// can never precede it on the wire (the write mutex orders the rest).
	tasks, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{Limit: snapshotLimit})
	if err != nil {
		s.logger.Error("ws: snapshot failed", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	if err := c.write(r.Context(), newEnvelope(msgInitial, map[string]any{"tasks": tasks})); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}

	s.hub.add(c)
	s.logger.Info("ws: client connected", "clients", s.hub.clientCount())
	defer func() {
		s.hub.remove(c)
		s.logger.Info("ws: client disconnected", "clients", s.hub.clientCount())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The feed is push-only. Reading drains control frames and detects
	// disconnects; any client data is ignored.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
