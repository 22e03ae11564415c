package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/logging"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// wsSendBufferSize is the per-client outbound message buffer. A client
// that cannot keep up is disconnected rather than blocking the fan-out.
const wsSendBufferSize = 256

// wsEvent is the JSON envelope pushed to clients.
type wsEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub manages websocket clients and broadcasts observer events to them.
// It implements manager.Observer; event callbacks never block on slow
// clients.
type Hub struct {
	manager.NopObserver

	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// NewHub creates the websocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
	}
	h.clients = make(map[*wsClient]struct{})
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", client.id)

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *wsClient) {
	pingInterval := time.Duration(h.cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	writeTimeout := time.Duration(h.cfg.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readPump drains inbound frames so pings and closes are processed.
func (h *Hub) readPump(client *wsClient) {
	defer h.drop(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// broadcast fans an event out to every client without blocking: a client
// with a full buffer is dropped.
func (h *Hub) broadcast(eventType string, payload any) {
	data, err := json.Marshal(wsEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	var overflow []*wsClient
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			overflow = append(overflow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range overflow {
		h.logger.Warn("websocket client too slow, dropping", "client", client.id)
		h.drop(client)
	}
}

// Observer callbacks.

// BoosterState implements manager.Observer.
func (h *Hub) BoosterState(state model.BoosterState) {
	h.broadcast("booster", map[string]string{"state": state.String()})
}

// LocoSpeed implements manager.Observer.
func (h *Hub) LocoSpeed(id model.LocoID, speed model.Speed) {
	h.broadcast("loco_speed", map[string]any{"id": int(id), "speed": int(speed)})
}

// LocoOrientation implements manager.Observer.
func (h *Hub) LocoOrientation(id model.LocoID, orientation model.Orientation) {
	h.broadcast("loco_orientation", map[string]any{"id": int(id), "orientation": orientation.String()})
}

// LocoFunction implements manager.Observer.
func (h *Hub) LocoFunction(id model.LocoID, nr model.FunctionNr, on bool) {
	h.broadcast("loco_function", map[string]any{"id": int(id), "nr": int(nr), "on": on})
}

// LocoState implements manager.Observer.
func (h *Hub) LocoState(id model.LocoID, state model.LocoState) {
	h.broadcast("loco_state", map[string]any{"id": int(id), "state": state.String()})
}

// AccessoryState implements manager.Observer.
func (h *Hub) AccessoryState(id model.AccessoryID, state model.AccessoryState) {
	h.broadcast("accessory_state", map[string]any{"id": int(id), "state": int(state)})
}

// SwitchState implements manager.Observer.
func (h *Hub) SwitchState(id model.SwitchID, state model.SwitchState) {
	h.broadcast("switch_state", map[string]any{"id": int(id), "state": state.String()})
}

// SignalState implements manager.Observer.
func (h *Hub) SignalState(id model.SignalID, state model.SignalState) {
	h.broadcast("signal_state", map[string]any{"id": int(id), "state": state.String()})
}

// FeedbackState implements manager.Observer.
func (h *Hub) FeedbackState(id model.FeedbackID, state model.FeedbackState) {
	h.broadcast("feedback_state", map[string]any{"id": int(id), "state": state.String()})
}

// TrackState implements manager.Observer.
func (h *Hub) TrackState(target model.ObjectIdentifier) {
	h.broadcast("track_state", map[string]any{"kind": target.Type.String(), "id": int(target.ID)})
}

// LocoReleased implements manager.Observer.
func (h *Hub) LocoReleased(id model.LocoID) {
	h.broadcast("loco_released", map[string]any{"id": int(id)})
}

// RouteReleased implements manager.Observer.
func (h *Hub) RouteReleased(id model.RouteID) {
	h.broadcast("route_released", map[string]any{"id": int(id)})
}

// RouteExecuted implements manager.Observer.
func (h *Hub) RouteExecuted(id model.RouteID) {
	h.broadcast("route_executed", map[string]any{"id": int(id)})
}

// EntitySaved implements manager.Observer.
func (h *Hub) EntitySaved(target model.ObjectIdentifier, name string) {
	h.broadcast("entity_saved", map[string]any{"kind": target.Type.String(), "id": int(target.ID), "name": name})
}

// EntityDeleted implements manager.Observer.
func (h *Hub) EntityDeleted(target model.ObjectIdentifier, name string) {
	h.broadcast("entity_deleted", map[string]any{"kind": target.Type.String(), "id": int(target.ID), "name": name})
}
