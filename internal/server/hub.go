package server

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/wattshift/powerengine/internal/engine"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
)

// Event names of the wire contract.
const (
	EventMarketUpdate       = "market_update"
	EventSitesUpdate        = "sites_update"
	EventOptimizationUpdate = "optimization_update"
	EventPong               = "pong"
)

const clientSendBuffer = 16

// frame wraps every outbound WebSocket message.
type frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Client is one connected observer.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
}

// Hub fans cycle payloads out to connected WebSocket observers and reports
// the observer count back to the engine.
type Hub struct {
	engine *engine.Engine
	logger hclog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// NewHub creates a hub bound to the engine it greets new observers from.
func NewHub(eng *engine.Engine, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		engine:  eng,
		logger:  logger,
		clients: make(map[uuid.UUID]*Client),
	}
}

// Observers returns the connected client count.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishMarket broadcasts the market snapshot.
func (h *Hub) PublishMarket(m market.Snapshot) {
	h.broadcast(EventMarketUpdate, m)
}

// PublishSites broadcasts the per-site states.
func (h *Hub) PublishSites(sites map[string]*model.SiteState) {
	h.broadcast(EventSitesUpdate, sites)
}

// PublishOptimization broadcasts the optimization aggregate.
func (h *Hub) PublishOptimization(u model.OptimizationUpdate) {
	h.broadcast(EventOptimizationUpdate, u)
}

func (h *Hub) broadcast(event string, payload interface{}) {
	data, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		case <-client.done:
		default:
			// Slow consumer; drop the frame rather than stall the cycle.
		}
	}
}

// Register adds a connection and immediately sends the three current
// payloads so the observer never starts from empty state.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	client := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("observer connected", "id", client.ID, "total", total)

	snap := h.engine.Snapshot(0)
	client.enqueue(frame{Event: EventMarketUpdate, Data: snap.Market})
	client.enqueue(frame{Event: EventSitesUpdate, Data: snap.Sites})
	client.enqueue(frame{Event: EventOptimizationUpdate, Data: h.engine.CurrentUpdate()})

	go h.writePump(client)
	go h.readPump(client)

	return client
}

func (c *Client) enqueue(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.done)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	h.logger.Info("observer disconnected", "id", client.ID, "remaining", total)
}

func (h *Hub) readPump(client *Client) {
	defer h.unregister(client)

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err == nil && msg.Type == "ping" {
			client.enqueue(frame{Event: EventPong})
		}
	}
}

func (h *Hub) writePump(client *Client) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// CloseAll disconnects every observer, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
