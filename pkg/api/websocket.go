package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"metricdex/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the REST layer.
		return true
	},
}

// Hub fans event-stream messages out to websocket clients. Clients
// subscribe to channels like "trades:<market>", "orderbook:<market>" or
// "events" for the raw stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	log *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run owns the client set and relays bus events until ctx is done.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(1024)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws_connected", zap.String("client", client.id), zap.Int("total", n))
		case client := <-h.unregister:
			h.drop(client)
		case ev := <-ch:
			h.relay(ev)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("ws_disconnected", zap.String("client", client.id), zap.Int("total", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// relay maps one bus event onto its channels and broadcasts it.
func (h *Hub) relay(ev events.Event) {
	h.BroadcastToChannel("events", WSMessage{Type: string(ev.Type), Data: ev})
	if ev.MarketID == "" {
		return
	}
	switch ev.Type {
	case events.TypeTradeExecuted:
		h.BroadcastToChannel("trades:"+ev.MarketID, WSMessage{Type: "trade", Data: ev.Payload})
	case events.TypeOrderPlaced, events.TypeOrderCancelled, events.TypeOrderExpired:
		h.BroadcastToChannel("orders:"+ev.MarketID, WSMessage{Type: string(ev.Type), Data: ev.Payload})
	case events.TypeMarketSettled, events.TypePositionSettled, events.TypeSettlementRequested:
		h.BroadcastToChannel("settlement:"+ev.MarketID, WSMessage{Type: string(ev.Type), Data: ev.Payload})
	}
}

// BroadcastToChannel sends data to every client subscribed to channel. A
// client that cannot keep up is disconnected rather than blocking the hub.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Error("ws_marshal_failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Client is one websocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// IsSubscribed reports whether the client asked for the channel.
func (c *Client) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// readPump consumes subscribe/unsubscribe requests until the peer closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.mu.Lock()
		for _, ch := range req.Channels {
			if req.Op == "unsubscribe" {
				delete(c.subs, ch)
			} else {
				c.subs[ch] = true
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	client := &Client{
		id:   fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		subs: map[string]bool{"events": true},
	}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}
