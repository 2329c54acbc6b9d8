package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/market"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the outer handler.
		return true
	},
}

// Hub tracks WebSocket clients and bridges each of their market
// subscriptions onto the core broadcaster. A client disconnecting is
// invisible to the core: its broadcaster subscriptions are simply closed.
type Hub struct {
	bcast *events.Broadcaster
	log   *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(bcast *events.Broadcaster, log *zap.Logger) *Hub {
	return &Hub{
		bcast:   bcast,
		log:     log,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client connected", zap.String("client", c.id), zap.Int("total", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.closeSubscriptions()
	h.log.Info("ws client disconnected", zap.String("client", c.id), zap.Int("total", n))
}

// Client is one WebSocket connection with its active market subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.Mutex
	subs   map[string]*events.Subscription // market key -> subscription
}

func (c *Client) subscribe(key market.Key, topics []events.Topic) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	k := key.String()
	if old, ok := c.subs[k]; ok {
		old.Close()
	}
	sub := c.hub.bcast.Subscribe(key, topics...)
	c.subs[k] = sub
	go c.forward(sub)
}

func (c *Client) unsubscribe(marketKey string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if sub, ok := c.subs[marketKey]; ok {
		sub.Close()
		delete(c.subs, marketKey)
	}
}

func (c *Client) closeSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for k, sub := range c.subs {
		sub.Close()
		delete(c.subs, k)
	}
}

// forward drains one broadcaster subscription into the client's send
// buffer. A full send buffer drops the message rather than blocking the
// subscription drain; the broadcaster's own policy handles a drain that
// stalls entirely.
func (c *Client) forward(sub *events.Subscription) {
	for ev := range sub.C() {
		msg, err := json.Marshal(ev)
		if err != nil {
			c.hub.log.Warn("ws marshal failed", zap.Error(err))
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", zap.Error(err))
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Warn("ws invalid message", zap.Error(err))
			continue
		}

		switch req.Op {
		case "subscribe":
			key, err := market.ParseKey(req.Market)
			if err != nil {
				c.hub.log.Warn("ws bad market key", zap.String("market", req.Market))
				continue
			}
			topics := make([]events.Topic, 0, len(req.Topics))
			for _, t := range req.Topics {
				topics = append(topics, events.Topic(t))
			}
			c.subscribe(key, topics)
		case "unsubscribe":
			c.unsubscribe(req.Market)
		default:
			c.hub.log.Warn("ws unknown op", zap.String("op", req.Op))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]*events.Subscription),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
