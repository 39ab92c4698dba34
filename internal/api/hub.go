package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/publisher"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Channel names one event stream of one pair, e.g. "trades:BTCUSDT".
func Channel(kind common.EventKind, symbol string) string {
	switch kind {
	case common.TradeEventKind:
		return "trades:" + symbol
	case common.OrderStatusEventKind:
		return "orders:" + symbol
	default:
		return "book:" + symbol
	}
}

// WSMessage is the JSON frame exchanged with websocket clients.
type WSMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
}

type broadcast struct {
	channel string
	payload []byte
}

type subscription struct {
	client  *Client
	channel string
	on      bool
}

// Hub fans events out to the websocket clients subscribed to their
// channel. All client bookkeeping happens on the hub goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	stats      chan chan int
	upgrader   websocket.Upgrader
	t          tomb.Tomb
}

type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool // hub goroutine only
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		stats:      make(chan chan int),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Start() {
	h.t.Go(h.run)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() error {
	h.t.Kill(nil)
	return h.t.Wait()
}

func (h *Hub) Name() string { return "websocket" }

// Deliver publishes each event on its channel.
func (h *Hub) Deliver(ctx context.Context, events []common.Event) error {
	for _, ev := range events {
		channel := Channel(ev.Kind(), ev.Pair())
		payload, err := json.Marshal(WSMessage{Type: "event", Channel: channel, Data: publisher.Wrap(ev)})
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- broadcast{channel: channel, payload: payload}:
		case <-h.t.Dying():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) run() error {
	for {
		select {
		case <-h.t.Dying():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			h.drop(c)

		case s := <-h.subscribe:
			if !h.clients[s.client] {
				continue
			}
			kind := "unsubscribed"
			if s.on {
				s.client.subscriptions[s.channel] = true
				kind = "subscribed"
			} else {
				delete(s.client.subscriptions, s.channel)
			}
			ack, _ := json.Marshal(WSMessage{Type: kind, Channel: s.channel})
			h.push(s.client, ack)

		case reply := <-h.stats:
			reply <- len(h.clients)

		case b := <-h.broadcast:
			for c := range h.clients {
				if c.subscriptions[b.channel] {
					h.push(c, b.payload)
				}
			}
		}
	}
}

// push drops clients that cannot keep up.
func (h *Hub) push(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow, dropping")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.t.Dying():
		return 0
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- client:
	case <-h.t.Dying():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.t.Dying():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Channel == "" {
			continue
		}

		var on bool
		switch msg.Type {
		case "subscribe":
			on = true
		case "unsubscribe":
		default:
			continue
		}
		select {
		case c.hub.subscribe <- subscription{client: c, channel: msg.Channel, on: on}:
		case <-c.hub.t.Dying():
			return
		}
	}
}

// writePump batches queued messages into one frame, newline separated.
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
