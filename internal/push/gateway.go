package push

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is the JetStream subscribe call the gateway relies on.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
}

type request struct {
	Action string `json:"action"` // "subscribe", "unsubscribe"
	Topic  string `json:"topic"`
}

type reply struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// PushGateway relays per-account tick and bar subjects to dashboard
// websockets. One NATS subscription is shared by every client of a topic.
type PushGateway struct {
	logger        *zap.Logger
	js            Subscriber
	clients       map[*Client]bool
	subscriptions map[string]map[*Client]bool
	natsSubs      map[string]*nats.Subscription
	mu            sync.RWMutex
}

func NewPushGateway(js Subscriber, logger *zap.Logger) *PushGateway {
	return &PushGateway{
		logger:        logger,
		js:            js,
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		natsSubs:      make(map[string]*nats.Subscription),
	}
}

// validTopic accepts a single account's tick or bar subject.
func validTopic(topic string) bool {
	for _, prefix := range []string{infrastructure.SubjectTickPrefix, infrastructure.SubjectBarPrefix} {
		if id, ok := strings.CutPrefix(topic, prefix); ok {
			return id != "" && !strings.ContainsAny(id, ".*> ")
		}
	}
	return false
}

func (g *PushGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
	}

	g.mu.Lock()
	g.clients[client] = true
	g.mu.Unlock()
	infrastructure.WSConnections.Inc()

	go g.writePump(client)
	g.readPump(client)
}

func (g *PushGateway) readPump(c *Client) {
	defer func() {
		g.mu.Lock()
		delete(g.clients, c)
		for topic := range g.subscriptions {
			g.removeLocked(topic, c)
		}
		g.mu.Unlock()
		close(c.send)
		infrastructure.WSConnections.Dec()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		if !validTopic(req.Topic) {
			g.reply(c, reply{Type: "error", Topic: req.Topic, Error: "unknown topic"})
			continue
		}

		g.mu.Lock()
		switch req.Action {
		case "subscribe":
			if g.subscriptions[req.Topic] == nil {
				if err := g.subscribeToNATS(req.Topic); err != nil {
					g.mu.Unlock()
					g.logger.Error("failed to subscribe to NATS", zap.String("topic", req.Topic), zap.Error(err))
					g.reply(c, reply{Type: "error", Topic: req.Topic, Error: "subscribe failed"})
					continue
				}
				g.subscriptions[req.Topic] = make(map[*Client]bool)
			}
			g.subscriptions[req.Topic][c] = true
			g.logger.Debug("client subscribed to topic", zap.String("topic", req.Topic))
		case "unsubscribe":
			g.removeLocked(req.Topic, c)
		}
		g.mu.Unlock()
		g.reply(c, reply{Type: req.Action + "d", Topic: req.Topic})
	}
}

// removeLocked drops c from topic and releases the NATS subscription once
// nobody listens. g.mu must be held.
func (g *PushGateway) removeLocked(topic string, c *Client) {
	clients, ok := g.subscriptions[topic]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) > 0 {
		return
	}
	if sub, ok := g.natsSubs[topic]; ok {
		_ = sub.Unsubscribe()
		delete(g.natsSubs, topic)
		g.logger.Info("unsubscribed from NATS as no clients left", zap.String("topic", topic))
	}
	delete(g.subscriptions, topic)
}

func (g *PushGateway) reply(c *Client, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (g *PushGateway) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribeToNATS must be called with g.mu held.
func (g *PushGateway) subscribeToNATS(topic string) error {
	sub, err := g.js.Subscribe(topic, func(msg *nats.Msg) {
		g.broadcast(topic, msg.Data)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return err
	}

	g.natsSubs[topic] = sub
	g.logger.Info("subscribed to NATS topic", zap.String("topic", topic))
	return nil
}

func (g *PushGateway) broadcast(topic string, data []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.subscriptions[topic] {
		select {
		case c.send <- data:
		default:
			// slow client, drop
		}
	}
}
