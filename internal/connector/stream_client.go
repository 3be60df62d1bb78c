package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EquityListener receives push callbacks for one attached account.
// Callbacks for a listener are delivered in order from a goroutine of its
// own, so listeners never block each other.
type EquityListener interface {
	OnEquityOrBalanceUpdated(equity, balance decimal.Decimal)
	OnConnected()
	OnDisconnected()
	OnError(err error)
}

var ErrClientClosed = errors.New("stream client closed")

// frame is the JSON envelope exchanged with the streaming endpoint.
type frame struct {
	Type       string           `json:"type"`
	RequestID  string           `json:"requestId,omitempty"`
	AccountID  string           `json:"accountId,omitempty"`
	ListenerID string           `json:"listenerId,omitempty"`
	Equity     *decimal.Decimal `json:"equity,omitempty"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	Error      string           `json:"error,omitempty"`
}

const (
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameAck          = "ack"
	frameEquity       = "equity"
	frameConnected    = "connected"
	frameDisconnected = "disconnected"
	frameError        = "error"
)

type StreamClientConfig struct {
	URL          string
	Token        string
	ReadDeadline time.Duration
}

// StreamClient multiplexes per-account equity subscriptions over a single
// websocket. It is the connection object the supervisor recreates when the
// vendor side looks wedged.
type StreamClient struct {
	cfg    StreamClientConfig
	logger *zap.Logger
	dialer websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[string]*subscriber
	pending   map[string]chan frame
	closed    bool

	writeMu sync.Mutex
}

func NewStreamClient(cfg StreamClientConfig, logger *zap.Logger) *StreamClient {
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = 60 * time.Second
	}
	return &StreamClient{
		cfg:       cfg,
		logger:    logger,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		listeners: make(map[string]*subscriber),
		pending:   make(map[string]chan frame),
	}
}

func (c *StreamClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("auth-token", c.cfg.Token)
	}
	c.logger.Info("connecting to equity stream", zap.String("url", c.cfg.URL))
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial equity stream: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
		return nil
	})
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// Attach subscribes listener to the account and returns the listener id.
// It blocks until the endpoint acknowledges or ctx ends.
func (c *StreamClient) Attach(ctx context.Context, listener EquityListener, externalID string) (string, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return "", err
	}

	listenerID := uuid.NewString()
	requestID := uuid.NewString()
	ack := make(chan frame, 1)
	sub := newSubscriber(listenerID, listener, c.logger)

	c.mu.Lock()
	c.listeners[listenerID] = sub
	c.pending[requestID] = ack
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.listeners, listenerID)
		delete(c.pending, requestID)
		c.mu.Unlock()
		sub.stop()
	}

	err = c.write(conn, frame{Type: frameSubscribe, RequestID: requestID, AccountID: externalID, ListenerID: listenerID})
	if err != nil {
		cleanup()
		return "", err
	}

	select {
	case f, ok := <-ack:
		if !ok {
			cleanup()
			return "", errors.New("stream connection lost during attach")
		}
		if f.Error != "" {
			cleanup()
			return "", fmt.Errorf("attach %s: %s", externalID, f.Error)
		}
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return listenerID, nil
	case <-ctx.Done():
		cleanup()
		return "", ctx.Err()
	}
}

// Detach removes the listener and tells the endpoint to stop pushing for it.
func (c *StreamClient) Detach(ctx context.Context, listenerID string) error {
	c.mu.Lock()
	sub, ok := c.listeners[listenerID]
	delete(c.listeners, listenerID)
	conn := c.conn
	c.mu.Unlock()

	if ok {
		sub.stop()
	}
	if !ok || conn == nil {
		return nil
	}
	return c.write(conn, frame{Type: frameUnsubscribe, ListenerID: listenerID})
}

// Close tears down the socket and reports a disconnect to every listener
// still attached. The client cannot be reused.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := make([]*subscriber, 0, len(c.listeners))
	for _, sub := range c.listeners {
		subs = append(subs, sub)
	}
	c.listeners = make(map[string]*subscriber)
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	for _, sub := range subs {
		sub.finish()
	}
	return err
}

func (c *StreamClient) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *StreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Error("failed to unmarshal stream frame", zap.Error(err))
			continue
		}
		c.route(f)
	}
}

func (c *StreamClient) route(f frame) {
	c.mu.Lock()
	if f.Type == frameAck {
		// send under the lock so connectionLost cannot close ch concurrently
		if ch, ok := c.pending[f.RequestID]; ok {
			select {
			case ch <- f:
			default:
			}
		}
		c.mu.Unlock()
		return
	}
	sub, ok := c.listeners[f.ListenerID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch f.Type {
	case frameEquity:
		if f.Equity == nil || f.Balance == nil {
			c.logger.Warn("equity frame without values", zap.String("listener", f.ListenerID))
			return
		}
	case frameConnected, frameDisconnected, frameError:
	default:
		return
	}
	sub.push(f)
}

// connectionLost drops the socket and tells every attached listener.
func (c *StreamClient) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	subs := make([]*subscriber, 0, len(c.listeners))
	for id, sub := range c.listeners {
		subs = append(subs, sub)
		delete(c.listeners, id)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if !closed {
		c.logger.Warn("equity stream connection lost", zap.Error(err))
	}
	for _, sub := range subs {
		sub.finish()
	}
}
