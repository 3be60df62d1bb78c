package push

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	calls    int
}

func (f *fakeSubscriber) Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.handlers[subj] = cb
	return &nats.Subscription{Subject: subj}, nil
}

func (f *fakeSubscriber) deliver(subj string, data []byte) bool {
	f.mu.Lock()
	cb, ok := f.handlers[subj]
	f.mu.Unlock()
	if ok {
		cb(&nats.Msg{Subject: subj, Data: data})
	}
	return ok
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]interface{}
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestValidTopic(t *testing.T) {
	assert.True(t, validTopic("equity.tick.abc-123"))
	assert.True(t, validTopic("equity.bar.abc-123"))
	assert.False(t, validTopic("equity.tick.*"))
	assert.False(t, validTopic("equity.tick."))
	assert.False(t, validTopic("account.event.1"))
	assert.False(t, validTopic("equity.bar.a.b"))
}

func TestPushGateway_RelaysSubscribedTopic(t *testing.T) {
	subs := &fakeSubscriber{handlers: map[string]nats.MsgHandler{}}
	gw := NewPushGateway(subs, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.WriteJSON(request{Action: "subscribe", Topic: "equity.bar.acc-1"}))
		ack := readJSON(t, conn)
		assert.Equal(t, "subscribed", ack["type"])
	}
	assert.Equal(t, 1, subs.calls, "one NATS subscription per topic")

	require.True(t, subs.deliver("equity.bar.acc-1", []byte(`{"close":"10050"}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readJSON(t, conn)
		assert.Equal(t, "10050", msg["close"])
	}
}

func TestPushGateway_RejectsUnknownTopic(t *testing.T) {
	subs := &fakeSubscriber{handlers: map[string]nats.MsgHandler{}}
	gw := NewPushGateway(subs, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(request{Action: "subscribe", Topic: "account.event.>"}))

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Zero(t, subs.calls)
}

func TestPushGateway_UnsubscribeReleasesTopic(t *testing.T) {
	subs := &fakeSubscriber{handlers: map[string]nats.MsgHandler{}}
	gw := NewPushGateway(subs, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(request{Action: "subscribe", Topic: "equity.tick.acc-2"}))
	readJSON(t, conn)
	require.NoError(t, conn.WriteJSON(request{Action: "unsubscribe", Topic: "equity.tick.acc-2"}))
	ack := readJSON(t, conn)
	assert.Equal(t, "unsubscribed", ack["type"])

	gw.mu.RLock()
	defer gw.mu.RUnlock()
	assert.Empty(t, gw.subscriptions)
	assert.Empty(t, gw.natsSubs)
}
