package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu         sync.Mutex
	existing   bool
	deployErr  string
	undeployed bool
	closed     []string
	failClose  string
}

func (b *fakeBroker) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /users/current/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("auth-token"))
		if b.existing {
			writeJSON(w, 200, []remoteAccount{{ID: "ext-old", Login: r.URL.Query().Get("login"), Type: "cloud-g2"}})
			return
		}
		writeJSON(w, 200, []remoteAccount{})
	})
	mux.HandleFunc("POST /users/current/accounts", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "mt5", body["platform"])
		writeJSON(w, 201, map[string]string{"id": "ext-new"})
	})
	mux.HandleFunc("POST /users/current/accounts/{id}/deploy", func(w http.ResponseWriter, r *http.Request) {
		if b.deployErr != "" {
			writeJSON(w, 400, APIError{Code: "ValidationError", Message: "bad", Details: b.deployErr})
			return
		}
		w.WriteHeader(204)
	})
	mux.HandleFunc("POST /users/current/accounts/{id}/undeploy", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.undeployed = true
		b.mu.Unlock()
		w.WriteHeader(204)
	})
	mux.HandleFunc("GET /users/current/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, remoteAccount{ID: r.PathValue("id"), State: "DEPLOYED", ConnectionStatus: "CONNECTED"})
	})
	mux.HandleFunc("GET /users/current/accounts/{id}/account-information", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{"balance": 10000, "equity": 10000, "leverage": 100, "broker": "IC Markets", "currency": "USD"})
	})
	mux.HandleFunc("GET /users/current/accounts/{id}/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []map[string]interface{}{
			{"id": "p1", "symbol": "EURUSD", "type": "POSITION_TYPE_BUY", "volume": 0.1, "profit": 12.5},
			{"id": "p2", "symbol": "XAUUSD", "type": "POSITION_TYPE_SELL", "volume": 0.2, "profit": -3},
		})
	})
	mux.HandleFunc("POST /users/current/accounts/{id}/trade", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["positionId"] == b.failClose {
			writeJSON(w, 500, APIError{Code: "InternalError", Message: "trade context busy"})
			return
		}
		b.mu.Lock()
		b.closed = append(b.closed, body["positionId"])
		b.mu.Unlock()
		writeJSON(w, 200, map[string]string{"stringCode": "TRADE_RETCODE_DONE"})
	})
	return mux
}

func newTestBroker(t *testing.T, fb *fakeBroker) *BrokerClient {
	srv := httptest.NewServer(fb.handler(t))
	t.Cleanup(srv.Close)
	return NewBrokerClient(BrokerConfig{
		BaseURL:        srv.URL,
		Token:          "secret",
		RatePerSecond:  1000,
		ConnectTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, zap.NewNop())
}

func TestBrokerClient_DeployNewAccount(t *testing.T) {
	fb := &fakeBroker{}
	c := newTestBroker(t, fb)

	res, err := c.Deploy(context.Background(), DeployRequest{Login: "5551234", Password: "ro", Server: "ICMarkets-Demo", Platform: "metatrader5"})
	require.NoError(t, err)

	assert.Equal(t, "ext-new", res.ExternalID)
	assert.True(t, res.Connected)
	assert.True(t, res.HasOpenPositions)
	assert.Len(t, res.Positions, 2)
	assert.Equal(t, "IC Markets", res.Info.Broker)
	assert.Equal(t, 100, res.Info.Leverage)
	assert.True(t, res.Positions[0].Profit.Equal(decimal.NewFromFloat(12.5)))
}

func TestBrokerClient_DeployFailureRollsBackOnlyNewAccounts(t *testing.T) {
	fb := &fakeBroker{deployErr: CodeAuth}
	c := newTestBroker(t, fb)

	_, err := c.Deploy(context.Background(), DeployRequest{Login: "5551234", Server: "ICMarkets-Demo", Platform: "mt5"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, fb.undeployed)

	fb2 := &fakeBroker{existing: true, deployErr: CodeServerNotFound}
	c2 := newTestBroker(t, fb2)
	_, err = c2.Deploy(context.Background(), DeployRequest{Login: "5551234", Server: "Nope-Live", Platform: "mt5"})
	var de *DeploymentError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Server file not found for 'Nope-Live'. Please check the server name.", de.Message)
	assert.False(t, fb2.undeployed)
}

func TestBrokerClient_DeployRejectsUnknownPlatform(t *testing.T) {
	c := newTestBroker(t, &fakeBroker{})
	_, err := c.Deploy(context.Background(), DeployRequest{Login: "1", Platform: "ctrader"})
	assert.ErrorIs(t, err, ErrInvalidPlatform)
}

func TestBrokerClient_CloseAllPositionsCollectsFailures(t *testing.T) {
	fb := &fakeBroker{failClose: "p2"}
	c := newTestBroker(t, fb)

	res, err := c.CloseAllPositions(context.Background(), "ext-1")
	assert.Error(t, err)
	assert.Equal(t, []string{"p1"}, res.Closed)
	assert.Contains(t, res.Failed, "p2")
	assert.Equal(t, []string{"p1"}, fb.closed)
}
