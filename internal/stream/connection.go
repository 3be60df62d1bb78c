package stream

import (
	"context"
	"sync"

	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"go.uber.org/zap"
)

// Connection is the vendor push-subscription object shared by all streams.
type Connection interface {
	Attach(ctx context.Context, listener connector.EquityListener, externalID string) (string, error)
	Detach(ctx context.Context, listenerID string) error
	Close() error
}

// ConnectionFactory builds a fresh vendor connection object.
type ConnectionFactory func() (Connection, error)

// connHolder owns the shared connection and its generation. A rebuild is
// skipped when another task already replaced the generation it saw.
type connHolder struct {
	mu      sync.Mutex
	factory ConnectionFactory
	conn    Connection
	gen     uint64
	logger  *zap.Logger
}

func newConnHolder(factory ConnectionFactory, logger *zap.Logger) (*connHolder, error) {
	conn, err := factory()
	if err != nil {
		return nil, err
	}
	return &connHolder{factory: factory, conn: conn, gen: 1, logger: logger}, nil
}

func (h *connHolder) current() (Connection, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn, h.gen
}

func (h *connHolder) rebuild(seen uint64) error {
	h.mu.Lock()
	if h.gen != seen {
		h.mu.Unlock()
		return nil
	}
	conn, err := h.factory()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	old := h.conn
	h.conn = conn
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	infrastructure.ConnectionRebuilds.Inc()
	h.logger.Warn("recreated vendor stream connection", zap.Uint64("generation", gen))
	if err := old.Close(); err != nil {
		h.logger.Debug("closing previous stream connection", zap.Error(err))
	}
	return nil
}

func (h *connHolder) close() error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	return conn.Close()
}
