package storage

import (
	"context"
	"errors"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Querier is the single query/execute primitive every store goes through.
// *pgxpool.Pool satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store maps the relational tables onto typed records.
type Store struct {
	db     Querier
	logger *zap.Logger
}

func NewStore(db Querier, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) exec(ctx context.Context, table, sql string, args ...interface{}) error {
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		infrastructure.StorageErrors.WithLabelValues(table).Inc()
		return err
	}
	infrastructure.DBWriteRate.WithLabelValues(table).Inc()
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// fromPercent converts a stored percent number (10.00) into a fraction (0.10).
func fromPercent(v float64) float64 {
	return v / 100
}
