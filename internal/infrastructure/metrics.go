package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equity_streams_active",
		Help: "Number of account equity streams being supervised",
	})

	TicksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equity_ticks_processed_total",
		Help: "Total number of equity/balance ticks handled",
	})

	TickHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equity_tick_handler_errors_total",
		Help: "Tick fan-out failures by handler",
	}, []string{"handler"})

	StreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equity_stream_failures_total",
		Help: "Stream supervisor failures by cause",
	}, []string{"cause"})

	ConnectionRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equity_stream_connection_rebuilds_total",
		Help: "Number of times the vendor connection object was recreated",
	})

	EquityFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equity_frames_dropped_total",
		Help: "Equity frames dropped because a listener's delivery queue was full",
	})

	StaleStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equity_streams_stale",
		Help: "Streams with no tick in the health check window",
	})

	BarsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equity_bars_flushed_total",
		Help: "Total number of 1m bars written",
	})

	DBWriteRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_write_total",
		Help: "Total number of statements executed per table",
	}, []string{"table"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_write_errors_total",
		Help: "Failed statements per table",
	}, []string{"table"})

	EvaluationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evaluation_decisions_total",
		Help: "Rule engine outcomes per cycle and account",
	}, []string{"decision"})

	EvaluationCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evaluation_cycle_seconds",
		Help:    "Duration of one rule engine cycle",
		Buckets: prometheus.DefBuckets,
	})

	BrokerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_requests_total",
		Help: "Brokerage REST calls by operation and result",
	}, []string{"op", "result"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_total",
		Help: "Total number of active dashboard WebSocket connections",
	})
)
