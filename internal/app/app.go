package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VeilonTrading/veilon-trading/api"
	"github.com/VeilonTrading/veilon-trading/internal/config"
	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/engine"
	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/lifecycle"
	"github.com/VeilonTrading/veilon-trading/internal/processor"
	"github.com/VeilonTrading/veilon-trading/internal/push"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/VeilonTrading/veilon-trading/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App defines the application structure and its dependencies
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *pgxpool.Pool
	NC         *nats.Conn
	JS         nats.JetStreamContext
	Store      *eventStore
	HTTPServer *http.Server
}

// NewApp loads configuration and builds the logger
func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := infrastructure.NewLogger(infrastructure.LogOptions{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &App{
		Config: &cfg,
		Logger: logger,
	}, nil
}

// Init connects the database and NATS
func (a *App) Init(ctx context.Context) error {
	// 1. Database
	dbPool, err := pgxpool.Connect(ctx, a.Config.DB_DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = dbPool

	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. NATS, optional: without it there is no live fan-out
	if a.Config.NatsURL != "" {
		nc, js, err := infrastructure.InitNATS(a.Config.NatsURL, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.NC = nc
		a.JS = js
	} else {
		a.Logger.Warn("NATS_URL not set, live publishing disabled")
	}

	// 3. Storage
	a.Store = newEventStore(storage.NewStore(a.DB, a.Logger), a.publisher(), a.Logger)
	return nil
}

// publisher keeps a typed-nil JetStream context out of the interface.
func (a *App) publisher() infrastructure.Publisher {
	if a.JS == nil {
		return nil
	}
	return a.JS
}

// RunServe runs the stream service, the tick pipeline, the syncer and the
// HTTP surface until SIGINT or SIGTERM.
func (a *App) RunServe(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.Config
	js := a.publisher()

	sink := processor.NewTickSink(a.Store, js, a.Logger)
	bars := processor.NewOHLCAggregator(a.Store, js, a.Logger, cfg.OHLCFlushInterval)
	monitor := processor.NewEquityMonitor(a.Store, a.Logger)
	pipeline := processor.NewPipeline(a.Logger, sink, bars, monitor)

	streamCfg := connector.StreamClientConfig{
		URL:          cfg.BrokerStreamURL,
		Token:        cfg.BrokerToken,
		ReadDeadline: cfg.StreamStaleAfter,
	}
	factory := func() (stream.Connection, error) {
		return connector.NewStreamClient(streamCfg, a.Logger), nil
	}

	streams, err := stream.NewService(factory, pipeline, a.Logger, stream.Options{
		AttachTimeout:  cfg.StreamAttachTimeout,
		ConnectTimeout: cfg.StreamConnectTimeout,
		StaleAfter:     cfg.StreamStaleAfter,
		BackoffInitial: cfg.StreamBackoffInitial,
		BackoffMax:     cfg.StreamBackoffMax,
		MaxFailures:    cfg.StreamMaxFailures,
		OnStart: func(ctx context.Context, externalID string) {
			err := monitor.InitializeAccount(ctx, externalID)
			if err != nil && !errors.Is(err, processor.ErrNoActivePeriod) {
				a.Logger.Warn("failed to initialize equity monitor",
					zap.String("account", externalID), zap.Error(err))
			}
		},
		OnStop: monitor.Forget,
	})
	if err != nil {
		return fmt.Errorf("failed to start stream service: %w", err)
	}

	syncer := stream.NewSyncer(a.Store, streams, a.Logger, cfg.StreamSyncInterval, cfg.StreamHealthInterval)

	broker := connector.NewBrokerClient(connector.BrokerConfig{
		BaseURL:       cfg.BrokerAPIURL,
		Token:         cfg.BrokerToken,
		RatePerSecond: cfg.BrokerRateLimit,
	}, a.Logger)
	manager := lifecycle.NewManager(a.Store, streams, broker, a.Logger, lifecycle.Options{})

	var gateway *push.PushGateway
	if a.JS != nil {
		gateway = push.NewPushGateway(a.JS, a.Logger)
	}

	bars.Start(runCtx)
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		syncer.Run(runCtx)
	}()

	handler := api.NewHandler(streams, manager, a.Store, monitor, a.Logger)
	a.startHTTP(a.setupRouter(handler, gateway))

	a.waitForSignal(ctx)
	a.Logger.Info("shutting down...")

	shutdownErr := a.shutdownHTTP()
	cancel()
	<-syncDone
	<-bars.Done()
	if err := streams.Close(); err != nil {
		a.Logger.Warn("stream service close", zap.Error(err))
	}
	a.close()
	return shutdownErr
}

// RunEvaluate runs the evaluation engine on its own. When controlURL is set,
// breached accounts have their streams stopped through the serve process.
func (a *App) RunEvaluate(ctx context.Context, controlURL string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stopper engine.StreamStopper
	if controlURL != "" {
		stopper = api.NewControlClient(controlURL, 10*time.Second)
	}

	evaluator := engine.NewEvaluator(a.Store, stopper, a.Logger, a.Config.EvalInterval, a.Config.EvalWorkers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		evaluator.Run(runCtx)
	}()

	a.waitForSignal(ctx)
	a.Logger.Info("shutting down evaluator...")
	cancel()
	<-done
	a.close()
	return nil
}

func (a *App) startHTTP(handler http.Handler) {
	a.HTTPServer = &http.Server{
		Addr:    ":" + a.Config.Port,
		Handler: handler,
	}

	go func() {
		a.Logger.Info("starting http server", zap.String("port", a.Config.Port))
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()
}

// waitForSignal blocks until SIGINT, SIGTERM or ctx cancellation
func (a *App) waitForSignal(ctx context.Context) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
	case <-ctx.Done():
	}
}

func (a *App) shutdownHTTP() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (a *App) close() {
	if a.NC != nil {
		a.NC.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	_ = a.Logger.Sync()
}

// initDatabase runs the database initialization script
func (a *App) initDatabase(ctx context.Context) error {
	sqlFile := "scripts/init.sql"
	content, err := os.ReadFile(sqlFile)
	if err != nil {
		return fmt.Errorf("failed to read init script: %w", err)
	}

	_, err = a.DB.Exec(ctx, string(content))
	if err != nil {
		return fmt.Errorf("failed to execute init script: %w", err)
	}

	a.Logger.Info("database initialized successfully")
	return nil
}

// setupRouter configures the Gin router and its routes
func (a *App) setupRouter(handler *api.Handler, gateway *push.PushGateway) *gin.Engine {
	r := gin.Default()

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	handler.RegisterRoutes(r)

	if gateway != nil {
		r.GET("/ws", func(c *gin.Context) {
			gateway.ServeHTTP(c.Writer, c.Request)
		})
	}

	return r
}
