package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/okian/ocufatigue/internal/adapters/http/api"
	"github.com/okian/ocufatigue/internal/adapters/http/swagger"
	"github.com/okian/ocufatigue/internal/adapters/http/ws"
	"github.com/okian/ocufatigue/internal/adapters/mq/kafkabus"
	"github.com/okian/ocufatigue/internal/adapters/mq/mqttbus"
	"github.com/okian/ocufatigue/internal/adapters/publish"
	"github.com/okian/ocufatigue/internal/adapters/repository"
	app "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/config"
	"github.com/okian/ocufatigue/pkg/breaker"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Use fmt for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server exited", logger.Error(err))
		os.Exit(1)
	}
}

// run wires every component from cfg and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	scoringBreaker := breaker.New("scoring",
		breaker.WithMaxFailures(cfg.BreakerMaxFailures),
		breaker.WithResetTimeout(cfg.BreakerReset()),
	)
	scorer, err := cfg.Scorer(scoringBreaker)
	if err != nil {
		return err
	}
	log.Info(ctx, "score model loaded", logger.String("model", scorer.ModelName()))

	store, err := repository.Open(ctx,
		repository.WithDriver(cfg.StoreDriver),
		repository.WithSQLitePath(cfg.SQLitePath),
	)
	if err != nil {
		return err
	}

	hub := ws.New()
	defer hub.Close()
	sink, producer, err := newPublisher(cfg, hub)
	if err != nil {
		_ = store.Close()
		return err
	}
	if producer != nil {
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warn(ctx, "kafka producer close failed", logger.Error(err))
			}
		}()
	}

	svc := app.New(
		app.WithLogger(log.Named("service")),
		app.WithStore(store),
		app.WithScorer(scorer),
		app.WithPublisher(sink),
		app.WithSessionConfig(cfg.Session()),
		app.WithValidator(cfg.Validator()),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithMailboxSize(cfg.MailboxSize),
		app.WithMaxSessions(cfg.MaxSessions),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithTombstoneTTL(cfg.TombstoneTTL()),
		app.WithAutoStart(cfg.AutoStartSessions),
		app.WithPixelsPerMM(cfg.PixelsPerMM),
	)
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return err
	}
	// Stop closes the store once the queue is drained.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			log.Error(ctx, "service stop failed", logger.Error(err))
		}
	}()

	if err := startIngest(ctx, cfg, svc, log); err != nil {
		return err
	}

	if cfg.Path != "" {
		go func() {
			if err := config.Watch(ctx, cfg.Path, config.ApplyLogLevel); err != nil {
				log.Warn(ctx, "config watch stopped", logger.Error(err))
			}
		}()
	}

	// Start system metrics updater
	go startSystemMetricsUpdater(ctx)

	// Start service metrics updater
	go startServiceMetricsUpdater(ctx, svc)

	apiServer := api.NewServer(svc, api.WithStreamer(hub))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(newRouter(ctx, apiServer)),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newRouter registers the API and the OpenAPI document.
func newRouter(ctx context.Context, apiServer *api.Server) *mux.Router {
	r := mux.NewRouter()
	apiServer.Register(ctx, r)
	swagger.Register(ctx, r)
	return r
}

// newPublisher fans scores out to WebSocket subscribers and, when brokers
// are configured, to the Kafka score topic.
func newPublisher(cfg *config.Config, hub *ws.Hub) (*publish.Fanout, *kafkabus.Producer, error) {
	fan := publish.NewFanout().Add("ws", hub)
	if len(cfg.KafkaBrokers) == 0 || cfg.ScoreTopic == "" {
		return fan, nil, nil
	}
	producer, err := kafkabus.NewProducer(kafkabus.ProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.ScoreTopic,
	}, breaker.New("kafka-producer",
		breaker.WithMaxFailures(cfg.BreakerMaxFailures),
		breaker.WithResetTimeout(cfg.BreakerReset()),
	))
	if err != nil {
		return nil, nil, err
	}
	return fan.Add("kafka", producer), producer, nil
}

// startIngest starts the broker consumers that are configured.
func startIngest(ctx context.Context, cfg *config.Config, svc *app.Service, log logger.Logger) error {
	if len(cfg.KafkaBrokers) > 0 && cfg.IngestTopic != "" {
		consumer, err := kafkabus.NewConsumer(kafkabus.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   cfg.IngestTopic,
		}, svc)
		if err != nil {
			return err
		}
		go consumer.Run(ctx)
	}

	if cfg.MQTTBroker != "" {
		sub, err := mqttbus.NewSubscriber(mqttbus.Config{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			QoS:      1,
		}, svc)
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			sub.Stop()
		}()
	}

	if len(cfg.KafkaBrokers) == 0 && cfg.MQTTBroker == "" {
		log.Info(ctx, "broker ingestion disabled; accepting events over HTTP only")
	}
	return nil
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics copies queue and worker stats into gauges.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()

	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if tombs, ok := stats["tombstones"].(int); ok {
		metrics.UpdateTombstones(tombs)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
}
