package main

import (
	"FlashLever/internal/config"
	"FlashLever/internal/devnet"
	"FlashLever/internal/engine"
	"FlashLever/internal/ingestion"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"
	"FlashLever/internal/projection"
	"FlashLever/internal/query"
	"FlashLever/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// warmIDs bounds how many recent request ids are loaded into the dedup LRU.
const warmIDs = 10_000

func main() {
	logger := observability.NewLogger("main")

	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("load .env")
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("flashlever exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("bootstrap", cfg.BootstrapFile).Msg("FlashLever starting")

	boot, err := config.LoadBootstrap(cfg.BootstrapFile)
	if err != nil {
		return err
	}

	// --- Contexts ---
	// ingestCtx stops command intake and the servers; workersCtx stays alive
	// until the event pipeline has drained.
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	defer cancelIngest()
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	sink := engine.NewChannelSink(cfg.EventChanSize)
	world, err := devnet.Build(boot, devnet.Options{Sink: sink, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	logger.Info().
		Str("engine", world.Engine.Address().Hex()).
		Int("markets", len(world.Markets)).
		Msg("engine ready")

	errChan := make(chan error, 10)
	var (
		persistCh  chan engine.Event
		publishCh  chan engine.Event
		history    query.SettlementHistory
		durable    ingestion.DurableChecker
		recorder   ingestion.Recorder
		commandLog *persistence.CommandLog
	)
	persistDone := make(chan struct{})

	// --- Postgres ---
	if cfg.DisablePostgres {
		logger.Warn().Msg("postgres disabled: no persistence, durable dedup or settlement history")
		close(persistDone)
	} else {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ingestCtx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info().Msg("Postgres connected")

		applied, err := persistence.NewMigrator(db, persistence.MigrationsFrom(cfg.MigrationsDir)).Up(ingestCtx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")

		healthChecker.AddCheck("postgres", db.PingContext)

		writer := persistence.NewPGWriter(db)
		history = writer
		commandLog = persistence.NewCommandLog(db)
		durable = commandLog
		recorder = commandLog

		persistCh = make(chan engine.Event, cfg.PersistChanSize)
		persistWorker := persistence.NewWorker(writer, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		go func() {
			defer close(persistDone)
			if err := persistWorker.Run(workersCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
	}

	// --- Dedup ---
	dedup := ingestion.NewDeduper(cfg.DedupLRUCapacity, durable, metrics)
	if commandLog != nil {
		ids, err := commandLog.RecentIDs(ingestCtx, min(warmIDs, cfg.DedupLRUCapacity))
		if err != nil {
			logger.Warn().Err(err).Msg("warm dedup LRU")
		} else {
			dedup.Warm(ids)
			logger.Info().Int("ids", len(ids)).Msg("dedup LRU warmed")
		}
	}

	// --- Projection ---
	projectionCh := make(chan engine.Event, cfg.ProjectionChanSize)
	stats := projection.NewWorker(projectionCh)
	go func() {
		if err := stats.Run(workersCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// --- Replay ---
	// Positions live in the in-memory world, so applied commands are
	// re-executed before intake starts.
	dispatcher := ingestion.NewDispatcher(world.Engine, dedup, recorder, metrics)
	if commandLog != nil {
		stats, err := replay(ingestCtx, commandLog, dispatcher, sink, projectionCh)
		if err != nil {
			return fmt.Errorf("replay command log: %w", err)
		}
		seq, _ := world.Engine.ChainTip()
		logger.Info().
			Int("applied", stats.Applied).
			Int("diverged", stats.Diverged).
			Uint64("event_sequence", seq).
			Msg("world restored from command log")
	}

	// --- NATS ---
	var (
		subscriber     *ingestion.NATSSubscriber
		dispatcherDone = make(chan struct{})
	)
	if cfg.DisableNATS {
		logger.Warn().Msg("NATS disabled: no command intake or outbound events")
		close(dispatcherDone)
	} else {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		healthChecker.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ingestCtx, js); err != nil {
			return fmt.Errorf("ensure command stream: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ingestCtx, js); err != nil {
			return fmt.Errorf("ensure event stream: %w", err)
		}

		rawChan := make(chan ingestion.RawCommand, 256)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}

		go func() {
			defer close(dispatcherDone)
			if err := dispatcher.Run(ingestCtx, rawChan); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("dispatcher: %w", err)
			}
		}()

		publishCh = make(chan engine.Event, cfg.PublishChanSize)
		publisher := ingestion.NewOutboundPublisher(js, publishCh, metrics)
		go func() {
			if err := publisher.Run(workersCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()
	}

	// --- Event fan-out ---
	fanOutDone := make(chan struct{})
	go func() {
		defer close(fanOutDone)
		fanOut(sink, persistCh, publishCh, projectionCh, metrics)
	}()

	// --- gRPC + HTTP gateway ---
	queryService := query.NewQueryService(world.Engine, world.Tokens, history, stats, metrics)
	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		HealthChecker: healthChecker,
		StartTime:     time.Now(),
	})
	if err != nil {
		return err
	}
	go func() {
		errChan <- grpcServer.StartGRPC(ingestCtx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ingestCtx)
	}()

	// --- Prometheus metrics server ---
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ingestCtx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("FlashLever ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the dispatcher finish its current command, then close
	// the sink so the fan-out drains into the workers.
	healthChecker.SetReady(false)
	cancelIngest()
	if subscriber != nil {
		subscriber.Stop()
	}
	<-dispatcherDone
	sink.Close()
	<-fanOutDone

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("persistence drain timed out")
	}
	cancelWorkers()

	logger.Info().Uint64("projected", stats.Processed()).Msg("FlashLever shutdown complete")
	return nil
}

// commandSource yields the applied commands to replay.
type commandSource interface {
	Replayable(ctx context.Context) ([]ingestion.RawCommand, error)
}

// replay re-executes the applied commands from src. Events it produces reach
// only the projection: their settlements are already persisted and their
// messages already published.
func replay(ctx context.Context, src commandSource, d *ingestion.Dispatcher, sink *engine.ChannelSink, project chan<- engine.Event) (ingestion.ReplayStats, error) {
	cmds, err := src.Replayable(ctx)
	if err != nil {
		return ingestion.ReplayStats{}, err
	}
	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		projectOnly(sink, project, stop)
	}()
	stats, err := d.Replay(ctx, cmds)
	close(stop)
	<-drained
	return stats, err
}

// projectOnly forwards sink events to project until stop is closed, then
// drains what is left. The engine publishes before an operation returns,
// so nothing is in flight once stop is closed.
func projectOnly(sink *engine.ChannelSink, project chan<- engine.Event, stop <-chan struct{}) {
	for {
		select {
		case ev := <-sink.Events():
			project <- ev
		case <-stop:
			for sink.Len() > 0 {
				project <- <-sink.Events()
			}
			return
		}
	}
}

// fanOut copies every committed event to the downstream channels. The
// persistence channel blocks, so a slow database backpressures the engine;
// the publish and projection channels drop when full. Nil channels are
// skipped. Downstream channels are closed once the sink is closed.
func fanOut(sink *engine.ChannelSink, persist, publish, project chan engine.Event, metrics *observability.Metrics) {
	defer func() {
		for _, ch := range []chan engine.Event{persist, publish, project} {
			if ch != nil {
				close(ch)
			}
		}
	}()

	for ev := range sink.Events() {
		metrics.SetChannelMetrics("events", sink.Len(), sink.Cap())
		if persist != nil {
			persist <- ev
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
		}
		if publish != nil {
			select {
			case publish <- ev:
			default:
				metrics.PublishDrops.Inc()
			}
		}
		select {
		case project <- ev:
		default:
		}
	}
}
