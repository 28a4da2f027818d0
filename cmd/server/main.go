package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"wildlife-backend/internal/api"
	"wildlife-backend/internal/audio"
	"wildlife-backend/internal/correlator"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/imagery"
	"wildlife-backend/internal/kafka"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/mqtt"
	"wildlife-backend/internal/objectstore"
	"wildlife-backend/internal/services"
	"wildlife-backend/internal/session"
	"wildlife-backend/internal/supervisor"
	"wildlife-backend/pkg/config"
	"wildlife-backend/pkg/logger"
	"wildlife-backend/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wildlife-backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.App.LogLevel,
		File:       cfg.App.LogFile,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackup,
		MaxAgeDays: cfg.App.LogMaxAgeDay,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting wildlife reassembly backend", zap.String("app", cfg.App.Name))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// === Record store ===
	inner, err := database.Open(ctx, database.Options{
		Driver:         cfg.Storage.Driver,
		DSN:            cfg.Storage.DSN,
		ClickHouseAddr: cfg.ClickHouse.Addr,
		ClickHouseDB:   cfg.ClickHouse.DB,
		ClickHouseUser: cfg.ClickHouse.User,
		ClickHousePass: cfg.ClickHouse.Pass,
	}, log)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	store := database.NewBreakerStore(inner, database.BreakerConfig{
		Name:             "record-store",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		OnStateChange: func(_, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.StoreBreakerState.Set(1)
			} else {
				metrics.StoreBreakerState.Set(0)
			}
		},
	}, log)
	defer store.Close()

	// === Session arenas ===
	audioArena, imageArena, closeArenas, err := openArenas(cfg.Sessions)
	if err != nil {
		return err
	}
	defer closeArenas()

	r := cfg.Reassembly
	audioTracker := audio.NewTracker(audioArena, audio.TrackerConfig{
		CompletionThreshold: r.PostshotThreshold,
		DefaultFormat:       audio.Format{SampleRate: r.DefaultSampleRate, BitsPerSample: r.DefaultBitsPerSample},
		Now:                 time.Now,
	}, log)
	imageTracker := imagery.NewTracker(imageArena, imagery.TrackerConfig{
		MaxChunks: r.MaxImageChunks,
		Now:       time.Now,
	}, log)

	// === Event egress ===
	mqttClient, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}, log)
	if err != nil {
		return err
	}
	defer mqttClient.Close()

	sinks := []services.EventSink{
		mqtt.NewPublisher(mqttClient.GetNativeClient(), mqtt.PublisherConfig{
			EventTopic: cfg.MQTT.EventTopic,
			QoS:        cfg.MQTT.QoS,
		}, log),
	}
	if cfg.Kafka.EventsEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.Compression),
			MaxAttempts:  3,
		})
		defer producer.Close()
		sinks = append(sinks, producer)
	}
	bus := services.NewEventBus(256, log, sinks...)

	// === Reassembly core ===
	params := services.Params{
		Store:      store,
		Audio:      audioTracker,
		Images:     imageTracker,
		Correlator: correlator.New(store, r.CorrelationTolerance, log),
		Events:     bus,
		Config: services.ReassemblyConfig{
			Topics: services.Topics{
				SensorRoot: cfg.MQTT.SensorRoot,
				CameraRoot: cfg.MQTT.CameraRoot,
				AnimalRoot: cfg.MQTT.AnimalRoot,
			},
			AudioIdleTimeout:   r.AudioIdleTimeout,
			ImageIdleTimeout:   r.ImageIdleTimeout,
			UnlinkedTimeout:    r.UnlinkedTimeout,
			PostshotGrace:      r.PostshotGrace,
			PersistMaxAttempts: r.PersistMaxAttempts,
			PersistBackoff:     r.PersistBackoff,
			PersistMaxBackoff:  r.PersistMaxBackoff,
		},
		Logger: log,
	}
	if cfg.Archive.Enabled {
		client, err := objectstore.New(objectstore.Config{
			Provider:  cfg.Archive.Provider,
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init media archive: %w", err)
		}
		defer client.Close()
		params.Archive = objectstore.NewArchive(client)
	}

	reassembly, err := services.NewReassemblyService(params)
	if err != nil {
		return err
	}
	dispatcher := services.NewDispatcher(reassembly, services.DispatcherConfig{
		Workers:        r.Workers,
		QueueSize:      r.QueueSize,
		EnqueueTimeout: r.EnqueueTimeout,
	}, log)
	sweeper := services.NewSweeper(reassembly, r.SweepInterval, log)

	// === Ingest ===
	subscriber := mqtt.NewSubscriber(mqttClient.GetNativeClient(), mqtt.SubscriberConfig{
		Topics: cfg.MQTT.IngestTopics(),
		QoS:    cfg.MQTT.QoS,
	}, dispatcher, log)
	if err := subscriber.SubscribeAll(); err != nil {
		return fmt.Errorf("subscribe to sensor topics: %w", err)
	}
	mqttClient.OnConnect(subscriber.Resubscribe)

	// === Ops HTTP ===
	handler := api.NewHTTPHandler(reassembly, dispatcher, map[string]api.HealthCheck{
		"store": func(context.Context) error {
			if store.State() == gobreaker.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		},
		"mqtt": func(context.Context) error {
			if !mqttClient.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		},
	}, log)

	// === Supervision ===
	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	tree.AddCore(dispatcher)
	tree.AddCore(sweeper)
	tree.AddEgress(bus)
	tree.AddEgress(api.NewServer(handler, api.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, log))
	if cfg.Kafka.Enabled {
		tree.AddIngest(kafka.NewSource(kafka.SourceConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.FragmentTopic,
			GroupID: cfg.Kafka.GroupID,
		}, dispatcher, log))
	}

	log.Info("reassembly backend running",
		zap.Strings("topics", cfg.MQTT.IngestTopics()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("sessions", cfg.Sessions.Store),
		zap.Bool("kafka_ingest", cfg.Kafka.Enabled),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	errCh := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping services")
		err = <-errCh
	case err = <-errCh:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("supervisor exited", zap.Error(err))
	}
	stop()

	// Drain finalization jobs before the store and arenas close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := reassembly.Close(shutdownCtx); err != nil {
		log.Warn("finalization jobs still running at shutdown", zap.Error(err))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn("services missed shutdown timeout", zap.Int("count", len(report)))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

// openArenas returns the session arenas for audio and image reassembly.
// The badger store keeps both in one database under distinct prefixes.
func openArenas(cfg config.SessionConfig) (session.Arena[audio.Session], session.Arena[imagery.Session], func(), error) {
	if !strings.EqualFold(cfg.Store, "badger") {
		return session.NewMemoryArena[audio.Session](), session.NewMemoryArena[imagery.Session](), func() {}, nil
	}

	db, err := session.OpenBadger(cfg.BadgerPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return session.NewBadgerArena[audio.Session](db, "audio/"),
		session.NewBadgerArena[imagery.Session](db, "image/"),
		func() { _ = db.Close() }, nil
}
