package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/lightning-detector/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/lightning-detector/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/lightning-detector/internal/adapter/mqtt"
	"github.com/couchcryptid/lightning-detector/internal/adapter/sqlite"
	"github.com/couchcryptid/lightning-detector/internal/config"
	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
	"github.com/couchcryptid/lightning-detector/internal/pipeline"
	"github.com/couchcryptid/lightning-detector/internal/sensor"
)

// source is an event source that runs until its context is cancelled or it
// has nothing more to send.
type source interface {
	pipeline.EventSource
	Run(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := run(cfg, logger, metrics); err != nil {
		logger.Error("lightningd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cal, err := domain.NewCalibration(cfg.RingCount)
	if err != nil {
		return err
	}

	// Sensor input: the serial bridge can be reconfigured, a replay cannot.
	var (
		src        source
		controller pipeline.SensorController
		serialSrc  *sensor.SerialSource
	)
	if cfg.SensorSerialPort != "" {
		serialSrc = sensor.NewSerialSource(sensor.SerialConfig{
			Path:         cfg.SensorSerialPort,
			BaudRate:     cfg.SensorBaudRate,
			PollInterval: cfg.PollInterval,
		}, logger, metrics)
		src, controller = serialSrc, serialSrc
	} else {
		replay, err := sensor.OpenReplayFile(cfg.ReplayFile, cfg.ReplayScale, nil, logger)
		if err != nil {
			return err
		}
		logger.Info("replay mode", "file", cfg.ReplayFile, "detections", replay.Len(), "scale", cfg.ReplayScale)
		src = replay
	}

	// Reporting gateways, published to in this order.
	var (
		gateways []pipeline.Gateway
		mqttGW   *mqttadapter.Gateway
		writer   *kafkaadapter.Writer
		store    *sqlite.Store
		history  httpadapter.HistoryReader
	)
	if cfg.MQTTEnabled {
		mqttGW = mqttadapter.NewGateway(cfg, nil, logger)
		gateways = append(gateways, mqttGW)
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer = kafkaadapter.NewWriter(cfg, logger)
		gateways = append(gateways, writer)
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSnapshotTopic)
	}
	if cfg.HistoryDBPath != "" {
		store, err = sqlite.Open(ctx, cfg.HistoryDBPath, logger)
		if err != nil {
			return err
		}
		gateways = append(gateways, store)
		history = store
	}
	if len(gateways) == 0 {
		logger.Warn("no reporting gateways enabled; reports are only visible over http")
	}

	dispatcher := pipeline.NewDispatcher(gateways, cfg.PublishQueueSize, cfg.PublishTimeout, logger, metrics)
	tracker := pipeline.NewTracker(pipeline.TrackerConfig{
		Calibration:     cal,
		Units:           cfg.DistanceUnits,
		PeriodMinutes:   cfg.PeriodMinutes,
		EndStormMinutes: cfg.EndStormMinutes,
	})
	interrupts := pipeline.NewInterruptHandler(controller, logger, metrics)
	if serialSrc != nil {
		serialSrc.OnConnect(interrupts.SensorReset)
	}
	p := pipeline.New(src, interrupts, tracker, dispatcher, nil, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, p, history, logger)

	if mqttGW != nil {
		announce(ctx, cfg, mqttGW, logger)
	}

	// The dispatcher outlives the signal context so queued reports drain.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- dispatcher.Run(dispatchCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := src.Run(gctx); err != nil {
			return fmt.Errorf("sensor source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.Run(gctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})
	if mqttGW != nil {
		g.Go(func() error { return mqttGW.RunHeartbeat(gctx) })
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	dispatcher.Close()
	select {
	case <-dispatchDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("publish queue not drained before shutdown timeout")
		cancelDispatch()
		<-dispatchDone
	}

	closeGateways(cfg, mqttGW, writer, store, logger)
	logger.Info("shutdown complete")
	return runErr
}

// announce connects to the broker and publishes the settings and discovery
// messages. Failures are logged; the gateway reconnects on the next publish.
func announce(ctx context.Context, cfg *config.Config, gw *mqttadapter.Gateway, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		logger.Warn("mqtt broker unavailable at startup", "error", err)
		return
	}
	settings := domain.Settings{
		Timestamp:       time.Now(),
		PeriodMinutes:   cfg.PeriodMinutes,
		EndStormMinutes: cfg.EndStormMinutes,
		RingCount:       cfg.RingCount,
		Units:           cfg.DistanceUnits,
	}
	if err := gw.PublishSettings(ctx, settings); err != nil {
		logger.Warn("publish settings failed", "error", err)
	}
	if cfg.MQTTDiscovery {
		if err := gw.PublishDiscovery(ctx, cfg.DistanceUnits); err != nil {
			logger.Warn("publish discovery failed", "error", err)
		}
	}
}

func closeGateways(cfg *config.Config, mqttGW *mqttadapter.Gateway, writer *kafkaadapter.Writer, store *sqlite.Store, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if mqttGW != nil {
		if err := mqttGW.Close(ctx); err != nil {
			logger.Error("mqtt gateway close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("history store close error", "error", err)
		}
	}
}
