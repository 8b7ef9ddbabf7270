// Package system assembles and supervises the whole process: gateway,
// archive, reader supervisor, live stream and the REST API.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/api/rest"
	"github.com/Schwaneberg/metercore/internal/api/websocket"
	"github.com/Schwaneberg/metercore/internal/config"
	"github.com/Schwaneberg/metercore/internal/core"
	"github.com/Schwaneberg/metercore/internal/gateway"
	"github.com/Schwaneberg/metercore/internal/storage"
	"github.com/Schwaneberg/metercore/internal/types"
)

const pruneInterval = time.Hour

type LifecycleManager struct {
	config     *config.Config
	gateway    gateway.Gateway
	archive    *storage.Archive
	supervisor *core.Supervisor
	wsHub      *websocket.Hub
	restServer *rest.Server
	logger     *zap.Logger

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	var archive *storage.Archive
	if cfg.Archive.Path != "" {
		archive, err = storage.OpenArchive(cfg.Archive.Path, logger)
		if err != nil {
			return nil, err
		}
	}

	wsHub := websocket.NewHub(logger)
	supervisor := core.NewSupervisor(cfg, gw, logger)

	lm := &LifecycleManager{
		config:       cfg,
		gateway:      gw,
		archive:      archive,
		supervisor:   supervisor,
		wsHub:        wsHub,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	supervisor.SetSampleSink(lm.fanOutSample)
	lm.restServer = rest.NewServer(cfg, supervisor, archive, wsHub, logger)
	return lm, nil
}

func buildGateway(cfg *config.Config, logger *zap.Logger) (gateway.Gateway, error) {
	switch cfg.Middleware.Type {
	case "volkszaehler":
		return gateway.NewVolkszaehlerGateway(cfg.Middleware.MiddlewareURL, cfg.Middleware.Interpolate, logger), nil
	case "mqtt":
		return gateway.NewMQTTGateway(gateway.MQTTOpts{
			BrokerURL:   cfg.Middleware.MiddlewareURL,
			Username:    cfg.Middleware.MQTT.Username,
			Password:    cfg.Middleware.MQTT.Password,
			CertFile:    cfg.Middleware.MQTT.CertFile,
			KeyFile:     cfg.Middleware.MQTT.KeyFile,
			ClientID:    cfg.Middleware.MQTT.ClientID,
			TopicPrefix: cfg.Middleware.MQTT.TopicPrefix,
			QoS:         byte(cfg.Middleware.MQTT.QoS),
			Retain:      cfg.Middleware.MQTT.Retain,
			Discovery:   cfg.Middleware.MQTT.Discovery,
		}, logger)
	case "debug":
		return gateway.NewDebugGateway(logger), nil
	default:
		return nil, types.ConfigErrorf("middleware type %q is not supported", cfg.Middleware.Type)
	}
}

// fanOutSample feeds every polled sample to the archive and the live stream.
// Failures here never interrupt the poll cycle.
func (lm *LifecycleManager) fanOutSample(meterName string, sample *types.Sample) {
	if lm.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lm.archive.StoreSample(ctx, sample); err != nil {
			lm.logger.Error("Failed to archive sample",
				zap.String("meter_name", meterName),
				zap.Error(err))
		}
	}
	lm.wsHub.Broadcast(websocket.NewSampleMessage(meterName, sample))
}

// Start assembles the readers and brings all services up.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting metercore")

	go lm.wsHub.Run()

	if err := lm.supervisor.Setup(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to assemble readers: %w", err)
	}
	lm.supervisor.Start()

	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.archive != nil {
		go lm.pruneLoop()
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("registered_nodes", lm.supervisor.NodeCount()))
	return nil
}

func (lm *LifecycleManager) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.shutdownChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := lm.archive.Prune(ctx, lm.config.Archive.Retention); err != nil {
				lm.logger.Error("Archive pruning failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)
		close(lm.shutdownChan)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// Poll tasks finish their in-flight cycle.
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.supervisor.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	case err := <-errChan:
		return err
	}

	if mqttGateway, ok := lm.gateway.(*gateway.MQTTGateway); ok {
		mqttGateway.Close()
	}
	if lm.archive != nil {
		if err := lm.archive.Close(); err != nil {
			return fmt.Errorf("archive close failed: %w", err)
		}
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

// State returns the current lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}
