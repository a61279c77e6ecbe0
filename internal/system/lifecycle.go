package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbenchlab/psuwatch/internal/api/rest"
	"github.com/openbenchlab/psuwatch/internal/api/websocket"
	"github.com/openbenchlab/psuwatch/internal/auth"
	"github.com/openbenchlab/psuwatch/internal/config"
	"github.com/openbenchlab/psuwatch/internal/instrument"
	"github.com/openbenchlab/psuwatch/internal/scpi"
	"github.com/openbenchlab/psuwatch/internal/storage"
	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"go.uber.org/zap"
)

// LifecycleManager wires the supervisor together and owns startup/shutdown
// ordering: websocket hub and history recorder first, then the watchdog loop,
// then the REST surface.
type LifecycleManager struct {
	config     *config.Config
	storage    *storage.PostgresClient // nil when persistence is disabled
	profile    *instrument.Profile
	supervisor *watchdog.Watchdog
	hub        *websocket.Hub
	recorder   *storage.Recorder
	restServer *rest.Server
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	wdDone chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

func NewLifecycleManager(
	db *storage.PostgresClient,
	cfg *config.Config,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	loader, err := instrument.NewProfileLoader(cfg.Instrument.ProfileSearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	profile, err := loader.Load(cfg.Instrument.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load instrument profile: %w", err)
	}

	authService := auth.NewService(cfg.Auth, logger)
	hub := websocket.NewHub(logger, authService)

	sink := watchdog.MultiSink{hub}

	var recorder *storage.Recorder
	if db != nil {
		recorder = storage.NewRecorder(db, logger)
		sink = append(sink, recorder)
	}

	adapter := scpi.NewClient(cfg.Instrument.IOTimeout, logger)

	supervisor := watchdog.New(watchdog.Config{
		Interval:           cfg.Watchdog.PollInterval,
		MaxActionsPerCycle: cfg.Watchdog.MaxActionsPerCycle,
		Channels:           profile.Channels,
		IOTimeout:          cfg.Instrument.IOTimeout,
	}, adapter, sink, logger)

	restServer, err := rest.NewServer(cfg, supervisor, profile, sink, db, logger, hub, authService)
	if err != nil {
		return nil, fmt.Errorf("failed to create REST server: %w", err)
	}

	return &LifecycleManager{
		config:       cfg,
		storage:      db,
		profile:      profile,
		supervisor:   supervisor,
		hub:          hub,
		recorder:     recorder,
		restServer:   restServer,
		logger:       logger,
		wdDone:       make(chan struct{}),
		currentState: StateInitializing,
	}, nil
}

// Supervisor exposes the watchdog, mainly for tests and tooling.
func (lm *LifecycleManager) Supervisor() *watchdog.Watchdog {
	return lm.supervisor
}

// Start brings the whole system up.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting psuwatch",
		zap.String("instrument_profile", lm.profile.Model),
		zap.Int("channels", lm.profile.Channels),
		zap.Bool("history_enabled", lm.storage != nil))

	lm.setState(StateInitializing)

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	if lm.storage != nil {
		if err := lm.storage.EnsureSchema(ctx); err != nil {
			lm.setState(StateError)
			return fmt.Errorf("failed to prepare history schema: %w", err)
		}

		lm.wg.Add(1)
		go func() {
			defer lm.wg.Done()
			lm.recorder.Run(ctx)
		}()
	}

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		lm.hub.Run(ctx)
	}()

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		defer close(lm.wdDone)
		lm.supervisor.Run(ctx)
	}()

	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.config.Instrument.AutoConnect && lm.config.Instrument.Resource != "" {
		lm.supervisor.Enqueue(watchdog.ConnectAction(lm.config.Instrument.Resource))
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

// Shutdown stops the system gracefully: the REST surface first so no new
// commands arrive, then an orderly Quit through the action queue so the
// watchdog forces the master output off, then everything else.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		restCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(restCtx); err != nil {
			lm.logger.Warn("REST shutdown failed", zap.Error(err))
		}
		cancel()

		lm.supervisor.Enqueue(watchdog.QuitAction())

		select {
		case <-lm.wdDone:
		case <-ctx.Done():
			lm.logger.Warn("Watchdog did not quit in time, cancelling")
		}

		// Stops the hub and recorder, and the watchdog too when the Quit
		// action never got drained.
		lm.cancel()

		done := make(chan struct{})
		go func() {
			lm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			lm.logger.Info("Graceful shutdown completed")
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown timeout exceeded")
		}

		if lm.storage != nil {
			lm.storage.Close()
		}

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Info("System state changed", zap.Stringer("state", state))
}

// GetCurrentStatus returns the system status snapshot.
func (lm *LifecycleManager) GetCurrentStatus() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	return SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
}
