// Package vmbridge mirrors the OS default output device's volume and mute
// state onto a VoiceMeeter mixer strip, so the regular volume keys control
// the mixer transparently.
package vmbridge

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/remote"
	"github.com/MixyLabs/vmbridge/pkg/vmbridge/util"
)

// Bridge is the main entity managing all subcomponents of the worker process
type Bridge struct {
	logger      *zap.SugaredLogger
	notifier    Notifier
	configMan   *ConfigManager
	console     *remote.Client
	watcher     OutputWatcher
	coordinator *coordinator

	stopChannel chan bool
	version     string
	verbose     bool
}

func NewBridge(logger *zap.SugaredLogger, verbose bool) (*Bridge, error) {
	logger = logger.Named("bridge")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	b := &Bridge{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	watcher, err := newOutputWatcher(logger)
	if err != nil {
		logger.Errorw("Failed to create output watcher", "error", err)
		return nil, fmt.Errorf("create new output watcher: %w", err)
	}

	b.watcher = watcher
	b.console = remote.NewClient(logger, remote.Dial)
	b.coordinator = newCoordinator(logger, watcher, b.console, config, notifier)

	logger.Debug("Created bridge instance")

	return b, nil
}

// Initialize sets up components and starts to run in the background
func (b *Bridge) Initialize() error {
	b.logger.Debug("Initializing")

	// load the config for the first time
	if err := b.configMan.Load(); err != nil {
		b.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	b.setupInterruptHandler()
	b.run()

	return nil
}

// SetVersion causes the bridge to log a version string if called before Initialize
func (b *Bridge) SetVersion(version string) {
	b.version = version
}

// Verbose returns a boolean indicating whether the bridge is running in verbose mode
func (b *Bridge) Verbose() bool {
	return b.verbose
}

func (b *Bridge) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		b.logger.Debugw("Interrupted", "signal", signal)
		b.signalStop()
	}()
}

func (b *Bridge) run() {
	b.logger.Infow("Run loop starting", "version", b.version)

	go b.configMan.WatchConfigFileChanges()

	go func() {
		defer b.recoverFromPanic()

		if err := b.coordinator.run(); err != nil {
			b.logger.Warnw("Coordinator stopped", "error", err)
			b.signalStop()
		}
	}()

	// wait until gracefully stopped
	<-b.stopChannel
	b.logger.Debug("Stop channel signaled, terminating")

	if err := b.stop(); err != nil {
		b.logger.Warnw("Failed to stop bridge", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (b *Bridge) signalStop() {
	b.logger.Debug("Signalling stop channel")
	b.stopChannel <- true
}

func (b *Bridge) stop() error {
	b.logger.Info("Stopping")

	b.configMan.StopWatchingConfigFile()
	b.coordinator.Stop()

	if err := b.watcher.Release(); err != nil {
		b.logger.Errorw("Failed to release output watcher", "error", err)
	}

	if err := b.console.Close(); err != nil {
		b.logger.Errorw("Failed to close console connection", "error", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = b.logger.Sync()

	return nil
}
