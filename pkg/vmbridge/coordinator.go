package vmbridge

import (
	"errors"
	"fmt"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/remote"
	"go.uber.org/zap"
)

// consoleController is the slice of the console client the coordinator needs
type consoleController interface {
	Version() (string, error)
	SetFloat(param remote.Param, value float32) error
	CommitDirty() error
}

// coordinator is the single consumer of the output watcher's events. All
// watcher state lives on its goroutine; the OS notification threads only
// post to the events channel.
type coordinator struct {
	logger   *zap.SugaredLogger
	watcher  OutputWatcher
	console  consoleController
	config   *ConfigManager
	notifier Notifier

	configReload <-chan bool
	stop         chan struct{}

	// most recent volume state, re-applied on config reload
	lastSample *VolumeSample

	// set once a console outage toast has been shown, so the user isn't
	// spammed while the console is down
	outageNotified bool
}

func newCoordinator(
	logger *zap.SugaredLogger,
	watcher OutputWatcher,
	console consoleController,
	config *ConfigManager,
	notifier Notifier,
) *coordinator {
	return &coordinator{
		logger:       logger.Named("coordinator"),
		watcher:      watcher,
		console:      console,
		config:       config,
		notifier:     notifier,
		configReload: config.SubscribeToChanges(),
		stop:         make(chan struct{}),
	}
}

// run consumes watcher events until Stop is called or the event channel
// closes. A closed channel means the watcher is gone for good, which is
// returned as an error so the process exits and the supervisor relaunches it.
func (c *coordinator) run() error {
	if err := c.watcher.Start(); err != nil {
		c.logger.Warnw("Failed to start output watcher", "error", err)
		return fmt.Errorf("start output watcher: %w", err)
	}

	c.logConsoleVersion()

	// bind to whatever device is current right now; volume events only
	// arrive for the bound device
	c.rebind()

	for {
		select {
		case event, ok := <-c.watcher.Events():
			if !ok {
				c.logger.Warn("Event channel closed, shutting down")
				return errors.New("output watcher event channel closed")
			}

			c.handle(event)
		case <-c.configReload:
			c.logger.Info("Config reloaded, re-applying current volume")

			if c.lastSample != nil {
				c.apply(*c.lastSample)
			}
		case <-c.stop:
			c.logger.Debug("Stopping coordinator")
			return nil
		}
	}
}

func (c *coordinator) Stop() {
	close(c.stop)
}

func (c *coordinator) handle(event Event) {
	if event.DeviceChanged {
		c.rebind()
		return
	}

	if event.Volume != nil {
		c.apply(*event.Volume)
	}
}

func (c *coordinator) rebind() {
	sample, err := c.watcher.Rebind()
	if err != nil {
		c.logger.Warnw("Failed to rebind to default output device", "error", err)
		return
	}

	c.apply(sample)
}

// apply mirrors a volume sample onto the configured mixer strip. Mute goes
// first so a mute never races audible gain, then the commit flushes both.
func (c *coordinator) apply(sample VolumeSample) {
	c.lastSample = &sample

	config := c.config.Current()
	gainDB, muteFlag := mapSampleToStrip(sample, config.MinGain, config.MaxGain)

	c.logger.Debugw("Applying volume to strip",
		"level", sample.Level,
		"muted", sample.Muted,
		"strip", config.StripIndex,
		"gainDB", gainDB)

	steps := []struct {
		param remote.Param
		value float32
	}{
		{remote.StripParam(config.StripIndex, "Mute"), muteFlag},
		{remote.StripParam(config.StripIndex, "Gain"), gainDB},
	}

	for _, step := range steps {
		if err := c.console.SetFloat(step.param, step.value); err != nil {
			c.onConsoleError(err)
			return
		}
	}

	if err := c.console.CommitDirty(); err != nil {
		c.onConsoleError(err)
		return
	}

	c.outageNotified = false
}

func (c *coordinator) onConsoleError(err error) {
	c.logger.Warnw("Failed to apply volume to console", "error", err)

	var connectError *remote.ConnectError
	if errors.As(err, &connectError) && !c.outageNotified {
		c.outageNotified = true
		c.notifier.Notify("Mixer unreachable",
			"Couldn't reach the mixer. Volume changes will sync again once it's back.")
	}
}

func (c *coordinator) logConsoleVersion() {
	version, err := c.console.Version()
	if err != nil {
		c.logger.Debugw("Couldn't get console version yet", "error", err)
		return
	}

	c.logger.Infow("Connected to console", "version", version)
}
