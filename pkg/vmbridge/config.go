package vmbridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/util"
)

// ConfigManager loads and watches the user config file
type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	// guards current; reloads happen on the config watcher goroutine while
	// the coordinator reads on its own
	lock    sync.Mutex
	current Config
}

// Config holds the user-facing knobs. Everything has a sensible default, the
// config file itself is optional.
type Config struct {
	StripIndex int `mapstructure:"strip_index"`

	MinGain float32 `mapstructure:"min_gain"`
	MaxGain float32 `mapstructure:"max_gain"`

	RelaunchBackoffSeconds int `mapstructure:"relaunch_backoff_seconds"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeyStripIndex      = "strip_index"
	configKeyMinGain         = "min_gain"
	configKeyMaxGain         = "max_gain"
	configKeyRelaunchBackoff = "relaunch_backoff_seconds"

	defaultStripIndex      = 3
	defaultMinGain         = -30.0
	defaultMaxGain         = 12.0
	defaultRelaunchBackoff = 5

	// VoiceMeeter Potato exposes strips 0 through 7
	maxStripIndex = 7
)

// DefaultRelaunchBackoff is used when the config can't be read at all
const DefaultRelaunchBackoff = defaultRelaunchBackoff * time.Second

// NewConfig creates a config manager instance with defaults applied
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyStripIndex, defaultStripIndex)
	userConfig.SetDefault(configKeyMinGain, defaultMinGain)
	userConfig.SetDefault(configKeyMaxGain, defaultMaxGain)
	userConfig.SetDefault(configKeyRelaunchBackoff, defaultRelaunchBackoff)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config file (if one exists) and populates the current config
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			cc.logger.Infow("No config file found, using defaults", "path", userConfigFilepath)
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check vmbridge's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"stripIndex", current.StripIndex,
		"minGain", current.MinGain,
		"maxGain", current.MaxGain,
		"relaunchBackoffSeconds", current.RelaunchBackoffSeconds)

	return nil
}

// Current returns the most recently loaded config values
func (cc *ConfigManager) Current() Config {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	return cc.current
}

// RelaunchBackoff returns the supervisor's delay between worker relaunches
func (cc *ConfigManager) RelaunchBackoff() time.Duration {
	return time.Duration(cc.Current().RelaunchBackoffSeconds) * time.Second
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debug("No config file to watch, running on defaults")

		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var parsed Config

	err := cc.userConfig.Unmarshal(&parsed, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if err := validateConfig(&parsed); err != nil {
		return err
	}

	cc.lock.Lock()
	cc.current = parsed
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func validateConfig(config *Config) error {
	if config.StripIndex < 0 || config.StripIndex > maxStripIndex {
		return fmt.Errorf("strip_index %d out of range [0, %d]", config.StripIndex, maxStripIndex)
	}

	if config.MinGain >= config.MaxGain {
		return fmt.Errorf("min_gain (%.1f) must be below max_gain (%.1f)", config.MinGain, config.MaxGain)
	}

	if config.RelaunchBackoffSeconds < 1 {
		return fmt.Errorf("relaunch_backoff_seconds must be at least 1, got %d", config.RelaunchBackoffSeconds)
	}

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
