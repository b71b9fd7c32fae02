package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge"
	"github.com/MixyLabs/vmbridge/pkg/vmbridge/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
	managed bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&managed, vmbridge.ManagedFlag, false, "run as a supervised worker (internal)")
	flag.Parse()
}

func main() {
	logger, err := vmbridge.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType,
		"managed", managed)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if managed {
		runWorker(logger)
		return
	}

	runSupervisor(logger)
}

// runSupervisor is the path a user-launched process takes: claim the single
// instance lock, then babysit worker processes forever
func runSupervisor(logger *zap.SugaredLogger) {
	named := logger.Named("main")

	if err := util.CreateMutex("vmbridge"); err != nil {
		named.Fatalw("Another instance is already running", "error", err)
	}

	// the backoff is configurable, so give the config a best-effort read;
	// the worker does its own authoritative load
	config, err := vmbridge.NewConfig(logger, vmbridge.NoopNotifier{})
	if err != nil {
		named.Fatalw("Failed to create config", "error", err)
	}

	backoff := vmbridge.DefaultRelaunchBackoff
	if err := config.Load(); err != nil {
		named.Warnw("Failed to load config, using default relaunch backoff", "error", err)
	} else {
		backoff = config.RelaunchBackoff()
	}

	supervisor := vmbridge.NewSupervisor(logger, backoff)
	if err := supervisor.Run(); err != nil {
		named.Fatalw("Supervisor failed", "error", err)
	}
}

// runWorker is the path a supervisor-launched process takes
func runWorker(logger *zap.SugaredLogger) {
	named := logger.Named("main")

	bridge, err := vmbridge.NewBridge(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create bridge object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		bridge.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = bridge.Initialize(); err != nil {
		named.Fatalw("Failed to initialize bridge", "error", err)
	}
}
