package vmbridge

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// spawnFunc starts a worker process and returns a function that blocks until
// the worker exits. Injectable so the relaunch loop is testable.
type spawnFunc func() (wait func() error, err error)

// Supervisor keeps a worker process alive. It relaunches the worker after
// every exit, waiting out the backoff in between, until Stop is called.
// The worker inherits the supervisor's standard streams so its output lands
// in the same place.
type Supervisor struct {
	logger  *zap.SugaredLogger
	backoff time.Duration
	spawn   spawnFunc

	stop chan struct{}
}

func NewSupervisor(logger *zap.SugaredLogger, backoff time.Duration) *Supervisor {
	return &Supervisor{
		logger:  logger.Named("supervisor"),
		backoff: backoff,
		spawn:   spawnWorker,
		stop:    make(chan struct{}),
	}
}

// Run launches the worker and relaunches it forever. It returns an error
// only when a worker can't be started at all; a worker that starts and then
// dies is the normal case this loop exists for.
func (s *Supervisor) Run() error {
	for attempt := 1; ; attempt++ {
		s.logger.Infow("Launching worker", "attempt", attempt)

		wait, err := s.spawn()
		if err != nil {
			s.logger.Errorw("Failed to launch worker", "error", err)
			return fmt.Errorf("launch worker: %w", err)
		}

		if err := wait(); err != nil {
			s.logger.Warnw("Worker exited", "error", err)
		} else {
			s.logger.Info("Worker exited cleanly")
		}

		select {
		case <-time.After(s.backoff):
		case <-s.stop:
			s.logger.Debug("Stopping supervisor")
			return nil
		}
	}
}

func (s *Supervisor) Stop() {
	close(s.stop)
}

// spawnWorker re-executes the current binary with the managed flag so it
// runs the actual bridge instead of another supervisor
func spawnWorker() (func() error, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}

	command := exec.Command(executable, managedFlagName())
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	return command.Wait, nil
}

func managedFlagName() string {
	return "-" + ManagedFlag
}

// ManagedFlag marks a process as a supervised worker. The entrypoint passes
// it when re-executing itself and branches on it.
const ManagedFlag = "managed"
