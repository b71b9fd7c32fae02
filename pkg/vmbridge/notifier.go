package vmbridge

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// NoopNotifier discards notifications. Used by the supervisor process,
// which shouldn't toast on top of its worker.
type NoopNotifier struct{}

func (NoopNotifier) Notify(title string, message string) {}

// ToastNotifier provides toast notifications
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a ToastNotifier instance
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	notifier := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return notifier, nil
}

// Notify sends a toast notification (or logs it if sending failed)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
