package vmbridge

// Event is a single notification from the output watcher. At most one of the
// fields is set.
type Event struct {
	// Volume carries the device's new volume state, if it changed
	Volume *VolumeSample

	// DeviceChanged is set when the default output device was replaced
	DeviceChanged bool
}

// buffered so the native notification threads never block on a slow consumer
const eventBufferSize = 16

// OutputWatcher represents an entity that can observe the OS default output
// device. Events() delivers notifications in arrival order; the channel is
// closed when the watcher is released.
type OutputWatcher interface {
	// Start registers for default-device change notifications. The
	// registration lives until Release
	Start() error

	// Rebind resolves the current default output device, replaces the volume
	// change subscription with one against it, and returns the device's
	// current volume state
	Rebind() (VolumeSample, error)

	Events() <-chan Event

	Release() error
}
