package vmbridge

import (
	"errors"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

type wcaOutputWatcher struct {
	logger *zap.SugaredLogger

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient

	// current default output device's volume control; rebound on device change.
	// Only ever touched from the coordinator goroutine
	endpointVolume *wca.IAudioEndpointVolume
	volumeCallback *endpointVolumeCallback

	// the notification client calls back multiple times in quick succession
	// based on the default device's assigned media roles, so we need to
	// filter out the extraneous calls
	lastDefaultDeviceChange time.Time

	events chan Event
}

const minDefaultDeviceChangeThreshold = 100 * time.Millisecond

func newOutputWatcher(logger *zap.SugaredLogger) (OutputWatcher, error) {
	w := &wcaOutputWatcher{
		logger: logger.Named("output_watcher"),
		events: make(chan Event, eventBufferSize),
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) {
			if oleError.Code() == eFalse {
				w.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
			} else {
				w.logger.Warnw("Failed to call CoInitializeEx",
					"isOleError", true,
					"error", err,
					"oleError", oleError)

				return nil, fmt.Errorf("call CoInitializeEx: %w", err)
			}
		} else {
			w.logger.Warnw("Failed to call CoInitializeEx",
				"isOleError", false,
				"error", err,
				"oleError", nil)

			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&w.mmDeviceEnumerator,
	); err != nil {
		w.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	w.logger.Debug("Created WCA output watcher instance")

	return w, nil
}

func (w *wcaOutputWatcher) Start() error {
	callback := wca.IMMNotificationClientCallback{
		OnDefaultDeviceChanged: w.defaultDeviceChangedCallback,
	}

	w.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := w.mmDeviceEnumerator.RegisterEndpointNotificationCallback(w.mmNotificationClient); err != nil {
		w.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (w *wcaOutputWatcher) Events() <-chan Event {
	return w.events
}

// Rebind drops the previous default device's volume subscription, resolves
// the current default output device and subscribes to its volume changes.
// It returns the device's current volume state so no change is missed
// between the old subscription dying and the new one attaching.
func (w *wcaOutputWatcher) Rebind() (VolumeSample, error) {
	w.releaseVolumeSubscription()

	var mmDevice *wca.IMMDevice
	if err := w.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EMultimedia, &mmDevice); err != nil {
		w.logger.Warnw("Failed to call GetDefaultAudioEndpoint", "error", err)
		return VolumeSample{}, fmt.Errorf("call GetDefaultAudioEndpoint: %w", err)
	}
	defer mmDevice.Release()

	if err := mmDevice.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &w.endpointVolume); err != nil {
		w.logger.Warnw("Failed to activate AudioEndpointVolume for default device", "error", err)
		return VolumeSample{}, fmt.Errorf("activate default device volume: %w", err)
	}

	var level float32
	if err := w.endpointVolume.GetMasterVolumeLevelScalar(&level); err != nil {
		w.logger.Warnw("Failed to get master volume scalar", "error", err)
		return VolumeSample{}, fmt.Errorf("get master volume scalar: %w", err)
	}

	var muted bool
	if err := w.endpointVolume.GetMute(&muted); err != nil {
		w.logger.Warnw("Failed to get mute state", "error", err)
		return VolumeSample{}, fmt.Errorf("get mute state: %w", err)
	}

	w.volumeCallback = newEndpointVolumeCallback(w.volumeChangedCallback)

	if err := w.registerControlChangeNotify(w.volumeCallback); err != nil {
		w.logger.Warnw("Failed to call RegisterControlChangeNotify", "error", err)
		w.volumeCallback = nil

		return VolumeSample{}, fmt.Errorf("call RegisterControlChangeNotify: %w", err)
	}

	w.logger.Debugw("Bound to default output device", "level", level, "muted", muted)

	return VolumeSample{Level: level, Muted: muted}, nil
}

func (w *wcaOutputWatcher) Release() error {
	w.releaseVolumeSubscription()

	if w.mmNotificationClient != nil {
		_ = w.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(w.mmNotificationClient)
	}

	if w.mmDeviceEnumerator != nil {
		w.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()

	close(w.events)

	w.logger.Debug("Released WCA output watcher instance")

	return nil
}

func (w *wcaOutputWatcher) releaseVolumeSubscription() {
	if w.endpointVolume == nil {
		return
	}

	if w.volumeCallback != nil {
		if err := w.unregisterControlChangeNotify(w.volumeCallback); err != nil {
			w.logger.Warnw("Failed to call UnregisterControlChangeNotify", "error", err)
		}

		w.volumeCallback = nil
	}

	w.endpointVolume.Release()
	w.endpointVolume = nil
}

func (w *wcaOutputWatcher) defaultDeviceChangedCallback(dataFlow wca.EDataFlow, role wca.ERole, identifier string) error {
	if dataFlow != wca.ERender || role != wca.EMultimedia {
		return nil
	}

	// filter out calls that happen in rapid succession
	now := time.Now()
	if w.lastDefaultDeviceChange.Add(minDefaultDeviceChangeThreshold).After(now) {
		return nil
	}
	w.lastDefaultDeviceChange = now

	w.logger.Debug("Default audio device changed, new id: " + identifier)

	w.post(Event{DeviceChanged: true})

	return nil
}

func (w *wcaOutputWatcher) volumeChangedCallback(level float32, muted bool) {
	w.post(Event{Volume: &VolumeSample{
		Level: level,
		Muted: muted,
	}})
}

// the WCA bindings stub out the registration entry points, so these go
// through the interface's vtable slots directly
func (w *wcaOutputWatcher) registerControlChangeNotify(callback *endpointVolumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		w.endpointVolume.VTable().RegisterControlChangeNotify,
		uintptr(unsafe.Pointer(w.endpointVolume)),
		uintptr(unsafe.Pointer(callback)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

func (w *wcaOutputWatcher) unregisterControlChangeNotify(callback *endpointVolumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		w.endpointVolume.VTable().UnregisterControlChangeNotify,
		uintptr(unsafe.Pointer(w.endpointVolume)),
		uintptr(unsafe.Pointer(callback)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

// post never blocks the native callback thread; if the consumer is this far
// behind, dropping the event is fine since a newer one supersedes it anyway
func (w *wcaOutputWatcher) post(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warnw("Event channel full, dropping event", "event", event)
	}
}
