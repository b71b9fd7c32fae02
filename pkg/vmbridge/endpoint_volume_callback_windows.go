package vmbridge

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
)

// endpointVolumeCallback is a minimal COM server implementing
// IAudioEndpointVolumeCallback. The first field must be the vtable pointer
// so the object's address doubles as the COM interface pointer. A live Go
// reference to the object must be held for as long as it is registered.
type endpointVolumeCallback struct {
	vTable   *endpointVolumeCallbackVtbl
	refCount int32

	onNotify func(level float32, muted bool)
}

type endpointVolumeCallbackVtbl struct {
	queryInterface uintptr
	addRef         uintptr
	release        uintptr
	onNotify       uintptr
}

// AUDIO_VOLUME_NOTIFICATION_DATA, as delivered to OnNotify
type audioVolumeNotificationData struct {
	GuidEventContext ole.GUID
	BMuted           int32
	FMasterVolume    float32
	NChannels        uint32
	AfChannelVolumes [1]float32
}

var iidIAudioEndpointVolumeCallback = ole.NewGUID("{657804FA-D6AD-4496-8A60-352752AF4F89}")

// one shared set of callback thunks for every instance; syscall.NewCallback
// allocations are process-permanent, so they must not be per-rebind
var endpointVolumeCallbackThunks = endpointVolumeCallbackVtbl{
	queryInterface: syscall.NewCallback(endpointVolumeCallbackQueryInterface),
	addRef:         syscall.NewCallback(endpointVolumeCallbackAddRef),
	release:        syscall.NewCallback(endpointVolumeCallbackRelease),
	onNotify:       syscall.NewCallback(endpointVolumeCallbackOnNotify),
}

func newEndpointVolumeCallback(onNotify func(level float32, muted bool)) *endpointVolumeCallback {
	return &endpointVolumeCallback{
		vTable:   &endpointVolumeCallbackThunks,
		refCount: 1,
		onNotify: onNotify,
	}
}

func endpointVolumeCallbackQueryInterface(this uintptr, riid uintptr, ppv uintptr) uintptr {
	requested := (*ole.GUID)(unsafe.Pointer(riid))
	out := (*uintptr)(unsafe.Pointer(ppv))

	if ole.IsEqualGUID(requested, ole.IID_IUnknown) ||
		ole.IsEqualGUID(requested, iidIAudioEndpointVolumeCallback) {
		*out = this
		endpointVolumeCallbackAddRef(this)

		return uintptr(ole.S_OK)
	}

	*out = 0

	return uintptr(ole.E_NOINTERFACE)
}

func endpointVolumeCallbackAddRef(this uintptr) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))

	return uintptr(atomic.AddInt32(&callback.refCount, 1))
}

func endpointVolumeCallbackRelease(this uintptr) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))

	// the object is garbage collected with its owner, never freed here
	count := atomic.AddInt32(&callback.refCount, -1)
	if count < 0 {
		count = 0
	}

	return uintptr(count)
}

func endpointVolumeCallbackOnNotify(this uintptr, pNotify uintptr) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))
	data := (*audioVolumeNotificationData)(unsafe.Pointer(pNotify))

	callback.onNotify(data.FMasterVolume, data.BMuted != 0)

	return uintptr(ole.S_OK)
}
