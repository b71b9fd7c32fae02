package vmbridge

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/remote"
	"go.uber.org/zap"
)

type fakeWatcher struct {
	events chan Event

	mu           sync.Mutex
	rebindQueue  []VolumeSample
	rebindCalls  int
	startErr     error
	releaseCalls int
}

func newFakeWatcher(rebinds ...VolumeSample) *fakeWatcher {
	return &fakeWatcher{
		events:      make(chan Event, eventBufferSize),
		rebindQueue: rebinds,
	}
}

func (w *fakeWatcher) Start() error         { return w.startErr }
func (w *fakeWatcher) Events() <-chan Event { return w.events }

func (w *fakeWatcher) Rebind() (VolumeSample, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rebindCalls++

	if len(w.rebindQueue) == 0 {
		return VolumeSample{}, errors.New("no device")
	}

	sample := w.rebindQueue[0]
	if len(w.rebindQueue) > 1 {
		w.rebindQueue = w.rebindQueue[1:]
	}

	return sample, nil
}

func (w *fakeWatcher) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.releaseCalls++

	return nil
}

type consoleCall struct {
	param remote.Param
	value float32
}

type fakeConsole struct {
	mu      sync.Mutex
	calls   []string
	sets    []consoleCall
	failing bool
	failErr error
}

func (f *fakeConsole) Version() (string, error) { return "3.1.1.1", nil }

func (f *fakeConsole) SetFloat(param remote.Param, value float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return f.err()
	}

	f.calls = append(f.calls, string(param))
	f.sets = append(f.sets, consoleCall{param, value})

	return nil
}

func (f *fakeConsole) CommitDirty() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return f.err()
	}

	f.calls = append(f.calls, "commit")

	return nil
}

func (f *fakeConsole) err() error {
	if f.failErr != nil {
		return f.failErr
	}

	return errors.New("console gone")
}

func (f *fakeConsole) snapshot() ([]string, []consoleCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...), append([]consoleCall(nil), f.sets...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, title)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.messages)
}

func newTestCoordinator(t *testing.T, watcher OutputWatcher, console consoleController, notifier Notifier) *coordinator {
	t.Helper()
	t.Chdir(t.TempDir())

	logger := zap.NewNop().Sugar()

	config, err := NewConfig(logger, notifier)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if err := config.Load(); err != nil {
		t.Fatalf("Load config: %v", err)
	}

	return newCoordinator(logger, watcher, console, config, notifier)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinatorAppliesVolumeEvents(t *testing.T) {
	watcher := newFakeWatcher(VolumeSample{Level: 1, Muted: false})
	console := &fakeConsole{}
	notifier := &fakeNotifier{}

	c := newTestCoordinator(t, watcher, console, notifier)

	done := make(chan error, 1)
	go func() { done <- c.run() }()

	// initial rebind applies {1, false}
	waitFor(t, "initial apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 3
	})

	watcher.events <- Event{Volume: &VolumeSample{Level: 0.3, Muted: false}}

	waitFor(t, "volume event apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 6
	})

	c.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	calls, sets := console.snapshot()

	want := []string{
		"Strip[3].Mute", "Strip[3].Gain", "commit",
		"Strip[3].Mute", "Strip[3].Gain", "commit",
	}
	for i, name := range want {
		if calls[i] != name {
			t.Fatalf("call %d = %s, want %s (all: %v)", i, calls[i], name, calls)
		}
	}

	// default range is -30..12 dB, so level 0.3 lands at -17.4
	gain := sets[3].value
	if math.Abs(float64(gain)-(-17.4)) > 1e-4 {
		t.Errorf("gain for level 0.3 = %f, want -17.4", gain)
	}

	if mute := sets[2].value; mute != 0 {
		t.Errorf("mute flag for unmuted sample = %f, want 0", mute)
	}
}

func TestCoordinatorRebindsOnDeviceChange(t *testing.T) {
	watcher := newFakeWatcher(
		VolumeSample{Level: 0.5, Muted: false},
		VolumeSample{Level: 0.8, Muted: true},
	)
	console := &fakeConsole{}
	notifier := &fakeNotifier{}

	c := newTestCoordinator(t, watcher, console, notifier)

	done := make(chan error, 1)
	go func() { done <- c.run() }()

	waitFor(t, "initial apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 3
	})

	watcher.events <- Event{DeviceChanged: true}

	waitFor(t, "rebind apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 6
	})

	c.Stop()
	<-done

	_, sets := console.snapshot()

	// the new device is muted, so the second round flips the mute flag on
	if mute := sets[2].value; mute != 1 {
		t.Errorf("mute flag after rebind = %f, want 1", mute)
	}
}

func TestCoordinatorSurvivesConsoleOutage(t *testing.T) {
	watcher := newFakeWatcher(VolumeSample{Level: 0.5, Muted: false})
	console := &fakeConsole{failing: true, failErr: &remote.ConnectError{Err: errors.New("login refused")}}
	notifier := &fakeNotifier{}

	c := newTestCoordinator(t, watcher, console, notifier)

	done := make(chan error, 1)
	go func() { done <- c.run() }()

	waitFor(t, "outage toast", func() bool { return notifier.count() == 1 })

	// more failures shouldn't spam additional toasts
	watcher.events <- Event{Volume: &VolumeSample{Level: 0.6, Muted: false}}
	watcher.events <- Event{Volume: &VolumeSample{Level: 0.7, Muted: false}}

	// console comes back, next event flows through
	console.mu.Lock()
	console.failing = false
	console.mu.Unlock()

	watcher.events <- Event{Volume: &VolumeSample{Level: 0.9, Muted: false}}

	waitFor(t, "recovery apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 3
	})

	c.Stop()
	<-done

	if notifier.count() != 1 {
		t.Errorf("got %d toasts, want exactly 1", notifier.count())
	}
}

func TestCoordinatorReturnsErrorWhenEventChannelCloses(t *testing.T) {
	watcher := newFakeWatcher(VolumeSample{Level: 0.5, Muted: false})
	console := &fakeConsole{}
	notifier := &fakeNotifier{}

	c := newTestCoordinator(t, watcher, console, notifier)

	done := make(chan error, 1)
	go func() { done <- c.run() }()

	waitFor(t, "initial apply", func() bool {
		calls, _ := console.snapshot()
		return len(calls) == 3
	})

	close(watcher.events)

	if err := <-done; err == nil {
		t.Fatal("expected run to return an error after the event channel closed")
	}
}
