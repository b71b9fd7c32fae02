package vmbridge

import (
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/util"
)

type paOutputWatcher struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	// raw subscription events forwarded out of the protocol callback;
	// requests can't be issued from inside the callback itself
	notifications chan proto.SubscriptionEventType

	stop   chan struct{}
	events chan Event
}

const defaultSinkName = "@DEFAULT_SINK@"

func newOutputWatcher(logger *zap.SugaredLogger) (OutputWatcher, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("vmbridge"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	w := &paOutputWatcher{
		logger:        logger.Named("output_watcher"),
		client:        client,
		conn:          conn,
		notifications: make(chan proto.SubscriptionEventType, 5),
		stop:          make(chan struct{}),
		events:        make(chan Event, eventBufferSize),
	}

	w.logger.Debug("Created PA output watcher instance")

	return w, nil
}

func (w *paOutputWatcher) Start() error {
	// sink events carry volume/mute changes, server events carry default
	// sink changes
	err := w.client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskServer,
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribe to PulseAudio sink and server events: %w", err)
	}

	go w.translateNotifications()

	w.client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			if msg.Event.GetType() != proto.EventChange {
				return
			}

			select {
			case w.notifications <- msg.Event:
			default:
			}
		}
	}

	return nil
}

func (w *paOutputWatcher) Events() <-chan Event {
	return w.events
}

func (w *paOutputWatcher) Rebind() (VolumeSample, error) {
	return w.sampleDefaultSink()
}

func (w *paOutputWatcher) Release() error {
	close(w.stop)

	if err := w.conn.Close(); err != nil {
		w.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	w.logger.Debug("Released PA output watcher instance")

	return nil
}

// translateNotifications turns raw subscription events into watcher events.
// It owns the events channel and closes it on release, so no other goroutine
// may send on it.
func (w *paOutputWatcher) translateNotifications() {
	defer close(w.events)

	for {
		select {
		case event := <-w.notifications:
			switch event.GetFacility() {
			case proto.EventServer:
				w.post(Event{DeviceChanged: true})
			case proto.EventSink:
				// a non-default sink may have changed too; sampling the
				// default sink again is harmless in that case
				sample, err := w.sampleDefaultSink()
				if err != nil {
					w.logger.Warnw("Failed to sample default sink after change event", "error", err)
					continue
				}

				w.post(Event{Volume: &sample})
			}
		case <-w.stop:
			return
		}
	}
}

func (w *paOutputWatcher) sampleDefaultSink() (VolumeSample, error) {
	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  defaultSinkName,
	}
	reply := proto.GetSinkInfoReply{}

	if err := w.client.Request(&request, &reply); err != nil {
		w.logger.Warnw("Failed to get default sink info", "error", err)
		return VolumeSample{}, fmt.Errorf("get default sink info: %w", err)
	}

	if len(reply.ChannelVolumes) == 0 {
		return VolumeSample{}, fmt.Errorf("default sink %q reported no channels", reply.SinkName)
	}

	var total uint64
	for _, volume := range reply.ChannelVolumes {
		total += uint64(volume)
	}
	average := total / uint64(len(reply.ChannelVolumes))

	// sinks can sit above 100%, but the strip mapping expects [0, 1]
	level := util.NormalizeScalar(float32(average) / float32(proto.VolumeNorm))

	return VolumeSample{Level: level, Muted: reply.Mute}, nil
}

func (w *paOutputWatcher) post(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warnw("Event channel full, dropping event", "event", event)
	}
}
