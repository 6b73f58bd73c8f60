// Package bus distributes session events from the gateway to the storage
// sinks without letting a slow sink stall a session.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"klinefeed/internal/model"
)

// Filter selects the events one subscriber receives. nil accepts all.
type Filter func(ev *model.Event) bool

type output struct {
	name   string
	accept Filter
	ch     chan model.Event
}

// FanOut broadcasts events from a single input channel to N named output
// channels. If an output channel is full, the event is dropped for that
// consumer to prevent a slow consumer from blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int
	log     *slog.Logger

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		bufSize: outputBufferSize,
		log:     logger.With("component", "bus"),
	}
}

// Subscribe creates and returns a new output channel receiving the events
// accept selects. Subscribe before Run; the channel is closed when Run
// returns.
func (f *FanOut) Subscribe(name string, accept Filter) <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, accept: accept, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, o := range f.outputs {
				if o.accept != nil && !o.accept(&ev) {
					continue
				}
				select {
				case o.ch <- ev:
				default:
					if f.OnDrop != nil {
						f.OnDrop(o.name)
					}
					f.log.Warn("output channel full, dropping event", "subscriber", o.name, "type", ev.Type, "key", ev.Key())
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats reports subscriber channel saturation.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
