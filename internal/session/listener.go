package session

import (
	"time"

	"klinefeed/internal/model"
)

// Info identifies the session an emission belongs to.
type Info struct {
	Generation uint64
	Symbol     string
	Timeframe  string
	Source     string
	Degraded   bool
	TraceID    string
}

// Listener receives everything a session produces. Callbacks run on the
// session goroutine, in order, and must not block for long or call back
// into the Controller.
type Listener interface {
	OnSnapshot(info Info, candles []model.AugmentedCandle)
	OnUpdate(info Info, c model.AugmentedCandle, final bool)
	OnSourceDegraded(info Info, reason string)
	OnStaleUpdateDropped(info Info, t int64)
	OnError(info Info, err error)
}

// Listeners fans every callback out to each listener in order.
type Listeners []Listener

func (ls Listeners) OnSnapshot(info Info, candles []model.AugmentedCandle) {
	for _, l := range ls {
		l.OnSnapshot(info, candles)
	}
}

func (ls Listeners) OnUpdate(info Info, c model.AugmentedCandle, final bool) {
	for _, l := range ls {
		l.OnUpdate(info, c, final)
	}
}

func (ls Listeners) OnSourceDegraded(info Info, reason string) {
	for _, l := range ls {
		l.OnSourceDegraded(info, reason)
	}
}

func (ls Listeners) OnStaleUpdateDropped(info Info, t int64) {
	for _, l := range ls {
		l.OnStaleUpdateDropped(info, t)
	}
}

func (ls Listeners) OnError(info Info, err error) {
	for _, l := range ls {
		l.OnError(info, err)
	}
}

// EventListener converts callbacks into model.Event values. Sends never
// block: when the channel is full the event is dropped and OnDrop runs.
type EventListener struct {
	ch     chan<- model.Event
	now    func() time.Time
	OnDrop func(model.Event)
}

// NewEventListener sends to ch.
func NewEventListener(ch chan<- model.Event) *EventListener {
	return &EventListener{ch: ch, now: time.Now}
}

func (e *EventListener) event(t model.EventType, info Info) model.Event {
	return model.Event{
		Type:       t,
		Generation: info.Generation,
		Symbol:     info.Symbol,
		TF:         info.Timeframe,
		Degraded:   info.Degraded,
		TS:         e.now(),
	}
}

func (e *EventListener) send(ev model.Event) {
	select {
	case e.ch <- ev:
	default:
		if e.OnDrop != nil {
			e.OnDrop(ev)
		}
	}
}

func (e *EventListener) OnSnapshot(info Info, candles []model.AugmentedCandle) {
	ev := e.event(model.EventSnapshot, info)
	ev.Candles = candles
	e.send(ev)
}

func (e *EventListener) OnUpdate(info Info, c model.AugmentedCandle, final bool) {
	ev := e.event(model.EventLive, info)
	ev.Candle = &c
	ev.Final = final
	e.send(ev)
}

func (e *EventListener) OnSourceDegraded(info Info, reason string) {
	ev := e.event(model.EventDegraded, info)
	ev.Reason = reason
	e.send(ev)
}

func (e *EventListener) OnStaleUpdateDropped(info Info, t int64) {
	ev := e.event(model.EventStale, info)
	ev.StaleTime = t
	e.send(ev)
}

func (e *EventListener) OnError(info Info, err error) {
	ev := e.event(model.EventError, info)
	ev.Reason = err.Error()
	e.send(ev)
}
