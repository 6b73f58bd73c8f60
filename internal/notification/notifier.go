// Package notification delivers operational alerts (vendor outages and
// recoveries) to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"klinefeed/internal/breaker"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one operational event. Dependency names the guarded source or
// store (a breaker name) when the alert is about one.
type Alert struct {
	Level      AlertLevel
	Title      string
	Message    string
	Dependency string
	Time       time.Time
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger.With("component", "notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	n.log.Info("alert", "level", alert.Level, "title", alert.Title, "message", alert.Message,
		"dependency", alert.Dependency)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BreakerAlert describes a circuit breaker transition. Only opening and
// recovery are worth an alert.
func BreakerAlert(name string, from, to breaker.State) (Alert, bool) {
	switch {
	case to == breaker.StateOpen && from == breaker.StateClosed:
		return Alert{
			Level:      AlertWarning,
			Title:      name + " unavailable",
			Message:    fmt.Sprintf("circuit breaker for %s opened; requests go to the next source", name),
			Dependency: name,
		}, true
	case to == breaker.StateClosed:
		return Alert{
			Level:      AlertInfo,
			Title:      name + " recovered",
			Message:    fmt.Sprintf("circuit breaker for %s closed", name),
			Dependency: name,
		}, true
	}
	return Alert{}, false
}

// Dispatcher sends alerts off the caller's goroutine. Notify never blocks;
// a full queue drops the alert.
type Dispatcher struct {
	n       Notifier
	queue   chan Alert
	timeout time.Duration
	log     *slog.Logger
}

// NewDispatcher queues up to size alerts for n.
func NewDispatcher(n Notifier, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		n:       n,
		queue:   make(chan Alert, size),
		timeout: 10 * time.Second,
		log:     logger.With("component", "notify"),
	}
}

// Notify enqueues a, stamping the current time if it has none.
func (d *Dispatcher) Notify(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	select {
	case d.queue <- a:
	default:
		d.log.Warn("alert queue full, dropping", "title", a.Title)
	}
}

// OnBreakerChange matches breaker.Breaker.OnStateChange.
func (d *Dispatcher) OnBreakerChange(name string, from, to breaker.State) {
	if a, ok := BreakerAlert(name, from, to); ok {
		d.Notify(a)
	}
}

// Run delivers queued alerts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.n.Send(sendCtx, a); err != nil {
				d.log.Warn("alert delivery failed", "title", a.Title, "error", err)
			}
			cancel()
		}
	}
}
