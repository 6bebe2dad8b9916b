package netif

import (
	"context"
	"errors"
	"time"

	"github.com/pion/logging"
)

// DefaultQuietWindow is how long change bursts are collapsed.
const DefaultQuietWindow = 250 * time.Millisecond

// errNoWatcher is returned by platforms without change notification.
var errNoWatcher = errors.New("interface change notification not supported")

// Debouncer forwards the first value of a burst immediately, then collapses
// further values inside the quiet window to the latest one and forwards it
// when the window elapses. Every new value re-arms the window.
type Debouncer struct {
	window  time.Duration
	deliver func([]NetInterface)
	in      chan []NetInterface
}

// NewDebouncer returns a Debouncer calling deliver from its Run goroutine.
func NewDebouncer(window time.Duration, deliver func([]NetInterface)) *Debouncer {
	return &Debouncer{
		window:  window,
		deliver: deliver,
		in:      make(chan []NetInterface, 16),
	}
}

// Push offers a new interface set. It never blocks; if the input is
// backed up the oldest queued value is discarded.
func (d *Debouncer) Push(v []NetInterface) {
	for {
		select {
		case d.in <- v:
			return
		default:
		}
		select {
		case <-d.in:
		default:
		}
	}
}

// Run processes pushed values until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	var (
		timer      *time.Timer
		timerC     <-chan time.Time
		pending    []NetInterface
		hasPending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case v := <-d.in:
			if timerC == nil {
				d.deliver(v)
			} else {
				pending, hasPending = v, true
				timer.Stop()
			}
			timer = time.NewTimer(d.window)
			timerC = timer.C

		case <-timerC:
			timer, timerC = nil, nil
			if hasPending {
				d.deliver(pending)
				pending, hasPending = nil, false
			}
		}
	}
}

// Monitor watches the host interfaces and reports debounced changes.
type Monitor struct {
	filter    Filter
	debouncer *Debouncer
	log       logging.LeveledLogger
	enumerate func(Filter) ([]NetInterface, error)
	watch     func(ctx context.Context, onChange func()) error
}

// NewMonitor returns a monitor that calls onChange with the usable
// interfaces each time the debounced set changes.
func NewMonitor(filter Filter, window time.Duration, onChange func([]NetInterface), log logging.LeveledLogger) *Monitor {
	if window <= 0 {
		window = DefaultQuietWindow
	}
	return &Monitor{
		filter:    filter,
		debouncer: NewDebouncer(window, onChange),
		log:       log,
		enumerate: Enumerate,
		watch:     watchChanges,
	}
}

// Run emits the startup signal and then follows native change
// notifications until ctx is done. Without native support only the
// startup signal is sent.
func (m *Monitor) Run(ctx context.Context) {
	go m.debouncer.Run(ctx)
	m.changed()

	err := m.watch(ctx, m.changed)
	switch {
	case errors.Is(err, errNoWatcher):
		m.log.Info("no interface change notification on this platform, using startup signal only")
		<-ctx.Done()
	case err != nil && ctx.Err() == nil:
		m.log.Warnf("interface watcher stopped: %v", err)
		<-ctx.Done()
	}
}

func (m *Monitor) changed() {
	list, err := m.enumerate(m.filter)
	if err != nil {
		m.log.Warnf("enumerate interfaces: %v", err)
	}
	m.debouncer.Push(list)
}
