// Package session owns the streaming lifecycle. A single event loop is the
// only writer of session state: it binds the frame source, opens and closes
// transports, reacts to connectivity and transport failures, and publishes
// an immutable PublicState after every transition.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"device-streaming/internal/apperr"
	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
	"device-streaming/internal/observe"
	"device-streaming/internal/traffic"
	"device-streaming/internal/transport"

	"github.com/pion/logging"
)

// Options configure a Machine.
type Options struct {
	Encoder    media.Encoder
	Transports []transport.Transport
	Filter     netif.Filter
	// TrafficInterval is the bandwidth sampling cadence.
	TrafficInterval time.Duration
	// AddressRetries is how many times discovery is repeated before
	// AddressNotFound is raised.
	AddressRetries    int
	AddressRetryDelay time.Duration
	Pin               string
	// FrameQueue bounds the frames of one track waiting for the session
	// loop.
	FrameQueue int
}

// DefaultOptions samples traffic every second and retries discovery three times.
func DefaultOptions() Options {
	return Options{
		Filter:            netif.DefaultFilter(),
		TrafficInterval:   time.Second,
		AddressRetries:    3,
		AddressRetryDelay: time.Second,
		FrameQueue:        64,
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evPermissionGranted
	evPermissionDenied
	evConnectivity
	evTransportError
	evSourceError
	evCaptureRevoked
	evRecover
	evStop
	evToggle
	evDiscover
	evSetPin
)

type event struct {
	kind     eventKind
	gen      uint64
	checkGen bool
	source   media.Source
	ifaces   []netif.NetInterface
	err      error
	pin      string
}

// Machine is the session state machine. All exported methods are safe for
// concurrent use and return without waiting for the transition.
type Machine struct {
	opts      Options
	log       logging.LeveledLogger
	reg       *clients.Registry
	traffic   *traffic.Recorder
	enumerate func(netif.Filter) ([]netif.NetInterface, error)
	pin       atomic.Pointer[string]
	public    *observe.Value[PublicState]

	qmu        sync.Mutex
	queue      []event
	wake       chan struct{}
	frames     *frameQueue
	frameReady chan struct{}
	// Frames shed by the frame queue, summed by sample.
	droppedFrames atomic.Uint64

	// Owned by the Run goroutine.
	ctx           context.Context
	state         State
	busy          bool
	err           *apperr.Error
	source        media.Source
	sourceStarted bool
	sourceGen     uint64
	ifaces        []netif.NetInterface
	bound         []netif.NetInterface
	open          []transport.Transport
	gen           uint64
	attempts      int
	retry         *time.Timer
	slow          int
	published     PublicState
}

// New returns a stopped Machine. It does nothing until Run is called.
func New(opts Options, reg *clients.Registry, rec *traffic.Recorder, lf logging.LoggerFactory) *Machine {
	def := DefaultOptions()
	if opts.TrafficInterval <= 0 {
		opts.TrafficInterval = def.TrafficInterval
	}
	if opts.AddressRetryDelay <= 0 {
		opts.AddressRetryDelay = def.AddressRetryDelay
	}
	if opts.AddressRetries < 0 {
		opts.AddressRetries = 0
	}
	if opts.FrameQueue <= 0 {
		opts.FrameQueue = def.FrameQueue
	}
	if opts.Encoder == nil {
		opts.Encoder = media.NewEncoder(0)
	}

	m := &Machine{
		opts:       opts,
		log:        lf.NewLogger("session"),
		reg:        reg,
		traffic:    rec,
		enumerate:  netif.Enumerate,
		public:     observe.NewValue(PublicState{State: Stopped}),
		wake:       make(chan struct{}, 1),
		frames:     newFrameQueue(opts.FrameQueue),
		frameReady: make(chan struct{}, 1),
		ctx:        context.Background(),
	}
	pin := opts.Pin
	m.pin.Store(&pin)
	m.published = m.public.Get()
	if rec.Len() == 0 {
		rec.Prefill(opts.TrafficInterval)
	}
	return m
}

// Run processes events until ctx is done, then tears the session down.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	ticker := time.NewTicker(m.opts.TrafficInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stop()
			return ctx.Err()
		case <-m.wake:
			for _, ev := range m.drain() {
				m.handle(ev)
			}
		case <-m.frameReady:
			for _, f := range m.takeFrames() {
				m.frame(f)
			}
		case <-ticker.C:
			m.sample()
		}
	}
}

// Start moves a stopped session to AcquiringPermission.
func (m *Machine) Start() { m.post(event{kind: evStart}) }

// OnPermissionGranted binds src and starts serving.
func (m *Machine) OnPermissionGranted(src media.Source) {
	m.post(event{kind: evPermissionGranted, source: src})
}

func (m *Machine) OnPermissionDenied() { m.post(event{kind: evPermissionDenied}) }

// OnConnectivityChanged reports the current usable interfaces.
func (m *Machine) OnConnectivityChanged(ifaces []netif.NetInterface) {
	list := make([]netif.NetInterface, len(ifaces))
	copy(list, ifaces)
	netif.Sort(list)
	m.post(event{kind: evConnectivity, ifaces: list})
}

// OnTransportError reports a failure of a shared transport resource.
func (m *Machine) OnTransportError(err error) {
	m.post(event{kind: evTransportError, err: err})
}

// OnCaptureRevoked reports that the source lost its capture authorization.
func (m *Machine) OnCaptureRevoked() { m.post(event{kind: evCaptureRevoked}) }

// Recover retries after a Fixable error.
func (m *Machine) Recover() { m.post(event{kind: evRecover}) }

// Stop tears the session down from any state.
func (m *Machine) Stop() { m.post(event{kind: evStop}) }

// Toggle stops a streaming session or starts a stopped one.
func (m *Machine) Toggle() { m.post(event{kind: evToggle}) }

// SetPin replaces the pairing PIN. An empty PIN disables the check.
// Viewers attached under the old PIN are disconnected.
func (m *Machine) SetPin(pin string) { m.post(event{kind: evSetPin, pin: pin}) }

// Pin returns the pairing PIN and whether it is required.
func (m *Machine) Pin() (string, bool) {
	pin := *m.pin.Load()
	return pin, pin != ""
}

// OnFrame hands a captured frame to the session. It never blocks. Frames
// are delivered in arrival order; when a track falls Options.FrameQueue
// frames behind, its backlog is shed at the next keyframe.
func (m *Machine) OnFrame(f media.Frame) {
	m.qmu.Lock()
	m.frames.push(f)
	m.qmu.Unlock()
	select {
	case m.frameReady <- struct{}{}:
	default:
	}
}

// State returns the latest PublicState.
func (m *Machine) State() PublicState { return m.public.Get() }

// Subscribe streams PublicState changes in order, skipping values a slow
// reader missed.
func (m *Machine) Subscribe() (<-chan PublicState, func()) { return m.public.Subscribe() }

// Clients returns the current roster.
func (m *Machine) Clients() []clients.Client { return m.reg.Snapshot() }

// Traffic returns the retained bandwidth series.
func (m *Machine) Traffic() []traffic.Point { return m.traffic.Points() }

func (m *Machine) post(ev event) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) drain() []event {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func (m *Machine) takeFrames() []media.Frame {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return m.frames.take()
}

func (m *Machine) takeDroppedFrames() uint64 {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return m.frames.takeDropped()
}

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evStart:
		m.start()
	case evPermissionGranted:
		m.permissionGranted(ev.source)
	case evPermissionDenied:
		if m.state != AcquiringPermission {
			return
		}
		m.fail(apperr.New(apperr.CaptureFailure, fmt.Errorf("%w: permission denied", media.ErrCapture)))
	case evConnectivity:
		m.connectivity(ev.ifaces)
	case evTransportError:
		if ev.checkGen && ev.gen != m.gen {
			m.log.Debugf("ignoring error from a closed binding: %v", ev.err)
			return
		}
		if m.state != Streaming {
			return
		}
		m.fail(apperr.Classify(ev.err))
	case evSourceError:
		if ev.gen != m.sourceGen || !m.sourceStarted {
			return
		}
		m.sourceStarted = false
		m.releaseSource()
		m.fail(apperr.Classify(ev.err))
	case evCaptureRevoked:
		if m.source == nil {
			return
		}
		m.releaseSource()
		m.fail(apperr.New(apperr.CaptureAuthorizationRevoked, media.ErrCaptureRevoked))
	case evRecover:
		m.recover()
	case evStop:
		m.stop()
	case evToggle:
		switch m.state {
		case Stopped:
			m.start()
		case Streaming:
			m.stop()
		}
	case evDiscover:
		if ev.gen != m.gen || m.retry == nil || m.source == nil {
			return
		}
		m.retry = nil
		m.discover()
	case evSetPin:
		m.setPin(ev.pin)
	}
}

func (m *Machine) start() {
	if m.state != Stopped {
		m.log.Debugf("start ignored in state %s", m.state)
		return
	}
	m.state = AcquiringPermission
	m.log.Info("waiting for capture permission")
	m.publish()
}

func (m *Machine) permissionGranted(src media.Source) {
	if m.state != AcquiringPermission || m.source != nil || src == nil {
		m.log.Warnf("permission grant ignored in state %s", m.state)
		return
	}
	m.source = src
	m.attempts = 0
	m.discover()
}

// discover enumerates usable addresses, retrying before giving up.
func (m *Machine) discover() {
	ifaces, err := m.enumerate(m.opts.Filter)
	if err != nil {
		m.log.Warnf("enumerate interfaces: %v", err)
	}
	if len(ifaces) > 0 {
		m.attempts = 0
		m.bind(ifaces)
		return
	}

	if m.attempts < m.opts.AddressRetries {
		m.attempts++
		m.log.Debugf("no usable address, retry %d/%d", m.attempts, m.opts.AddressRetries)
		m.busy = true
		gen := m.gen
		m.retry = time.AfterFunc(m.opts.AddressRetryDelay, func() {
			m.post(event{kind: evDiscover, gen: gen})
		})
		m.publish()
		return
	}
	m.attempts = 0
	m.ifaces = nil
	m.fail(apperr.New(apperr.AddressNotFound, apperr.ErrAddressNotFound))
}

// bind releases any previous binding, opens every transport on ifaces and
// starts the source. Open failures are combined so a Fatal one wins.
func (m *Machine) bind(ifaces []netif.NetInterface) {
	m.stopRetry()
	m.closeTransports()
	m.busy = true
	m.ifaces = ifaces
	m.publish()

	gen := m.gen
	var failure *apperr.Error
	for _, t := range m.opts.Transports {
		name := t.Name()
		onError := func(err error) {
			m.post(event{kind: evTransportError, gen: gen, checkGen: true, err: fmt.Errorf("%s: %w", name, err)})
		}
		if err := t.Open(m.ctx, ifaces, onError); err != nil {
			m.log.Errorf("open %s: %v", name, err)
			if e := apperr.Classify(err); apperr.Supersedes(e, failure) {
				failure = e
			}
			continue
		}
		m.open = append(m.open, t)
	}
	if failure != nil {
		m.fail(failure)
		return
	}
	m.bound = ifaces

	if err := m.startSource(); err != nil {
		m.fail(apperr.Classify(err))
		return
	}

	m.state = Streaming
	m.err = nil
	m.busy = false
	m.log.Infof("streaming on %v", ifaces)
	m.publish()
}

func (m *Machine) startSource() error {
	if m.source == nil || m.sourceStarted {
		return nil
	}
	m.sourceGen++
	gen := m.sourceGen
	err := m.source.Start(m.OnFrame, func(err error) {
		m.post(event{kind: evSourceError, gen: gen, err: err})
	})
	if err != nil {
		m.source = nil
		return fmt.Errorf("start capture: %w", err)
	}
	m.sourceStarted = true
	return nil
}

// releaseSource stops the source; a new permission grant is needed after.
func (m *Machine) releaseSource() {
	if m.source == nil {
		return
	}
	if m.sourceStarted {
		m.sourceGen++
		if err := m.source.Stop(); err != nil {
			m.log.Warnf("stop capture: %v", err)
		}
		m.sourceStarted = false
	}
	m.source = nil
}

// closeTransports releases the current binding. Errors raised by the old
// binding after this point are ignored.
func (m *Machine) closeTransports() {
	m.gen++
	for i := len(m.open) - 1; i >= 0; i-- {
		if err := m.open[i].Close(); err != nil {
			m.log.Warnf("close %s: %v", m.open[i].Name(), err)
		}
	}
	m.open = nil
	m.bound = nil
}

func (m *Machine) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// fail surfaces e. A Fatal error tears everything down and clears client
// and traffic history; a Fixable one only closes the transports.
func (m *Machine) fail(e *apperr.Error) {
	if m.state == Stopped || m.state == FatalError {
		m.log.Debugf("dropping %v in state %s", e, m.state)
		return
	}
	if m.err != nil && !apperr.Supersedes(e, m.err) {
		return
	}
	m.stopRetry()
	m.err = e
	m.busy = false

	if e.Kind() == apperr.Fatal {
		m.log.Errorf("session failed: %v", e)
		m.closeTransports()
		m.releaseSource()
		m.reg.Clear()
		m.traffic.Reset()
		m.traffic.Prefill(m.opts.TrafficInterval)
		m.state = FatalError
	} else {
		m.log.Warnf("session paused: %v", e)
		m.closeTransports()
		m.state = RecoverableError
	}
	m.publish()
}

func (m *Machine) connectivity(list []netif.NetInterface) {
	switch m.state {
	case Stopped, FatalError:
		return

	case AcquiringPermission:
		m.ifaces = list
		if m.retry != nil && len(list) > 0 {
			m.stopRetry()
			m.bind(list)
			return
		}
		m.publish()

	case Streaming:
		if netif.Equal(list, m.bound) {
			return
		}
		if lost := missing(m.bound, list); len(lost) > 0 {
			m.ifaces = list
			m.fail(apperr.New(apperr.AddressNotFound, fmt.Errorf("%w: %v gone", apperr.ErrAddressNotFound, lost)))
			if len(list) > 0 {
				m.bind(list)
			}
			return
		}
		m.log.Infof("interfaces changed to %v, rebinding", list)
		m.bind(list)

	case RecoverableError:
		m.ifaces = list
		if len(list) > 0 && m.source != nil && m.retry == nil {
			switch m.err.Code {
			case apperr.AddressNotFound, apperr.AddressInUse:
				m.bind(list)
				return
			}
		}
		m.publish()
	}
}

func (m *Machine) recover() {
	if m.state != RecoverableError {
		return
	}
	m.stopRetry()
	if m.source == nil {
		m.state = AcquiringPermission
		m.publish()
		return
	}
	m.attempts = 0
	m.discover()
}

func (m *Machine) stop() {
	m.stopRetry()
	m.closeTransports()
	m.releaseSource()
	m.reg.Clear()
	if m.state != Stopped {
		m.log.Info("stopped")
	}
	m.state = Stopped
	m.err = nil
	m.busy = false
	m.ifaces = nil
	m.publish()
}

func (m *Machine) setPin(pin string) {
	if old := *m.pin.Load(); old == pin {
		return
	}
	m.pin.Store(&pin)
	if m.state == Streaming {
		m.log.Info("pairing PIN changed, reconnecting viewers")
		m.bind(m.ifaces)
	}
}

func (m *Machine) frame(f media.Frame) {
	if m.state != Streaming {
		return
	}
	p, err := m.opts.Encoder.Encode(f)
	if err != nil {
		m.fail(apperr.Classify(fmt.Errorf("encode track %d: %w", f.Track, err)))
		return
	}
	for _, t := range m.open {
		t.SendFrame(p)
	}
}

// sample records one traffic point and reports newly slow viewers.
func (m *Machine) sample() {
	switch m.state {
	case Streaming, RecoverableError:
		m.traffic.Record(m.reg.Drain())
	default:
		m.reg.Drain()
	}
	m.reg.Prune()

	if n := m.takeDroppedFrames(); n > 0 {
		m.droppedFrames.Add(n)
		m.log.Warnf("dropped %d frame(s) the session could not keep up with", n)
	}

	slow := 0
	for _, c := range m.reg.Snapshot() {
		if c.Slow && !c.Disconnected {
			slow++
		}
	}
	if slow > m.slow {
		m.log.Warnf("%d viewer(s) cannot keep up with the stream", slow)
	}
	m.slow = slow
}

func missing(old, current []netif.NetInterface) []netif.NetInterface {
	var out []netif.NetInterface
	for _, n := range old {
		if !netif.Contains(current, n.Addr) {
			out = append(out, n)
		}
	}
	return out
}

// DroppedFrames returns how many captured frames were shed because the
// session fell behind the source.
func (m *Machine) DroppedFrames() uint64 { return m.droppedFrames.Load() }

// BytesSent returns the bytes recorded since the traffic history was last reset.
func (m *Machine) BytesSent() uint64 { return m.traffic.TotalBytes() }

// SubscribeClients streams roster snapshots.
func (m *Machine) SubscribeClients() (<-chan []clients.Client, func()) { return m.reg.Subscribe() }

// SubscribeTraffic streams traffic series snapshots.
func (m *Machine) SubscribeTraffic() (<-chan []traffic.Point, func()) { return m.traffic.Subscribe() }
