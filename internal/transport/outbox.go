package transport

import (
	"context"
	"sync"
	"time"

	"device-streaming/internal/media"
)

// DropPolicy decides what a full Outbox gives up.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued packet.
	DropOldest DropPolicy = iota
	// DropToKeyFrame discards incoming non-keyframes and lets a keyframe
	// flush the queue, so the decoder restarts on a clean picture.
	DropToKeyFrame
)

// OutboxOptions configure one client queue.
type OutboxOptions struct {
	Capacity int
	Policy   DropPolicy
	// WriteBudget is the longest a single write may take before the
	// client is considered slow.
	WriteBudget time.Duration
	// RecoveryWrites consecutive on-time writes without drops clear the
	// slow flag.
	RecoveryWrites int
}

// DefaultOutboxOptions are used for MJPEG and WebRTC viewers.
func DefaultOutboxOptions() OutboxOptions {
	return OutboxOptions{
		Capacity:       5,
		Policy:         DropOldest,
		WriteBudget:    time.Second,
		RecoveryWrites: 30,
	}
}

// Outbox is a bounded per-client queue drained by one writer goroutine.
// Offer never blocks; order of delivered packets always matches order of
// offer.
type Outbox struct {
	opts   OutboxOptions
	onSlow func(slow bool)

	mu      sync.Mutex
	queue   []media.Packet
	closed  bool
	slow    bool
	onTime  int
	dropped uint64

	notify chan struct{}
	done   chan struct{}
}

// NewOutbox returns an Outbox calling onSlow whenever the slow flag flips.
func NewOutbox(opts OutboxOptions, onSlow func(slow bool)) *Outbox {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.RecoveryWrites < 1 {
		opts.RecoveryWrites = 1
	}
	if onSlow == nil {
		onSlow = func(bool) {}
	}
	return &Outbox{
		opts:   opts,
		onSlow: onSlow,
		queue:  make([]media.Packet, 0, opts.Capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Offer enqueues p, dropping per policy when the queue is full.
func (o *Outbox) Offer(p media.Packet) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	if len(o.queue) >= o.opts.Capacity {
		o.setSlowLocked(true)
		switch o.opts.Policy {
		case DropToKeyFrame:
			if !p.KeyFrame {
				o.dropped++
				o.mu.Unlock()
				return
			}
			o.dropped += uint64(len(o.queue))
			o.queue = o.queue[:0]
		default:
			o.dropped++
			copy(o.queue, o.queue[1:])
			o.queue = o.queue[:len(o.queue)-1]
		}
	}
	o.queue = append(o.queue, p)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Run writes queued packets in order until ctx is done, Close is called or
// write fails. The write error is returned so the owner can disconnect
// the client.
func (o *Outbox) Run(ctx context.Context, write func(media.Packet) error) error {
	defer close(o.done)
	for {
		p, ok := o.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.notify:
				if o.isClosed() {
					return nil
				}
				continue
			}
		}

		start := time.Now()
		if err := write(p); err != nil {
			return err
		}
		o.wrote(time.Since(start))
	}
}

// Close stops Run after the packet in flight, if any.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Slow reports the current slow flag.
func (o *Outbox) Slow() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slow
}

// Dropped returns how many packets were discarded.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Len returns the number of queued packets.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) pop() (media.Packet, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || len(o.queue) == 0 {
		return media.Packet{}, false
	}
	p := o.queue[0]
	copy(o.queue, o.queue[1:])
	o.queue[len(o.queue)-1] = media.Packet{}
	o.queue = o.queue[:len(o.queue)-1]
	return p, true
}

func (o *Outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Outbox) wrote(took time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opts.WriteBudget > 0 && took > o.opts.WriteBudget {
		o.setSlowLocked(true)
		return
	}
	o.onTime++
	if o.slow && o.onTime >= o.opts.RecoveryWrites {
		o.setSlowLocked(false)
	}
}

// setSlowLocked updates the flag and notifies on change. Marking slow
// always restarts the on-time count. onSlow runs under o.mu so flips are
// reported in the order they happen.
func (o *Outbox) setSlowLocked(slow bool) {
	if slow {
		o.onTime = 0
	}
	if o.slow == slow {
		return
	}
	o.slow = slow
	o.onSlow(slow)
}
