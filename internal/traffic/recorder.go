// Package traffic keeps a bounded bandwidth history for diagnostics.
package traffic

import (
	"sync"
	"time"

	"device-streaming/internal/observe"
)

// Point is one bandwidth sample: bytes sent in the interval ending at Time.
type Point struct {
	Time  time.Time `json:"time"`
	Bytes uint64    `json:"bytes"`
}

// Mbit returns the sample as megabits.
func (p Point) Mbit() float64 {
	return float64(p.Bytes) * 8 / 1_000_000
}

// Recorder is a fixed-capacity FIFO of Points.
type Recorder struct {
	mu    sync.Mutex
	ring  []Point
	head  int // index of the oldest point
	size  int
	total uint64
	now   func() time.Time

	series *observe.Value[[]Point]
}

// NewRecorder returns an empty recorder holding at most capacity points.
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{
		ring:   make([]Point, capacity),
		now:    time.Now,
		series: observe.NewValue[[]Point](nil),
	}
}

// Prefill records capacity zero points ending at the current time, spaced by
// interval, so a fresh graph starts with a full time axis.
func (r *Recorder) Prefill(interval time.Duration) {
	r.mu.Lock()
	now := r.now()
	c := len(r.ring)
	r.head, r.size = 0, 0
	for i := 0; i < c; i++ {
		r.push(Point{Time: now.Add(-time.Duration(c-1-i) * interval)})
	}
	snapshot := r.pointsLocked()
	r.mu.Unlock()

	r.series.Publish(snapshot)
}

// Record appends a point for bytes sent since the last sample.
func (r *Recorder) Record(bytes uint64) {
	r.mu.Lock()
	r.push(Point{Time: r.now(), Bytes: bytes})
	r.total += bytes
	snapshot := r.pointsLocked()
	r.mu.Unlock()

	r.series.Publish(snapshot)
}

func (r *Recorder) push(p Point) {
	c := len(r.ring)
	if r.size < c {
		r.ring[(r.head+r.size)%c] = p
		r.size++
		return
	}
	r.ring[r.head] = p
	r.head = (r.head + 1) % c
}

// Points returns the retained series, oldest first.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pointsLocked()
}

func (r *Recorder) pointsLocked() []Point {
	out := make([]Point, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.ring[(r.head+i)%len(r.ring)]
	}
	return out
}

// Len returns the number of retained points.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of retained points.
func (r *Recorder) Capacity() int { return len(r.ring) }

// TotalBytes returns the bytes recorded since creation or the last Reset.
func (r *Recorder) TotalBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset drops all points.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.head, r.size, r.total = 0, 0, 0
	r.mu.Unlock()

	r.series.Publish(nil)
}

// Subscribe streams series snapshots after every change.
func (r *Recorder) Subscribe() (<-chan []Point, func()) {
	return r.series.Subscribe()
}
