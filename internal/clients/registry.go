// Package clients tracks connected viewers and publishes them as a roster.
package clients

import (
	"net"
	"sync"
	"time"

	"device-streaming/internal/observe"
)

// Client is one connected viewer as seen by observers.
type Client struct {
	ID           uint64    `json:"id"`
	Address      string    `json:"address"`
	Transport    string    `json:"transport"`
	Slow         bool      `json:"isSlowConnection"`
	Disconnected bool      `json:"isDisconnected"`
	Blocked      bool      `json:"isBlocked"`
	ConnectedAt  time.Time `json:"connectedAt"`
	BytesSent    uint64    `json:"bytesSent"`

	disconnectedAt time.Time
}

// Options tune the registry.
type Options struct {
	// DisconnectHold keeps a disconnected client in the roster for display.
	DisconnectHold time.Duration
	// MaxPinAttempts wrong PINs from one host before it is blocked.
	MaxPinAttempts int
	// BlockDuration is how long a host stays blocked.
	BlockDuration time.Duration
}

// DefaultOptions hold viewers for 5s after disconnect and block a host for 5m after 5 wrong PINs.
func DefaultOptions() Options {
	return Options{
		DisconnectHold: 5 * time.Second,
		MaxPinAttempts: 5,
		BlockDuration:  5 * time.Minute,
	}
}

type pinState struct {
	failures     int
	blockedUntil time.Time
}

// Registry owns every Client. Transports refer to clients by id only.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	nextID  uint64
	order   []*Client
	byID    map[uint64]*Client
	pending uint64 // bytes since the last Drain
	pins    map[string]*pinState
	now     func() time.Time

	roster *observe.Value[[]Client]
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts,
		byID:   make(map[uint64]*Client),
		pins:   make(map[string]*pinState),
		now:    time.Now,
		roster: observe.NewValue[[]Client](nil),
	}
}

// Connect registers a new client and returns its snapshot. Ids start at 1
// and are never reused.
func (r *Registry) Connect(address, transport string) Client {
	r.mu.Lock()
	r.nextID++
	c := &Client{
		ID:          r.nextID,
		Address:     address,
		Transport:   transport,
		ConnectedAt: r.now(),
		Blocked:     r.isBlockedLocked(hostOf(address)),
	}
	r.order = append(r.order, c)
	r.byID[c.ID] = c
	out := *c
	r.publishLocked()
	r.mu.Unlock()
	return out
}

// Disconnect marks the client disconnected. It stays visible until Prune.
func (r *Registry) Disconnect(id uint64) {
	r.update(id, func(c *Client) bool {
		if c.Disconnected {
			return false
		}
		c.Disconnected = true
		c.Slow = false
		c.disconnectedAt = r.now()
		return true
	})
}

// MarkSlow sets the slow flag. The roster is republished only on change.
func (r *Registry) MarkSlow(id uint64, slow bool) {
	r.update(id, func(c *Client) bool {
		if c.Slow == slow || c.Disconnected {
			return false
		}
		c.Slow = slow
		return true
	})
}

// SetBlocked sets the operator block flag.
func (r *Registry) SetBlocked(id uint64, blocked bool) {
	r.update(id, func(c *Client) bool {
		if c.Blocked == blocked {
			return false
		}
		c.Blocked = blocked
		return true
	})
}

func (r *Registry) update(id uint64, fn func(c *Client) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return
	}
	if fn(c) {
		r.publishLocked()
	}
}

// AddBytes accounts n bytes written to client id.
func (r *Registry) AddBytes(id uint64, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		c.BytesSent += uint64(n)
		r.pending += uint64(n)
	}
}

// Drain returns the bytes sent since the previous call.
func (r *Registry) Drain() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pending
	r.pending = 0
	return n
}

// Prune drops disconnected clients held longer than DisconnectHold.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.opts.DisconnectHold)
	kept := r.order[:0]
	removed := false
	for _, c := range r.order {
		if c.Disconnected && !c.disconnectedAt.After(cutoff) {
			delete(r.byID, c.ID)
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = nil
	}
	r.order = kept
	if removed {
		r.publishLocked()
	}
}

// Clear empties the registry and forgets PIN failures. Ids keep counting.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byID = make(map[uint64]*Client)
	r.pins = make(map[string]*pinState)
	r.pending = 0
	r.publishLocked()
}

// Get returns the snapshot of one client.
func (r *Registry) Get(id uint64) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Snapshot returns all clients in connection order.
func (r *Registry) Snapshot() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Active counts clients that are still connected.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.order {
		if !c.Disconnected {
			n++
		}
	}
	return n
}

// Subscribe streams roster snapshots after every change.
func (r *Registry) Subscribe() (<-chan []Client, func()) {
	return r.roster.Subscribe()
}

func (r *Registry) snapshotLocked() []Client {
	out := make([]Client, len(r.order))
	for i, c := range r.order {
		out[i] = *c
	}
	return out
}

func (r *Registry) publishLocked() {
	r.roster.Publish(r.snapshotLocked())
}

func hostOf(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}
