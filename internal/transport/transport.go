// Package transport holds what every delivery strategy shares: the send
// contract, per-client queues with slow detection, and listener binding.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"device-streaming/internal/apperr"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
)

// Transport delivers encoded packets to its viewers.
//
// Open binds the shared listening resources on the given interfaces.
// Failures of those resources after Open returns are reported through
// onError; per-client failures never are. SendFrame must not block
// beyond enqueueing. Close releases everything Open acquired and
// disconnects all viewers.
type Transport interface {
	Name() string
	Open(ctx context.Context, ifaces []netif.NetInterface, onError func(error)) error
	SendFrame(p media.Packet)
	Close() error
}

// Listen binds a TCP listener on port for every distinct interface
// address. On any failure the listeners already bound are closed.
func Listen(ctx context.Context, ifaces []netif.NetInterface, port int) ([]net.Listener, error) {
	if len(ifaces) == 0 {
		return nil, apperr.ErrAddressNotFound
	}

	var lc net.ListenConfig
	seen := make(map[netip.Addr]bool)
	var listeners []net.Listener
	for _, ifi := range ifaces {
		if seen[ifi.Addr] {
			continue
		}
		seen[ifi.Addr] = true

		addr := net.JoinHostPort(ifi.Addr.String(), strconv.Itoa(port))
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			CloseAll(listeners)
			return nil, fmt.Errorf("listen %s on %s: %w", addr, ifi.Name, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// CloseAll closes every listener and returns the first error.
func CloseAll(listeners []net.Listener) error {
	var first error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) && first == nil {
			first = err
		}
	}
	return first
}
