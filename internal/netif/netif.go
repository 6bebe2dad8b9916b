// Package netif enumerates usable network interfaces and reports changes.
package netif

import (
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/wlynxg/anet"
)

// NetInterface is an interface name with one resolved address.
type NetInterface struct {
	Name string     `json:"name"`
	Addr netip.Addr `json:"address"`
}

func (n NetInterface) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Addr)
}

// Filter selects which addresses are usable for serving.
type Filter struct {
	IPv4          bool
	IPv6          bool
	Localhost     bool
	LocalhostOnly bool
	// Names restricts enumeration to these interfaces when non-empty.
	Names []string
}

// DefaultFilter serves on non-loopback IPv4 addresses.
func DefaultFilter() Filter {
	return Filter{IPv4: true}
}

func (f Filter) allows(name string, addr netip.Addr) bool {
	if len(f.Names) > 0 {
		found := false
		for _, n := range f.Names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if addr.Is4() && !f.IPv4 || addr.Is6() && !f.IPv6 {
		return false
	}
	if addr.IsLoopback() {
		return f.Localhost || f.LocalhostOnly
	}
	if f.LocalhostOnly {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	return true
}

// Enumerate lists the addresses of up interfaces that pass the filter,
// ordered by interface name then address.
func Enumerate(f Filter) ([]NetInterface, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []NetInterface
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := anet.InterfaceAddrsByInterface(ifi)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if f.allows(ifi.Name, addr) {
				out = append(out, NetInterface{Name: ifi.Name, Addr: addr})
			}
		}
	}
	Sort(out)
	return out, nil
}

// Sort orders interfaces by name then address.
func Sort(list []NetInterface) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Addr.Less(list[j].Addr)
	})
}

// Equal reports whether two sorted lists hold the same interfaces.
func Equal(a, b []NetInterface) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Contains reports whether addr is present in list.
func Contains(list []NetInterface, addr netip.Addr) bool {
	for _, n := range list {
		if n.Addr == addr {
			return true
		}
	}
	return false
}
