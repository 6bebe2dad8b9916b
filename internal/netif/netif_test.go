package netif

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

type delivery struct {
	at    time.Duration
	value []NetInterface
}

func iface(name, addr string) []NetInterface {
	return []NetInterface{{Name: name, Addr: netip.MustParseAddr(addr)}}
}

// A burst at 0/50/80ms is delivered once immediately and once when the
// quiet window after the last burst event ends; an event at 400ms starts a
// new burst and is delivered immediately.
func TestDebouncerBurst(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	var (
		mu    sync.Mutex
		got   []delivery
		start = time.Now()
	)
	d := NewDebouncer(250*time.Millisecond, func(v []NetInterface) {
		mu.Lock()
		got = append(got, delivery{at: time.Since(start), value: v})
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	pushAt := func(at time.Duration, v []NetInterface) {
		time.Sleep(time.Until(start.Add(at)))
		d.Push(v)
	}
	pushAt(0, iface("wlan0", "192.168.1.2"))
	pushAt(50*time.Millisecond, iface("wlan0", "192.168.1.3"))
	pushAt(80*time.Millisecond, iface("wlan0", "192.168.1.4"))
	pushAt(400*time.Millisecond, iface("eth0", "10.0.0.2"))
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %+v", len(got), got)
	}
	if got[0].at > 60*time.Millisecond || got[0].value[0].Addr.String() != "192.168.1.2" {
		t.Errorf("first delivery %+v, want immediate 192.168.1.2", got[0])
	}
	if got[1].at < 280*time.Millisecond || got[1].at > 395*time.Millisecond {
		t.Errorf("second delivery at %v, want end of quiet window (~330ms)", got[1].at)
	}
	if got[1].value[0].Addr.String() != "192.168.1.4" {
		t.Errorf("second delivery carried %v, want the set current at 80ms", got[1].value)
	}
	if got[2].at < 395*time.Millisecond || got[2].at > 480*time.Millisecond {
		t.Errorf("third delivery at %v, want ~400ms", got[2].at)
	}
	if got[2].value[0].Name != "eth0" {
		t.Errorf("third delivery carried %v", got[2].value)
	}
}

func TestMonitorStartupSignalOnly(t *testing.T) {
	calls := make(chan []NetInterface, 4)
	m := NewMonitor(DefaultFilter(), 10*time.Millisecond, func(v []NetInterface) { calls <- v },
		logging.NewDefaultLoggerFactory().NewLogger("netif"))
	m.enumerate = func(Filter) ([]NetInterface, error) { return iface("eth0", "10.0.0.9"), nil }
	m.watch = func(context.Context, func()) error { return errNoWatcher }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case v := <-calls:
		if len(v) != 1 || v[0].Name != "eth0" {
			t.Errorf("startup signal carried %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no startup signal")
	}

	select {
	case v := <-calls:
		t.Fatalf("unexpected second signal %v", v)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestFilter(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		iface  string
		addr   string
		want   bool
	}{
		{"ipv4 default", DefaultFilter(), "eth0", "192.168.0.10", true},
		{"ipv6 excluded by default", DefaultFilter(), "eth0", "2001:db8::1", false},
		{"ipv6 enabled", Filter{IPv6: true}, "eth0", "2001:db8::1", true},
		{"loopback excluded", DefaultFilter(), "lo", "127.0.0.1", false},
		{"loopback included", Filter{IPv4: true, Localhost: true}, "lo", "127.0.0.1", true},
		{"localhost only rejects lan", Filter{IPv4: true, LocalhostOnly: true}, "eth0", "192.168.0.10", false},
		{"link local", Filter{IPv6: true}, "eth0", "fe80::1", false},
		{"name restriction", Filter{IPv4: true, Names: []string{"wlan0"}}, "eth0", "192.168.0.10", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.allows(tc.iface, netip.MustParseAddr(tc.addr)); got != tc.want {
				t.Errorf("allows = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSortEqualContains(t *testing.T) {
	a := []NetInterface{
		{Name: "wlan0", Addr: netip.MustParseAddr("192.168.1.2")},
		{Name: "eth0", Addr: netip.MustParseAddr("10.0.0.2")},
	}
	b := []NetInterface{a[1], a[0]}
	Sort(a)
	Sort(b)
	if !Equal(a, b) {
		t.Fatalf("sorted lists differ: %v vs %v", a, b)
	}
	if a[0].Name != "eth0" {
		t.Errorf("sort order wrong: %v", a)
	}
	if !Contains(a, netip.MustParseAddr("192.168.1.2")) || Contains(a, netip.MustParseAddr("1.1.1.1")) {
		t.Error("Contains mismatch")
	}
}
