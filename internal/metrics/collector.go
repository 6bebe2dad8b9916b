// Package metrics exposes the session as Prometheus metrics.
package metrics

import (
	"device-streaming/internal/clients"
	"device-streaming/internal/session"
	"device-streaming/internal/traffic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Source is what the collector reads on every scrape.
type Source interface {
	State() session.PublicState
	Clients() []clients.Client
	Traffic() []traffic.Point
	BytesSent() uint64
}

var states = []session.State{
	session.Stopped,
	session.AcquiringPermission,
	session.Streaming,
	session.RecoverableError,
	session.FatalError,
}

// Collector turns session snapshots into const metrics at scrape time.
type Collector struct {
	src Source

	sessionState *prometheus.Desc
	sessionError *prometheus.Desc
	interfaces   *prometheus.Desc
	clients      *prometheus.Desc
	clientBytes  *prometheus.Desc
	bytesSent    *prometheus.Desc
	lastSample   *prometheus.Desc
}

// NewCollector returns a collector reading from src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		sessionState: prometheus.NewDesc(
			"streaming_session_state",
			"Current session state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		sessionError: prometheus.NewDesc(
			"streaming_session_error",
			"Error surfaced in the session state (always 1 when present)",
			[]string{"kind", "code"}, nil,
		),
		interfaces: prometheus.NewDesc(
			"streaming_network_interfaces",
			"Number of interface addresses the session serves on",
			nil, nil,
		),
		clients: prometheus.NewDesc(
			"streaming_clients",
			"Viewers in the roster by transport and status",
			[]string{"transport", "status"}, nil,
		),
		clientBytes: prometheus.NewDesc(
			"streaming_client_bytes_sent",
			"Bytes sent to viewers currently in the roster, by transport",
			[]string{"transport"}, nil,
		),
		bytesSent: prometheus.NewDesc(
			"streaming_bytes_sent_total",
			"Bytes sent to all viewers since the traffic history was last reset",
			nil, nil,
		),
		lastSample: prometheus.NewDesc(
			"streaming_traffic_last_sample_bytes",
			"Bytes sent in the most recent traffic sampling interval",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionState
	ch <- c.sessionError
	ch <- c.interfaces
	ch <- c.clients
	ch <- c.clientBytes
	ch <- c.bytesSent
	ch <- c.lastSample
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.State()
	for _, s := range states {
		v := 0.0
		if st.State == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.sessionState, prometheus.GaugeValue, v, s.String())
	}
	if st.Error != nil {
		ch <- prometheus.MustNewConstMetric(c.sessionError, prometheus.GaugeValue, 1,
			st.Error.Kind().String(), st.Error.Code.String())
	}
	ch <- prometheus.MustNewConstMetric(c.interfaces, prometheus.GaugeValue, float64(len(st.NetInterfaces)))

	type key struct{ transport, status string }
	counts := make(map[key]float64)
	bytes := make(map[string]float64)
	for _, cl := range c.src.Clients() {
		counts[key{cl.Transport, status(cl)}]++
		bytes[cl.Transport] += float64(cl.BytesSent)
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, n, k.transport, k.status)
	}
	for t, b := range bytes {
		ch <- prometheus.MustNewConstMetric(c.clientBytes, prometheus.GaugeValue, b, t)
	}

	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(c.src.BytesSent()))
	last := 0.0
	if pts := c.src.Traffic(); len(pts) > 0 {
		last = float64(pts[len(pts)-1].Bytes)
	}
	ch <- prometheus.MustNewConstMetric(c.lastSample, prometheus.GaugeValue, last)
}

func status(c clients.Client) string {
	switch {
	case c.Disconnected:
		return "disconnected"
	case c.Blocked:
		return "blocked"
	case c.Slow:
		return "slow"
	default:
		return "active"
	}
}

// NewRegistry returns a private registry holding the session collector and
// the Go runtime collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
