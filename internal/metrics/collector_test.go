package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"device-streaming/internal/apperr"
	"device-streaming/internal/clients"
	"device-streaming/internal/session"
	"device-streaming/internal/traffic"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	state   session.PublicState
	clients []clients.Client
	points  []traffic.Point
	total   uint64
}

func (f *fakeSource) State() session.PublicState { return f.state }
func (f *fakeSource) Clients() []clients.Client  { return f.clients }
func (f *fakeSource) Traffic() []traffic.Point   { return f.points }
func (f *fakeSource) BytesSent() uint64          { return f.total }

func TestCollectClients(t *testing.T) {
	src := &fakeSource{
		state: session.PublicState{State: session.Streaming, Streaming: true},
		clients: []clients.Client{
			{ID: 1, Transport: "mjpeg", BytesSent: 100},
			{ID: 2, Transport: "mjpeg", Slow: true, BytesSent: 50},
			{ID: 3, Transport: "rtsp", Disconnected: true, BytesSent: 10},
		},
	}

	expected := `
# HELP streaming_clients Viewers in the roster by transport and status
# TYPE streaming_clients gauge
streaming_clients{status="active",transport="mjpeg"} 1
streaming_clients{status="disconnected",transport="rtsp"} 1
streaming_clients{status="slow",transport="mjpeg"} 1
# HELP streaming_client_bytes_sent Bytes sent to viewers currently in the roster, by transport
# TYPE streaming_client_bytes_sent gauge
streaming_client_bytes_sent{transport="mjpeg"} 150
streaming_client_bytes_sent{transport="rtsp"} 10
`
	if err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected),
		"streaming_clients", "streaming_client_bytes_sent"); err != nil {
		t.Fatal(err)
	}
}

func TestCollectState(t *testing.T) {
	src := &fakeSource{
		state: session.PublicState{
			State: session.RecoverableError,
			Error: apperr.New(apperr.AddressNotFound, errors.New("gone")),
		},
		points: []traffic.Point{{Time: time.Now(), Bytes: 10}, {Time: time.Now(), Bytes: 42}},
		total:  52,
	}

	expected := `
# HELP streaming_session_error Error surfaced in the session state (always 1 when present)
# TYPE streaming_session_error gauge
streaming_session_error{code="address_not_found",kind="fixable"} 1
# HELP streaming_session_state Current session state (1 for the active state, 0 otherwise)
# TYPE streaming_session_state gauge
streaming_session_state{state="acquiring_permission"} 0
streaming_session_state{state="fatal_error"} 0
streaming_session_state{state="recoverable_error"} 1
streaming_session_state{state="stopped"} 0
streaming_session_state{state="streaming"} 0
# HELP streaming_traffic_last_sample_bytes Bytes sent in the most recent traffic sampling interval
# TYPE streaming_traffic_last_sample_bytes gauge
streaming_traffic_last_sample_bytes 42
# HELP streaming_bytes_sent_total Bytes sent to all viewers since the traffic history was last reset
# TYPE streaming_bytes_sent_total counter
streaming_bytes_sent_total 52
`
	if err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected),
		"streaming_session_error", "streaming_session_state",
		"streaming_traffic_last_sample_bytes", "streaming_bytes_sent_total"); err != nil {
		t.Fatal(err)
	}
}

func TestNoErrorMetricWhenHealthy(t *testing.T) {
	src := &fakeSource{state: session.PublicState{State: session.Stopped}}
	// Five states, interfaces, bytes total and last sample; no clients, no error.
	if n := testutil.CollectAndCount(NewCollector(src)); n != 8 {
		t.Fatalf("collected %d metrics, want 8", n)
	}
}

func TestRegistryGathers(t *testing.T) {
	reg := NewRegistry(&fakeSource{})
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "streaming_session_state" {
			found = true
		}
	}
	if !found {
		t.Fatal("session metrics missing from registry")
	}
}
