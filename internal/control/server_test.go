package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/logging"
	"device-streaming/internal/media"
	"device-streaming/internal/mjpeg"
	"device-streaming/internal/observe"
	"device-streaming/internal/session"
	"device-streaming/internal/traffic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	mu      sync.Mutex
	calls   []string
	pin     string
	granted media.Source

	state  *observe.Value[session.PublicState]
	roster *observe.Value[[]clients.Client]
	series *observe.Value[[]traffic.Point]
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  observe.NewValue(session.PublicState{State: session.Stopped}),
		roster: observe.NewValue[[]clients.Client](nil),
		series: observe.NewValue[[]traffic.Point](nil),
	}
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Start()   { f.record("start") }
func (f *fakeSession) Stop()    { f.record("stop") }
func (f *fakeSession) Recover() { f.record("recover") }
func (f *fakeSession) SetPin(pin string) {
	f.mu.Lock()
	f.pin = pin
	f.mu.Unlock()
	f.record("pin")
}
func (f *fakeSession) Pin() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pin, f.pin != ""
}
func (f *fakeSession) OnPermissionGranted(src media.Source) {
	f.mu.Lock()
	f.granted = src
	f.mu.Unlock()
	f.record("granted")
}
func (f *fakeSession) OnPermissionDenied()        { f.record("denied") }
func (f *fakeSession) State() session.PublicState { return f.state.Get() }
func (f *fakeSession) Clients() []clients.Client  { return f.roster.Get() }
func (f *fakeSession) Traffic() []traffic.Point   { return f.series.Get() }
func (f *fakeSession) Subscribe() (<-chan session.PublicState, func()) {
	return f.state.Subscribe()
}
func (f *fakeSession) SubscribeClients() (<-chan []clients.Client, func()) {
	return f.roster.Subscribe()
}
func (f *fakeSession) SubscribeTraffic() (<-chan []traffic.Point, func()) {
	return f.series.Subscribe()
}

type nopSource struct{}

func (nopSource) Start(func(media.Frame), func(error)) error { return nil }
func (nopSource) Stop() error                               { return nil }

func newTestServer(t *testing.T, opts Options) (*Server, *fakeSession, *httptest.Server) {
	t.Helper()
	sess := newFakeSession()
	s := NewServer(opts, sess, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.run(ctx, sess)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, sess, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestStateEndpoint(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{})
	sess.state.Publish(session.PublicState{State: session.Streaming, Streaming: true})

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "streaming" || got["isStreaming"] != true {
		t.Fatalf("state = %v", got)
	}
}

func TestCommands(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{})

	for _, path := range []string{"/api/start", "/api/stop", "/api/recover"} {
		if resp := post(t, ts.URL+path, ""); resp.StatusCode != http.StatusAccepted {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
	want := []string{"start", "stop", "recover"}
	got := sess.called()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestSetPin(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{})

	if resp := post(t, ts.URL+"/api/pin", `{"pin":"12ab"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad pin: status %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/pin", `{"pin":"4821"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("good pin: status %d", resp.StatusCode)
	}
	if pin, enabled := sess.Pin(); pin != "4821" || !enabled {
		t.Errorf("pin = %q %v", pin, enabled)
	}
	if resp := post(t, ts.URL+"/api/pin", `{"pin":""}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("clear pin: status %d", resp.StatusCode)
	}
	if _, enabled := sess.Pin(); enabled {
		t.Error("pin still enabled")
	}
}

func TestLongPinGatesViewerPages(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{})
	if resp := post(t, ts.URL+"/api/pin", `{"pin":"482193"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("six digit pin: status %d", resp.StatusCode)
	}

	viewer := mjpeg.NewServer(mjpeg.Options{Pin: sess.Pin}, clients.NewRegistry(clients.DefaultOptions()), logging.Discard())
	pages := httptest.NewServer(viewer.Handler())
	defer pages.Close()

	resp, err := http.Get(pages.URL + "/?pin=482193")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/stream.mjpeg?pin=482193") {
		t.Fatalf("index with pin: status %d body %s", resp.StatusCode, body)
	}

	resp, err = http.Get(pages.URL + "/pin")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `maxlength="8"`) {
		t.Errorf("pin form too short for the accepted PIN: %s", body)
	}
}

func TestPermission(t *testing.T) {
	var opened atomic.Int32
	_, sess, ts := newTestServer(t, Options{
		NewSource: func() (media.Source, error) {
			opened.Add(1)
			return nopSource{}, nil
		},
	})

	if resp := post(t, ts.URL+"/api/permission", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing field: status %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/permission", `{"granted":true}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("grant: status %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/permission", `{"granted":false}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deny: status %d", resp.StatusCode)
	}
	if n := opened.Load(); n != 1 {
		t.Errorf("source opened %d times", n)
	}
	if got := strings.Join(sess.called(), ","); got != "granted,denied" {
		t.Errorf("calls = %s", got)
	}
}

func TestPermissionSourceFailure(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{
		NewSource: func() (media.Source, error) { return nil, errors.New("no camera") },
	})
	if resp := post(t, ts.URL+"/api/permission", `{"granted":true}`); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(sess.called()) != 0 {
		t.Errorf("session called: %v", sess.called())
	}
}

func TestEventsFeed(t *testing.T) {
	_, sess, ts := newTestServer(t, Options{})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	next := func(typ string) json.RawMessage {
		t.Helper()
		for {
			var msg struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := ws.ReadJSON(&msg); err != nil {
				t.Fatalf("waiting for %s: %v", typ, err)
			}
			if msg.Type == typ {
				return msg.Payload
			}
		}
	}

	next("state")
	sess.roster.Publish([]clients.Client{{ID: 7, Address: "10.0.0.7:5000", Transport: "mjpeg"}})
	var roster []clients.Client
	for len(roster) == 0 {
		if err := json.Unmarshal(next("clients"), &roster); err != nil {
			t.Fatal(err)
		}
	}
	if len(roster) != 1 || roster[0].ID != 7 {
		t.Fatalf("roster = %+v", roster)
	}

	sess.state.Publish(session.PublicState{State: session.FatalError})
	var st map[string]interface{}
	for st["state"] != "fatal_error" {
		if err := json.Unmarshal(next("state"), &st); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "streaming_test_gauge", Help: "test"})
	g.Set(3)
	reg.MustRegister(g)
	_, _, ts := newTestServer(t, Options{Gatherer: reg, TelemetryPath: "/telemetry"})

	resp, err := http.Get(ts.URL + "/telemetry")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "streaming_test_gauge 3") {
		t.Fatalf("metrics body:\n%s", body)
	}
}
