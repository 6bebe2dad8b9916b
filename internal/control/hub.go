package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// message is one event pushed to observers.
type message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type observer struct {
	conn *websocket.Conn
	hub  *hub
	send chan []byte
	id   string
}

// hub fans session events out to websocket observers. Only run touches
// the observer set.
type hub struct {
	log        logging.LeveledLogger
	observers  map[*observer]bool
	register   chan *observer
	unregister chan *observer
	done       chan struct{}
	seq        atomic.Uint64
}

func newHub(log logging.LeveledLogger) *hub {
	return &hub{
		log:        log,
		observers:  make(map[*observer]bool),
		register:   make(chan *observer),
		unregister: make(chan *observer),
		done:       make(chan struct{}),
	}
}

// run forwards state, roster and traffic changes until ctx is done. A new
// observer first receives the latest value of each.
func (h *hub) run(ctx context.Context, sess Session) {
	defer close(h.done)

	states, cancelStates := sess.Subscribe()
	defer cancelStates()
	roster, cancelRoster := sess.SubscribeClients()
	defer cancelRoster()
	series, cancelSeries := sess.SubscribeTraffic()
	defer cancelSeries()

	latest := make(map[string][]byte)
	order := []string{"state", "clients", "traffic"}

	for {
		select {
		case <-ctx.Done():
			for o := range h.observers {
				delete(h.observers, o)
				close(o.send)
			}
			return

		case o := <-h.register:
			h.observers[o] = true
			h.log.Debugf("observer %s connected (%d total)", o.id, len(h.observers))
			for _, typ := range order {
				if b, ok := latest[typ]; ok {
					h.deliver(o, b)
				}
			}

		case o := <-h.unregister:
			if h.observers[o] {
				delete(h.observers, o)
				close(o.send)
				h.log.Debugf("observer %s disconnected", o.id)
			}

		case st := <-states:
			h.broadcast(latest, "state", st)
		case cl := <-roster:
			h.broadcast(latest, "clients", cl)
		case pts := <-series:
			h.broadcast(latest, "traffic", pts)
		}
	}
}

func (h *hub) broadcast(latest map[string][]byte, typ string, payload interface{}) {
	b, err := json.Marshal(message{Type: typ, Payload: payload})
	if err != nil {
		h.log.Errorf("marshal %s event: %v", typ, err)
		return
	}
	latest[typ] = b
	for o := range h.observers {
		h.deliver(o, b)
	}
}

// deliver drops observers that cannot keep up.
func (h *hub) deliver(o *observer, b []byte) {
	select {
	case o.send <- b:
	default:
		h.log.Warnf("observer %s too slow, dropping", o.id)
		delete(h.observers, o)
		close(o.send)
	}
}

func (h *hub) attach(conn *websocket.Conn) {
	o := &observer{
		conn: conn,
		hub:  h,
		send: make(chan []byte, 64),
		id:   fmt.Sprintf("observer-%d", h.seq.Add(1)),
	}
	select {
	case h.register <- o:
	case <-h.done:
		conn.Close()
		return
	}
	go o.writePump()
	go o.readPump()
}

// readPump only watches for the peer going away.
func (o *observer) readPump() {
	defer func() {
		select {
		case o.hub.unregister <- o:
		case <-o.hub.done:
		}
		o.conn.Close()
	}()

	o.conn.SetReadLimit(4096)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				o.hub.log.Debugf("observer %s read: %v", o.id, err)
			}
			return
		}
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (o *observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
