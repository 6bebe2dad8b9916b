package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/transport"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

const publicMethods = "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN, GET_PARAMETER"

// rtpTransport routes marshalled RTP and RTCP packets to one client.
type rtpTransport interface {
	SendRTP(track int, packets [][]byte) (int, error)
	SendRTCP(track int, packet []byte) error
	Close() error
}

type track struct {
	id     int
	pk     *Packetizer
	box    *transport.Outbox
	synced bool
}

// conn is one RTSP control connection and the session it negotiates.
type conn struct {
	srv    *Server
	nc     net.Conn
	br     *bufio.Reader
	iw     *InterleavedWriter
	log    logging.LeveledLogger
	client clients.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session string
	tcp     bool
	rtpt    rtpTransport
	tracks  map[int]*track
	playing bool
	slow    map[int]bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (c *conn) serve() {
	defer c.close()
	c.log.Debugf("client %d connected from %s", c.client.ID, c.client.Address)

	c.wg.Add(1)
	go c.reportLoop()

	for {
		c.armReadDeadline()
		req, err := readRequest(c.br)
		if err != nil {
			if errors.Is(err, errMalformed) {
				c.write(newResponse(400), "")
			}
			return
		}
		resp := c.handle(req)
		if err := c.write(resp, req.CSeq()); err != nil {
			return
		}
		switch {
		case req.Method == "TEARDOWN":
			return
		case req.Method == "PLAY" && resp.Status == 200:
			// RTP may only follow the PLAY response.
			c.mu.Lock()
			c.playing = true
			c.mu.Unlock()
		}
	}
}

// armReadDeadline enforces the session timeout, except for interleaved
// sessions that are playing, whose liveness shows in the writes.
func (c *conn) armReadDeadline() {
	c.mu.Lock()
	exempt := c.playing && c.tcp
	c.mu.Unlock()
	if exempt {
		_ = c.nc.SetReadDeadline(time.Time{})
		return
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.SessionTimeout))
}

func (c *conn) write(r *Response, cseq string) error {
	return c.iw.WriteMessage(r.marshal(cseq))
}

func (c *conn) handle(req *Request) *Response {
	switch req.Method {
	case "OPTIONS":
		r := newResponse(200)
		r.Header["Public"] = publicMethods
		return r
	case "DESCRIBE":
		return c.describe(req)
	case "SETUP":
		return c.setup(req)
	case "PLAY":
		return c.play(req)
	case "PAUSE":
		return c.pause(req)
	case "TEARDOWN":
		r := newResponse(200)
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
		return r
	case "GET_PARAMETER", "SET_PARAMETER":
		if r := c.checkSession(req); r != nil {
			return r
		}
		return c.withSession(newResponse(200))
	default:
		r := newResponse(405)
		r.Header["Allow"] = publicMethods
		return r
	}
}

// pathOf returns the request path without a trailing slash.
func pathOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return strings.TrimSuffix(u.Path, "/"), true
}

func (c *conn) describe(req *Request) *Response {
	p, ok := pathOf(req.URL)
	if !ok || p != c.srv.opts.Path {
		return newResponse(404)
	}

	host, _, err := net.SplitHostPort(c.nc.LocalAddr().String())
	if err != nil {
		host = c.nc.LocalAddr().String()
	}
	sps, pps := c.srv.parameterSets()
	body, err := describe(host, c.srv.opts.Codecs, sps, pps)
	if err != nil {
		c.log.Errorf("build sdp: %v", err)
		return newResponse(500)
	}

	r := newResponse(200)
	r.Header["Content-Type"] = "application/sdp"
	r.Header["Content-Base"] = strings.TrimSuffix(req.URL, "/") + "/"
	r.Body = body
	return r
}

func (c *conn) setup(req *Request) *Response {
	p, ok := pathOf(req.URL)
	if !ok || !strings.HasPrefix(p, c.srv.opts.Path) {
		return newResponse(404)
	}
	id, ok := trackFromURL(req.URL)
	if !ok || id >= len(c.srv.opts.Codecs) {
		return newResponse(400)
	}
	spec, err := parseTransport(req.Header.Get("Transport"))
	if err != nil || spec.Multicast || (!spec.TCP && !c.srv.opts.AllowUDP) {
		return newResponse(461)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := req.Session(); s != "" && s != c.session {
		return newResponse(454)
	}
	if c.playing {
		return newResponse(455)
	}
	if c.rtpt != nil && c.tcp != spec.TCP {
		return newResponse(461)
	}

	t, err := c.trackLocked(id)
	if err != nil {
		c.log.Errorf("client %d setup track %d: %v", c.client.ID, id, err)
		return newResponse(500)
	}

	var transportHeader string
	if spec.TCP {
		it, _ := c.rtpt.(*InterleavedTransport)
		if it == nil {
			it = NewInterleavedTransport(c.iw)
			c.rtpt, c.tcp = it, true
		}
		ch := spec.Interleaved
		if ch[0] < 0 {
			ch = [2]int{2 * id, 2*id + 1}
		}
		it.SetChannels(id, uint8(ch[0]), uint8(ch[1]))
		transportHeader = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d;ssrc=%08X", ch[0], ch[1], t.pk.SSRC())
	} else {
		ut, _ := c.rtpt.(*UDPTransport)
		if ut == nil {
			ut = NewUDPTransport()
			c.rtpt, c.tcp = ut, false
		}
		local, _ := c.nc.LocalAddr().(*net.TCPAddr)
		remote, _ := c.nc.RemoteAddr().(*net.TCPAddr)
		if local == nil || remote == nil {
			return newResponse(461)
		}
		sRTP, sRTCP, err := ut.Setup(id, local.IP, remote.IP, spec.ClientPorts[0], spec.ClientPorts[1])
		if err != nil {
			c.log.Errorf("client %d udp setup: %v", c.client.ID, err)
			return newResponse(500)
		}
		transportHeader = fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d;ssrc=%08X",
			spec.ClientPorts[0], spec.ClientPorts[1], sRTP, sRTCP, t.pk.SSRC())
	}

	if c.session == "" {
		c.session = newSessionID()
	}
	r := c.withSessionLocked(newResponse(200))
	r.Header["Transport"] = transportHeader
	return r
}

// trackLocked returns the track, creating its packetizer, queue and writer
// on first setup.
func (c *conn) trackLocked(id int) (*track, error) {
	if t := c.tracks[id]; t != nil {
		return t, nil
	}
	codec := c.srv.opts.Codecs[id]
	pk, err := NewPacketizer(codec, c.srv.opts.MTU)
	if err != nil {
		return nil, err
	}
	t := &track{id: id, pk: pk}
	t.box = transport.NewOutbox(c.srv.queueOptions(codec), func(slow bool) {
		c.setSlow(id, slow)
	})
	c.tracks[id] = t

	c.wg.Add(1)
	go c.writeLoop(t)
	return t, nil
}

func (c *conn) writeLoop(t *track) {
	defer c.wg.Done()
	err := t.box.Run(c.ctx, func(p media.Packet) error {
		packets, err := t.pk.Packetize(p)
		if err != nil {
			return err
		}
		c.mu.Lock()
		rt := c.rtpt
		c.mu.Unlock()
		if rt == nil {
			return nil
		}
		n, err := rt.SendRTP(t.id, packets)
		c.srv.reg.AddBytes(c.client.ID, n)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debugf("client %d track %d: %v", c.client.ID, t.id, err)
		c.nc.Close()
	}
}

// setSlow folds the per-track slow flags into the client's flag.
func (c *conn) setSlow(id int, slow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slow[id] = slow
	flagged := false
	for _, s := range c.slow {
		flagged = flagged || s
	}
	c.srv.reg.MarkSlow(c.client.ID, flagged)
}

func (c *conn) play(req *Request) *Response {
	if r := c.checkSession(req); r != nil {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tracks) == 0 {
		return newResponse(455)
	}

	base := strings.TrimSuffix(req.URL, "/")
	now := time.Now()
	ids := make([]int, 0, len(c.tracks))
	for id := range c.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	infos := make([]string, 0, len(ids))
	for _, id := range ids {
		t := c.tracks[id]
		infos = append(infos, fmt.Sprintf("url=%s/trackID=%d;seq=%d;rtptime=%d",
			base, id, t.pk.NextSequence(), t.pk.RTPTimeAt(now)))
	}

	r := c.withSessionLocked(newResponse(200))
	r.Header["Range"] = "npt=0.000-"
	r.Header["RTP-Info"] = strings.Join(infos, ",")
	c.log.Debugf("client %d playing %d track(s)", c.client.ID, len(ids))
	return r
}

func (c *conn) pause(req *Request) *Response {
	if r := c.checkSession(req); r != nil {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
	for _, t := range c.tracks {
		t.synced = false
	}
	return c.withSessionLocked(newResponse(200))
}

func (c *conn) checkSession(req *Request) *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" || req.Session() != c.session {
		return newResponse(454)
	}
	return nil
}

func (c *conn) withSession(r *Response) *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withSessionLocked(r)
}

func (c *conn) withSessionLocked(r *Response) *Response {
	if c.session != "" {
		r.Header["Session"] = c.session + ";timeout=" + strconv.Itoa(int(c.srv.opts.SessionTimeout/time.Second))
	}
	return r
}

// offer queues p when the session is playing and has set up the track.
// A video track starts at its first keyframe.
func (c *conn) offer(p media.Packet) {
	c.mu.Lock()
	t := c.tracks[p.Track]
	if !c.playing || t == nil {
		c.mu.Unlock()
		return
	}
	if !t.synced {
		if p.Codec == media.CodecH264 && !p.KeyFrame {
			c.mu.Unlock()
			return
		}
		t.synced = true
	}
	c.mu.Unlock()
	t.box.Offer(p)
}

// reportLoop sends RTCP sender reports for every track while playing.
func (c *conn) reportLoop() {
	defer c.wg.Done()
	tick := time.NewTicker(c.srv.opts.SenderReportInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-tick.C:
			c.mu.Lock()
			rt, playing := c.rtpt, c.playing
			tracks := make([]*track, 0, len(c.tracks))
			for _, t := range c.tracks {
				tracks = append(tracks, t)
			}
			c.mu.Unlock()
			if !playing || rt == nil {
				continue
			}
			for _, t := range tracks {
				b, err := t.pk.SenderReport(now).Marshal()
				if err != nil {
					continue
				}
				if err := rt.SendRTCP(t.id, b); err != nil {
					c.log.Debugf("client %d sender report: %v", c.client.ID, err)
				}
			}
		}
	}
}

// close ends the session: queues stop, a BYE goes out on every track, the
// socket closes and the client leaves the roster.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		rt := c.rtpt
		c.playing = false
		tracks := make([]*track, 0, len(c.tracks))
		for _, t := range c.tracks {
			tracks = append(tracks, t)
		}
		c.mu.Unlock()

		for _, t := range tracks {
			t.box.Close()
		}
		if rt != nil {
			for _, t := range tracks {
				if b, err := t.pk.Goodbye().Marshal(); err == nil {
					_ = rt.SendRTCP(t.id, b)
				}
			}
		}

		c.nc.Close()
		c.wg.Wait()
		if rt != nil {
			rt.Close()
		}
		c.srv.reg.Disconnect(c.client.ID)
		c.srv.forget(c)
		c.log.Debugf("client %d disconnected", c.client.ID)
	})
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
