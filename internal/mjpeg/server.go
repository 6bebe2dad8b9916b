// Package mjpeg serves the frame stream as an HTTP multipart push.
package mjpeg

import (
	"context"
	"errors"
	"image/color"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
	"device-streaming/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"
)

// Name identifies this transport in the roster and logs.
const Name = "mjpeg"

// Options configure the MJPEG server.
type Options struct {
	Port      int
	KeepAlive time.Duration
	// PartWriteTimeout bounds one part write before the viewer is dropped.
	PartWriteTimeout time.Duration
	Outbox           transport.OutboxOptions
	// Pin returns the current pairing PIN and whether it is required.
	Pin func() (pin string, enabled bool)
	// StartStop, when set, is exposed as POST /start-stop.
	StartStop func()
}

type viewer struct {
	id  uint64
	box *transport.Outbox
}

// Server is the MJPEG transport.
type Server struct {
	opts     Options
	reg      *clients.Registry
	log      logging.LeveledLogger
	boundary string
	engine   *gin.Engine
	blocked  []byte

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	viewers map[uint64]*viewer
	last    []byte
	lastAt  time.Time
	servers []*http.Server
	wg      sync.WaitGroup
}

// NewServer returns a closed MJPEG server.
func NewServer(opts Options, reg *clients.Registry, lf logging.LoggerFactory) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = time.Second
	}
	if opts.PartWriteTimeout <= 0 {
		opts.PartWriteTimeout = 10 * time.Second
	}
	if opts.Outbox.Capacity == 0 {
		opts.Outbox = transport.DefaultOutboxOptions()
	}
	if opts.Pin == nil {
		opts.Pin = func() (string, bool) { return "", false }
	}
	s := &Server{
		opts:     opts,
		reg:      reg,
		log:      lf.NewLogger("mjpeg"),
		boundary: newBoundary(),
		blocked:  solidJPEG(320, 180, color.RGBA{R: 0x60, A: 0xFF}),
		viewers:  make(map[uint64]*viewer),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Name() string { return Name }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(pages)

	r.GET("/", s.handleIndex)
	r.GET("/pin", s.handlePin)
	r.GET("/blocked", s.handleBlocked)
	r.GET("/stream.mjpeg", s.handleStream)
	r.GET("/image.jpg", s.handleImage)
	if s.opts.StartStop != nil {
		r.POST("/start-stop", func(c *gin.Context) {
			s.opts.StartStop()
			c.Status(http.StatusNoContent)
		})
	}
	return r
}

// Open binds every interface and starts serving.
func (s *Server) Open(ctx context.Context, ifaces []netif.NetInterface, onError func(error)) error {
	listeners, err := transport.Listen(ctx, ifaces, s.opts.Port)
	if err != nil {
		return err
	}

	s.activate()

	s.mu.Lock()
	for _, l := range listeners {
		srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
		s.servers = append(s.servers, srv)
		s.wg.Add(1)
		go func(srv *http.Server, l net.Listener) {
			defer s.wg.Done()
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Errorf("serve %s: %v", l.Addr(), err)
				onError(err)
			}
		}(srv, l)
		s.log.Infof("serving MJPEG on http://%s/", l.Addr())
	}
	s.mu.Unlock()
	return nil
}

// activate prepares the per-open context and the keep-alive loop.
func (s *Server) activate() {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.keepAlive(ctx)
}

// Close stops every server and disconnects every viewer.
func (s *Server) Close() error {
	s.mu.Lock()
	// Cancelled under mu so addViewer never registers a viewer after Close.
	if s.cancel != nil {
		s.cancel()
	}
	servers := s.servers
	s.servers = nil
	for _, v := range s.viewers {
		v.box.Close()
	}
	s.mu.Unlock()

	var first error
	for _, srv := range servers {
		if err := srv.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.wg.Wait()

	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	return first
}

// SendFrame queues a JPEG packet for every viewer. Other codecs are ignored.
func (s *Server) SendFrame(p media.Packet) {
	if p.Track != media.TrackVideo || p.Codec != media.CodecJPEG {
		return
	}
	s.mu.Lock()
	s.last, s.lastAt = p.Data, time.Now()
	for _, v := range s.viewers {
		v.box.Offer(p)
	}
	s.mu.Unlock()
}

// keepAlive resends the last frame to every viewer when the source is idle,
// so proxies and browsers keep the connection open.
func (s *Server) keepAlive(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.mu.Lock()
			if s.last != nil && now.Sub(s.lastAt) >= s.opts.KeepAlive {
				p := media.Packet{Codec: media.CodecJPEG, Data: s.last, KeyFrame: true}
				for _, v := range s.viewers {
					v.box.Offer(p)
				}
			}
			s.mu.Unlock()
		}
	}
}

// authorize checks the PIN query parameter. It returns false after writing
// a response when the request may not proceed.
func (s *Server) authorize(c *gin.Context) bool {
	addr := c.Request.RemoteAddr
	if s.reg.IsBlocked(addr) {
		c.Redirect(http.StatusFound, "/blocked")
		return false
	}
	pin, enabled := s.opts.Pin()
	if !enabled {
		return true
	}
	got, present := c.GetQuery("pin")
	if !present {
		c.HTML(http.StatusOK, "pin", gin.H{"Wrong": false})
		return false
	}
	if got == pin {
		s.reg.CheckPin(addr, true)
		return true
	}
	if s.reg.CheckPin(addr, false) {
		s.log.Warnf("blocking %s after repeated wrong PIN", addr)
		c.Redirect(http.StatusFound, "/blocked")
		return false
	}
	c.HTML(http.StatusUnauthorized, "pin", gin.H{"Wrong": true})
	return false
}

func (s *Server) handleIndex(c *gin.Context) {
	if !s.authorize(c) {
		return
	}
	stream := "/stream.mjpeg"
	if pin, ok := c.GetQuery("pin"); ok {
		stream += "?pin=" + url.QueryEscape(pin)
	}
	c.HTML(http.StatusOK, "index", gin.H{"StreamURL": stream})
}

// handlePin always shows the PIN form, even to a viewer who already knows it.
func (s *Server) handlePin(c *gin.Context) {
	if s.reg.IsBlocked(c.Request.RemoteAddr) {
		c.Redirect(http.StatusFound, "/blocked")
		return
	}
	if _, enabled := s.opts.Pin(); !enabled {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.HTML(http.StatusOK, "pin", gin.H{"Wrong": false})
}

func (s *Server) handleBlocked(c *gin.Context) {
	c.HTML(http.StatusForbidden, "blocked", nil)
}

// handleImage serves the last frame as a single JPEG for clients that do
// not understand multipart streams.
func (s *Server) handleImage(c *gin.Context) {
	if s.reg.IsBlocked(c.Request.RemoteAddr) {
		c.Data(http.StatusForbidden, "image/jpeg", s.blocked)
		return
	}
	if _, enabled := s.opts.Pin(); enabled && !s.authorize(c) {
		return
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", last)
}

func (s *Server) handleStream(c *gin.Context) {
	w := c.Writer
	if s.reg.IsBlocked(c.Request.RemoteAddr) {
		w.Header().Set("Content-Type", contentType(s.boundary))
		w.WriteHeader(http.StatusOK)
		writePart(w, s.boundary, s.blocked)
		w.Flush()
		return
	}
	if !s.authorize(c) {
		return
	}

	v, base := s.addViewer(c.Request.RemoteAddr)
	if v == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	defer s.removeViewer(v)
	s.log.Debugf("viewer %d connected from %s", v.id, c.Request.RemoteAddr)

	h := w.Header()
	h.Set("Content-Type", contentType(s.boundary))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-base.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	rc := http.NewResponseController(w)
	err := v.box.Run(ctx, func(p media.Packet) error {
		_ = rc.SetWriteDeadline(time.Now().Add(s.opts.PartWriteTimeout))
		n, err := writePart(w, s.boundary, p.Data)
		s.reg.AddBytes(v.id, n)
		if err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debugf("viewer %d: %v", v.id, err)
	}
}

// addViewer registers a viewer for addr and returns it with the context
// that ends it. It returns a nil viewer once the server is closed.
func (s *Server) addViewer(addr string) (*viewer, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return nil, nil
	}
	client := s.reg.Connect(addr, Name)
	v := &viewer{
		id: client.ID,
		box: transport.NewOutbox(s.opts.Outbox, func(slow bool) {
			s.reg.MarkSlow(client.ID, slow)
		}),
	}
	s.viewers[v.id] = v
	if s.last != nil {
		v.box.Offer(media.Packet{Codec: media.CodecJPEG, Data: s.last, KeyFrame: true})
	}
	return v, s.ctx
}

func (s *Server) removeViewer(v *viewer) {
	v.box.Close()
	s.reg.Disconnect(v.id)
	s.mu.Lock()
	delete(s.viewers, v.id)
	s.mu.Unlock()
	s.log.Debugf("viewer %d disconnected", v.id)
}

// Viewers returns the number of attached viewers.
func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}
