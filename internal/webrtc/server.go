// Package webrtc serves the H264 stream to browsers over WebRTC, with a
// WebSocket per viewer carrying the offer/answer exchange.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
	"device-streaming/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// Name identifies this transport in the roster and logs.
const Name = "webrtc"

// Options configure the WebRTC server.
type Options struct {
	Port int
	ICE  pion.Configuration
	// Codecs lists the tracks offered; the index is the track id.
	Codecs         []media.Codec
	Outbox         transport.OutboxOptions
	AllowedOrigins []string
	Pin            func() (pin string, enabled bool)
}

// Server is the WebRTC transport.
type Server struct {
	opts     Options
	reg      *clients.Registry
	lf       logging.LoggerFactory
	log      logging.LeveledLogger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	api     *pion.API
	ctx     context.Context
	cancel  context.CancelFunc
	servers []*http.Server
	peers   map[uint64]*peer
	wg      sync.WaitGroup
}

// NewServer returns a closed WebRTC server.
func NewServer(opts Options, reg *clients.Registry, lf logging.LoggerFactory) *Server {
	if len(opts.Codecs) == 0 {
		opts.Codecs = []media.Codec{media.CodecH264}
	}
	if opts.Outbox.Capacity == 0 {
		opts.Outbox = transport.DefaultOutboxOptions()
		opts.Outbox.Capacity = 32
		opts.Outbox.Policy = transport.DropToKeyFrame
	}
	if opts.Pin == nil {
		opts.Pin = func() (string, bool) { return "", false }
	}
	s := &Server{
		opts:  opts,
		reg:   reg,
		lf:    lf,
		log:   lf.NewLogger("webrtc"),
		peers: make(map[uint64]*peer),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: transport.OriginChecker(opts.AllowedOrigins, s.log)}
	s.engine = s.routes()
	return s
}

func (s *Server) Name() string { return Name }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(viewerPage)
	r.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "viewer", nil)
	})
	r.GET("/ws", s.handleSignaling)
	return r
}

// newAPI builds the pion API restricted to the bound interfaces.
func (s *Server) newAPI(ifaces []netif.NetInterface) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}

	se := pion.SettingEngine{LoggerFactory: s.lf}
	names := make(map[string]bool)
	for _, ifi := range ifaces {
		names[ifi.Name] = true
	}
	se.SetInterfaceFilter(func(name string) bool { return names[name] })
	se.SetIPFilter(func(ip net.IP) bool {
		for _, ifi := range ifaces {
			if ip.Equal(net.IP(ifi.Addr.AsSlice())) {
				return true
			}
		}
		return false
	})

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(ir),
		pion.WithSettingEngine(se),
	), nil
}

// Open binds the signaling endpoint on every interface.
func (s *Server) Open(ctx context.Context, ifaces []netif.NetInterface, onError func(error)) error {
	api, err := s.newAPI(ifaces)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	listeners, err := transport.Listen(ctx, ifaces, s.opts.Port)
	if err != nil {
		return err
	}
	s.activate(api)

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
		s.log.Infof("serving WebRTC signaling on http://%s/", l.Addr())
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) activate(api *pion.API) {
	s.mu.Lock()
	s.api = api
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
}

// Close stops signaling and closes every peer connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	servers := s.servers
	s.servers = nil
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var first error
	for _, srv := range servers {
		if err := srv.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range peers {
		p.close()
	}
	s.wg.Wait()
	return first
}

// SendFrame queues p for every viewer. Packets whose codec does not match
// the offered track are ignored.
func (s *Server) SendFrame(p media.Packet) {
	if p.Track < 0 || p.Track >= len(s.opts.Codecs) || s.opts.Codecs[p.Track] != p.Codec {
		return
	}
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, v := range s.peers {
		peers = append(peers, v)
	}
	s.mu.Unlock()
	for _, v := range peers {
		v.offer(p)
	}
}

// Peers returns the number of attached viewers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) authorize(c *gin.Context) bool {
	addr := c.Request.RemoteAddr
	if s.reg.IsBlocked(addr) {
		c.AbortWithStatus(http.StatusForbidden)
		return false
	}
	pin, enabled := s.opts.Pin()
	if !enabled {
		return true
	}
	if c.Query("pin") == pin {
		s.reg.CheckPin(addr, true)
		return true
	}
	if s.reg.CheckPin(addr, false) {
		s.log.Warnf("blocking %s after repeated wrong PIN", addr)
		c.AbortWithStatus(http.StatusForbidden)
		return false
	}
	c.AbortWithStatus(http.StatusUnauthorized)
	return false
}

func (s *Server) handleSignaling(c *gin.Context) {
	if !s.authorize(c) {
		return
	}
	s.mu.Lock()
	api, base := s.api, s.ctx
	s.mu.Unlock()
	if api == nil || base == nil || base.Err() != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}

	client := s.reg.Connect(c.Request.RemoteAddr, Name)
	p, err := s.newPeer(base, api, ws, client)
	if err != nil {
		s.log.Errorf("viewer %d: %v", client.ID, err)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
		ws.Close()
		s.reg.Disconnect(client.ID)
		return
	}

	// Registration and wg.Add happen under the lock Close cancels under,
	// so a closing server either sees this peer or the peer sees the close.
	s.mu.Lock()
	if base.Err() != nil {
		s.mu.Unlock()
		p.close()
		return
	}
	s.peers[client.ID] = p
	s.wg.Add(3)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		p.writePump()
	}()
	go func() {
		defer s.wg.Done()
		p.readPump()
	}()
	go func() {
		defer s.wg.Done()
		p.mediaPump()
	}()

	if err := p.sendOffer(); err != nil {
		s.log.Errorf("viewer %d offer: %v", client.ID, err)
		p.close()
	}
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	s.reg.Disconnect(p.id)
	s.log.Debugf("viewer %d disconnected", p.id)
}
