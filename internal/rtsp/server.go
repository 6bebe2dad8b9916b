// Package rtsp serves the stream over RTSP with RTP delivered either
// interleaved on the control connection or over UDP.
package rtsp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
	"device-streaming/internal/transport"

	"github.com/pion/logging"
)

// Name identifies this transport in the roster and logs.
const Name = "rtsp"

// Options configure the RTSP server.
type Options struct {
	Port     int
	Path     string
	AllowUDP bool
	MTU      int
	// Codecs lists the announced tracks; the index is the track id.
	Codecs               []media.Codec
	VideoQueue           int
	AudioQueue           int
	WriteBudget          time.Duration
	RecoveryWrites       int
	WriteTimeout         time.Duration
	SessionTimeout       time.Duration
	SenderReportInterval time.Duration
}

// DefaultOptions serve H264 on port 8554 at /screen.
func DefaultOptions() Options {
	return Options{
		Port:                 8554,
		Path:                 "/screen",
		AllowUDP:             true,
		MTU:                  1400,
		Codecs:               []media.Codec{media.CodecH264},
		VideoQueue:           32,
		AudioQueue:           64,
		WriteBudget:          time.Second,
		RecoveryWrites:       30,
		WriteTimeout:         5 * time.Second,
		SessionTimeout:       60 * time.Second,
		SenderReportInterval: 5 * time.Second,
	}
}

// Server is the RTSP transport.
type Server struct {
	opts Options
	reg  *clients.Registry
	log  logging.LeveledLogger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*conn]struct{}
	closing   bool
	sps, pps  []byte
	wg        sync.WaitGroup
}

// NewServer returns a closed RTSP server.
func NewServer(opts Options, reg *clients.Registry, lf logging.LoggerFactory) *Server {
	def := DefaultOptions()
	if opts.Path == "" {
		opts.Path = def.Path
	}
	if len(opts.Codecs) == 0 {
		opts.Codecs = def.Codecs
	}
	if opts.VideoQueue <= 0 {
		opts.VideoQueue = def.VideoQueue
	}
	if opts.AudioQueue <= 0 {
		opts.AudioQueue = def.AudioQueue
	}
	if opts.RecoveryWrites <= 0 {
		opts.RecoveryWrites = def.RecoveryWrites
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = def.SessionTimeout
	}
	if opts.SenderReportInterval <= 0 {
		opts.SenderReportInterval = def.SenderReportInterval
	}
	return &Server{
		opts:  opts,
		reg:   reg,
		log:   lf.NewLogger("rtsp"),
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) Name() string { return Name }

// Open binds every interface and starts accepting connections.
func (s *Server) Open(ctx context.Context, ifaces []netif.NetInterface, onError func(error)) error {
	listeners, err := transport.Listen(ctx, ifaces, s.opts.Port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.closing = false
	s.listeners = listeners
	s.mu.Unlock()

	for _, l := range listeners {
		s.wg.Add(1)
		go s.accept(l, onError)
		s.log.Infof("serving RTSP on rtsp://%s%s", l.Addr(), s.opts.Path)
	}
	return nil
}

func (s *Server) accept(l net.Listener, onError func(error)) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.log.Errorf("accept on %s: %v", l.Addr(), err)
				onError(err)
			}
			return
		}
		s.serve(nc)
	}
}

// serve registers a new connection unless the server is shutting down.
func (s *Server) serve(nc net.Conn) {
	if s.reg.IsBlocked(nc.RemoteAddr().String()) {
		s.log.Debugf("refusing blocked peer %s", nc.RemoteAddr())
		nc.Close()
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		nc.Close()
		return
	}
	c := s.newConn(nc)
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.serve()
	}()
}

func (s *Server) newConn(nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:    s,
		nc:     nc,
		br:     bufio.NewReader(nc),
		iw:     NewInterleavedWriter(nc, s.opts.WriteTimeout),
		log:    s.log,
		client: s.reg.Connect(nc.RemoteAddr().String(), Name),
		ctx:    ctx,
		cancel: cancel,
		tracks: make(map[int]*track),
		slow:   make(map[int]bool),
	}
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting, ends every session and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := transport.CloseAll(listeners)
	for _, c := range conns {
		go c.close()
	}
	s.wg.Wait()
	return err
}

// SendFrame queues p for every playing session that set up its track.
// Packets whose codec does not match the announced track are ignored.
func (s *Server) SendFrame(p media.Packet) {
	if p.Track < 0 || p.Track >= len(s.opts.Codecs) || s.opts.Codecs[p.Track] != p.Codec {
		return
	}

	s.mu.Lock()
	if p.Codec == media.CodecH264 && p.KeyFrame {
		if sps, pps := media.ParameterSets(p.Data); sps != nil && pps != nil {
			s.sps, s.pps = sps, pps
		}
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.offer(p)
	}
}

func (s *Server) parameterSets() ([]byte, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sps, s.pps
}

// Sessions returns the number of open RTSP connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) queueOptions(c media.Codec) transport.OutboxOptions {
	opts := transport.OutboxOptions{
		Capacity:       s.opts.AudioQueue,
		Policy:         transport.DropOldest,
		WriteBudget:    s.opts.WriteBudget,
		RecoveryWrites: s.opts.RecoveryWrites,
	}
	if c == media.CodecH264 {
		opts.Capacity = s.opts.VideoQueue
		opts.Policy = transport.DropToKeyFrame
	}
	return opts
}
