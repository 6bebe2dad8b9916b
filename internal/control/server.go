// Package control is the operator API: session commands, read-only views,
// a websocket event feed and Prometheus metrics.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/session"
	"device-streaming/internal/traffic"
	"device-streaming/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session is the part of the state machine the API drives.
type Session interface {
	Start()
	Stop()
	Recover()
	SetPin(pin string)
	Pin() (string, bool)
	OnPermissionGranted(src media.Source)
	OnPermissionDenied()

	State() session.PublicState
	Clients() []clients.Client
	Traffic() []traffic.Point
	Subscribe() (<-chan session.PublicState, func())
	SubscribeClients() (<-chan []clients.Client, func())
	SubscribeTraffic() (<-chan []traffic.Point, func())
}

// Options configure the control server.
type Options struct {
	ListenAddress  string
	TelemetryPath  string
	AllowedOrigins []string
	// NewSource opens the capture source when permission is granted.
	NewSource func() (media.Source, error)
	// Gatherer serves TelemetryPath; nil disables metrics.
	Gatherer prometheus.Gatherer
}

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

// Server is the control HTTP server.
type Server struct {
	opts     Options
	sess     Session
	log      logging.LeveledLogger
	hub      *hub
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// NewServer builds the router. Nothing listens until Run.
func NewServer(opts Options, sess Session, lf logging.LoggerFactory) *Server {
	if opts.TelemetryPath == "" {
		opts.TelemetryPath = "/metrics"
	}
	log := lf.NewLogger("control")
	s := &Server{
		opts: opts,
		sess: sess,
		log:  log,
		hub:  newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: transport.OriginChecker(opts.AllowedOrigins, log),
		},
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	{
		api.GET("/state", func(c *gin.Context) { c.JSON(http.StatusOK, s.sess.State()) })
		api.GET("/clients", func(c *gin.Context) { c.JSON(http.StatusOK, s.sess.Clients()) })
		api.GET("/traffic", func(c *gin.Context) { c.JSON(http.StatusOK, s.sess.Traffic()) })
		api.GET("/events", s.handleEvents)

		api.POST("/start", s.command(s.sess.Start))
		api.POST("/stop", s.command(s.sess.Stop))
		api.POST("/recover", s.command(s.sess.Recover))
		api.POST("/pin", s.handlePin)
		api.POST("/permission", s.handlePermission)
	}

	if s.opts.Gatherer != nil {
		r.GET(s.opts.TelemetryPath, gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// command queues fn on the session. The result shows up in the state feed.
func (s *Server) command(fn func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn()
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

type pinRequest struct {
	Pin string `json:"pin"`
}

func (s *Server) handlePin(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Pin != "" && !pinPattern.MatchString(req.Pin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pin must be 4 to 8 digits"})
		return
	}
	s.sess.SetPin(req.Pin)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "enabled": req.Pin != ""})
}

type permissionRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

func (s *Server) handlePermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !*req.Granted {
		s.sess.OnPermissionDenied()
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	if s.opts.NewSource == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no capture source configured"})
		return
	}
	src, err := s.opts.NewSource()
	if err != nil {
		s.log.Errorf("open capture source: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.sess.OnPermissionGranted(src)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}
	s.hub.attach(conn)
}

// Run serves the API until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.run(hubCtx, s.sess)

	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.log.Infof("control API on http://%s/api/state", l.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
