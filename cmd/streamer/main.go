package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"device-streaming/internal/clients"
	"device-streaming/internal/config"
	"device-streaming/internal/control"
	"device-streaming/internal/ice"
	"device-streaming/internal/logging"
	"device-streaming/internal/media"
	"device-streaming/internal/metrics"
	"device-streaming/internal/mjpeg"
	"device-streaming/internal/netif"
	"device-streaming/internal/rtsp"
	"device-streaming/internal/session"
	"device-streaming/internal/traffic"
	"device-streaming/internal/transport"
	"device-streaming/internal/video"
	"device-streaming/internal/webrtc"

	"github.com/pion/randutil"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address of the control API and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	logLevel      = kingpin.Flag("log.level", "Default log level (error, warn, info, debug, trace).").String()
	autoStart     = kingpin.Flag("start", "Start the session immediately.").Bool()
	autoGrant     = kingpin.Flag("grant", "Grant capture permission without waiting for the control API.").Bool()
)

func main() {
	kingpin.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddress != "" {
		cfg.Control.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Control.TelemetryPath = *telemetryPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "streamer: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	lf := logging.New(cfg.Log)
	log := lf.NewLogger("main")

	reg := clients.NewRegistry(clients.Options{
		DisconnectHold: cfg.MJPEG.ClientHold(),
		MaxPinAttempts: cfg.MJPEG.MaxPinAttempts,
		BlockDuration:  cfg.MJPEG.BlockDuration(),
	})
	rec := traffic.NewRecorder(cfg.Session.TrafficCapacity)

	// m is assigned below; transports only read the PIN once they are open.
	var m *session.Machine
	pin := func() (string, bool) { return m.Pin() }

	outbox := transport.OutboxOptions{
		Capacity:       cfg.Session.ClientQueue,
		Policy:         transport.DropOldest,
		WriteBudget:    cfg.Session.WriteBudget(),
		RecoveryWrites: cfg.Session.SlowRecoveryWrites,
	}

	codecs := []media.Codec{media.CodecH264}
	if cfg.Video.Audio == "tone" {
		codecs = append(codecs, media.CodecPCMA)
	}

	var transports []transport.Transport
	for _, name := range cfg.CarriedBy() {
		switch name {
		case mjpeg.Name:
			opts := mjpeg.Options{
				Port:      cfg.MJPEG.Port,
				KeepAlive: cfg.MJPEG.KeepAlive(),
				Outbox:    outbox,
				Pin:       pin,
			}
			if cfg.MJPEG.StartStop {
				opts.StartStop = func() { m.Toggle() }
			}
			transports = append(transports, mjpeg.NewServer(opts, reg, lf))

		case rtsp.Name:
			opts := rtsp.DefaultOptions()
			opts.Port = cfg.RTSP.Port
			opts.Path = cfg.RTSP.Path
			opts.AllowUDP = cfg.RTSP.AllowUDP
			opts.MTU = cfg.RTSP.MTU
			opts.Codecs = codecs
			opts.VideoQueue = cfg.RTSP.VideoQueue
			opts.AudioQueue = cfg.RTSP.AudioQueue
			opts.WriteBudget = cfg.Session.WriteBudget()
			opts.RecoveryWrites = cfg.Session.SlowRecoveryWrites
			opts.SenderReportInterval = cfg.RTSP.SenderReportInterval()
			transports = append(transports, rtsp.NewServer(opts, reg, lf))

		case webrtc.Name:
			box := outbox
			box.Capacity = cfg.WebRTC.ViewerQueue
			box.Policy = transport.DropToKeyFrame
			transports = append(transports, webrtc.NewServer(webrtc.Options{
				Port:           cfg.WebRTC.Port,
				ICE:            ice.Configuration(cfg.WebRTC, lf.NewLogger("ice")),
				Codecs:         codecs,
				Outbox:         box,
				AllowedOrigins: cfg.Control.AllowedOrigins,
				Pin:            pin,
			}, reg, lf))
		}
	}
	for _, t := range transports {
		log.Infof("transport %s enabled", t.Name())
	}

	filter := netif.Filter{
		IPv4:          cfg.Network.IPv4,
		IPv6:          cfg.Network.IPv6,
		Localhost:     cfg.Network.Localhost,
		LocalhostOnly: cfg.Network.LocalhostOnly,
		Names:         cfg.Network.Interfaces,
	}

	opts := session.DefaultOptions()
	opts.Encoder = media.NewEncoder(cfg.MJPEG.JPEGQuality)
	opts.Transports = transports
	opts.Filter = filter
	opts.TrafficInterval = cfg.Session.TrafficInterval()
	opts.AddressRetries = cfg.Network.AddressRetries
	opts.AddressRetryDelay = cfg.Network.RetryDelay()
	if cfg.MJPEG.PinEnabled {
		opts.Pin = cfg.MJPEG.Pin
		if cfg.MJPEG.AutoPin || opts.Pin == "" {
			pin, err := randomPin()
			if err != nil {
				return err
			}
			opts.Pin = pin
		}
		log.Infof("viewer PIN: %s", opts.Pin)
	}
	m = session.New(opts, reg, rec, lf)

	newSource := func() (media.Source, error) { return video.New(cfg.Video, lf) }

	api := control.NewServer(control.Options{
		ListenAddress:  cfg.Control.ListenAddress,
		TelemetryPath:  cfg.Control.TelemetryPath,
		AllowedOrigins: cfg.Control.AllowedOrigins,
		NewSource:      newSource,
		Gatherer:       metrics.NewRegistry(m),
	}, m, lf)

	monitor := netif.NewMonitor(filter, cfg.Network.QuietWindow(), m.OnConnectivityChanged, lf.NewLogger("netif"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		errc <- m.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errc <- api.Run(ctx)
	}()

	if *autoStart || *autoGrant {
		m.Start()
	}
	if *autoGrant {
		src, err := newSource()
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("open capture source: %w", err)
		}
		m.OnPermissionGranted(src)
	}

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errc:
	}
	cancel()
	wg.Wait()
	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	log.Info("stopped")
	return nil
}

// randomPin returns a four digit pairing PIN drawn from crypto/rand.
func randomPin() (string, error) {
	pin, err := randutil.GenerateCryptoRandomString(4, "0123456789")
	if err != nil {
		return "", fmt.Errorf("generate PIN: %w", err)
	}
	return pin, nil
}
