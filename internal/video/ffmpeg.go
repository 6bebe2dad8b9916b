package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"device-streaming/internal/config"
	"device-streaming/internal/media"

	"github.com/pion/logging"
)

// FFmpeg captures through an ffmpeg child process and parses its stdout
// into frames: concatenated JPEGs for mjpeg, Annex-B access units for h264.
type FFmpeg struct {
	cfg config.VideoConfig
	bin string
	log logging.LeveledLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpeg returns a source for cfg. Nothing runs until Start.
func NewFFmpeg(cfg config.VideoConfig, lf logging.LoggerFactory) *FFmpeg {
	return &FFmpeg{cfg: cfg, bin: "ffmpeg", log: lf.NewLogger("ffmpeg")}
}

// Args returns the ffmpeg command line for the configured input and format.
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	if strings.HasPrefix(f.cfg.Input, "rtsp://") || strings.HasPrefix(f.cfg.Input, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-analyzeduration", "500000",
		"-probesize", "500000",
	)
	if f.cfg.InputFormat != "" {
		args = append(args, "-f", f.cfg.InputFormat)
	}
	args = append(args, "-i", f.cfg.Input, "-an")
	if f.cfg.Width > 0 && f.cfg.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", f.cfg.Width, f.cfg.Height))
	}
	if f.cfg.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(f.cfg.FPS))
	}

	switch f.cfg.Format {
	case "h264":
		gop := "15"
		args = append(args,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-profile:v", "baseline",
			"-pix_fmt", "yuv420p",
			"-bf", "0",
			"-g", gop,
			"-x264-params", "keyint="+gop+":scenecut=0:repeat-headers=1",
			"-bsf:v", "h264_mp4toannexb",
			"-f", "h264",
		)
	default:
		args = append(args,
			"-c:v", "mjpeg",
			"-q:v", "5",
			"-pix_fmt", "yuvj420p",
			"-f", "mjpeg",
		)
	}
	return append(args, "-flush_packets", "1", "-")
}

func (f *FFmpeg) Start(sink func(media.Frame), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, f.bin, f.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: stdout pipe: %v", media.ErrCapture, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: stderr pipe: %v", media.ErrCapture, err)
	}
	f.log.Debugf("running %s %s", f.bin, strings.Join(f.Args(), " "))
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start %s: %v", media.ErrCapture, f.bin, err)
	}
	f.log.Infof("capturing %s as %s", f.cfg.Input, f.cfg.Format)

	f.cancel = cancel
	f.done = make(chan struct{})
	logged := make(chan struct{})
	go f.logStderr(stderr, logged)
	go f.read(ctx, cmd, stdout, logged, sink, onError, f.done)
	return nil
}

func (f *FFmpeg) Stop() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (f *FFmpeg) logStderr(r io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			f.log.Warnf("%s", line)
		}
	}
}

func (f *FFmpeg) read(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, logged <-chan struct{}, sink func(media.Frame), onError func(error), done chan struct{}) {
	defer close(done)

	emit := f.framer(sink)
	start := time.Now()
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			emit(buf[:n], time.Since(start), false)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	emit(nil, time.Since(start), true)
	<-logged
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return
	}
	switch {
	case readErr != nil:
		onError(fmt.Errorf("%w: read ffmpeg output: %v", media.ErrCapture, readErr))
	case waitErr != nil:
		onError(fmt.Errorf("%w: ffmpeg exited: %v", media.ErrCapture, waitErr))
	default:
		onError(fmt.Errorf("%w: ffmpeg input ended", media.ErrCapture))
	}
}

// framer returns a function that feeds stdout chunks through the splitter
// for the configured format.
func (f *FFmpeg) framer(sink func(media.Frame)) func(p []byte, ts time.Duration, eof bool) {
	if f.cfg.Format == "h264" {
		var s AccessUnitSplitter
		push := func(au []byte, ts time.Duration) {
			sink(media.Frame{Track: media.TrackVideo, Width: f.cfg.Width, Height: f.cfg.Height,
				Format: media.FormatH264, Data: au, Timestamp: ts})
		}
		return func(p []byte, ts time.Duration, eof bool) {
			for _, au := range s.Write(p) {
				push(au, ts)
			}
			if eof {
				for _, au := range s.Flush() {
					push(au, ts)
				}
			}
		}
	}

	var s JPEGSplitter
	return func(p []byte, ts time.Duration, eof bool) {
		for _, img := range s.Write(p) {
			sink(media.Frame{Track: media.TrackVideo, Width: f.cfg.Width, Height: f.cfg.Height,
				Format: media.FormatJPEG, Data: img, Timestamp: ts})
		}
	}
}
