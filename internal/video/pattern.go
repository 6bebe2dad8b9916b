package video

import (
	"sync"
	"time"

	"device-streaming/internal/media"

	"github.com/pion/logging"
)

// Pattern is a synthetic RGBA source that alternates between red and green
// every second's worth of frames. It stands in for a camera on headless hosts.
type Pattern struct {
	width  int
	height int
	fps    int
	log    logging.LeveledLogger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPattern returns a pattern source of the given geometry.
func NewPattern(width, height, fps int, lf logging.LoggerFactory) *Pattern {
	if fps <= 0 {
		fps = 30
	}
	return &Pattern{width: width, height: height, fps: fps, log: lf.NewLogger("pattern")}
}

func (p *Pattern) Start(sink func(media.Frame), onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(sink, p.stop, p.done)
	p.log.Infof("test pattern %dx%d @ %d fps", p.width, p.height, p.fps)
	return nil
}

func (p *Pattern) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (p *Pattern) run(sink func(media.Frame), stop, done chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(p.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			sink(media.Frame{
				Track:     media.TrackVideo,
				Width:     p.width,
				Height:    p.height,
				Format:    media.FormatRGBA,
				Data:      p.render(n),
				Timestamp: now.Sub(start),
			})
		}
	}
}

// render draws frame n. The sink owns the returned buffer.
func (p *Pattern) render(n int) []byte {
	pix := make([]byte, p.width*p.height*4)
	r, g := byte(255), byte(0)
	if (n/p.fps)%2 == 1 {
		r, g = 0, 255
	}
	// A white bar sweeps down the frame so motion is visible.
	bar := p.height / 16
	if bar == 0 {
		bar = 1
	}
	top := (n * bar) % p.height
	for y := 0; y < p.height; y++ {
		inBar := y >= top && y < top+bar
		row := pix[y*p.width*4 : (y+1)*p.width*4]
		for x := 0; x < len(row); x += 4 {
			if inBar {
				row[x], row[x+1], row[x+2] = 255, 255, 255
			} else {
				row[x], row[x+1], row[x+2] = r, g, 0
			}
			row[x+3] = 255
		}
	}
	return pix
}
