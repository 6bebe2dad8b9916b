package video

import (
	"math"
	"sync"
	"time"

	"device-streaming/internal/media"
)

const (
	toneRate    = 8000
	toneFrame   = 20 * time.Millisecond
	toneSamples = toneRate * int(toneFrame/time.Millisecond) / 1000
)

// Tone emits a continuous sine wave as G.711 A-law on the audio track.
type Tone struct {
	freq float64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTone returns a tone source at freq Hz; zero means 440.
func NewTone(freq float64) *Tone {
	if freq <= 0 {
		freq = 440
	}
	return &Tone{freq: freq}
}

func (t *Tone) Start(sink func(media.Frame), onError func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(sink, t.stop, t.done)
	return nil
}

func (t *Tone) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *Tone) run(sink func(media.Frame), stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(toneFrame)
	defer ticker.Stop()

	var sample int
	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var payload []byte
			payload, sample = t.frame(sample)
			sink(media.Frame{
				Track:     media.TrackAudio,
				Format:    media.FormatPCMA,
				Data:      payload,
				Timestamp: time.Duration(n) * toneFrame,
			})
		}
	}
}

// frame renders one packet starting at sample index start and returns
// the index following it.
func (t *Tone) frame(start int) ([]byte, int) {
	out := make([]byte, toneSamples)
	for i := range out {
		v := 0.3 * math.Sin(2*math.Pi*t.freq*float64(start+i)/toneRate)
		out[i] = alaw(int16(v * math.MaxInt16))
	}
	return out, (start + toneSamples) % toneRate
}

// alaw encodes a 16-bit linear sample as G.711 A-law.
func alaw(pcm int16) byte {
	sign := byte(0x80)
	v := int(pcm)
	if v < 0 {
		sign = 0
		v = -v - 1
	}
	v >>= 3 // 13-bit magnitude

	var out byte
	if v < 32 {
		out = byte(v >> 1)
	} else {
		exp := 1
		for m := v >> 5; m > 1; m >>= 1 {
			exp++
		}
		out = byte(exp<<4) | byte((v>>uint(exp))&0x0F)
	}
	return (out | sign) ^ 0x55
}
