// Package video provides the capture sources behind the session: a
// synthetic test pattern, an ffmpeg pipeline and an audio test tone.
package video

import (
	"errors"
	"fmt"
	"sync"

	"device-streaming/internal/config"
	"device-streaming/internal/media"

	"github.com/pion/logging"
)

// New builds the source described by cfg.
func New(cfg config.VideoConfig, lf logging.LoggerFactory) (media.Source, error) {
	var video media.Source
	switch cfg.Source {
	case "pattern", "":
		if cfg.Format != "mjpeg" && cfg.Format != "" {
			return nil, fmt.Errorf("test pattern can only produce mjpeg, not %s", cfg.Format)
		}
		video = NewPattern(cfg.Width, cfg.Height, cfg.FPS, lf)
	case "ffmpeg":
		if cfg.Input == "" {
			return nil, errors.New("ffmpeg source needs an input")
		}
		video = NewFFmpeg(cfg, lf)
	default:
		return nil, fmt.Errorf("unknown video source %q", cfg.Source)
	}

	switch cfg.Audio {
	case "":
		return video, nil
	case "tone":
		return Multi(video, NewTone(0)), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Audio)
	}
}

type multi struct {
	sources []media.Source
}

// Multi runs several sources as one. The first failure of any of them is
// reported; Start is all or nothing.
func Multi(sources ...media.Source) media.Source {
	return &multi{sources: sources}
}

func (m *multi) Start(sink func(media.Frame), onError func(error)) error {
	var once sync.Once
	report := func(err error) { once.Do(func() { onError(err) }) }

	for i, s := range m.sources {
		if err := s.Start(sink, report); err != nil {
			for _, started := range m.sources[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

func (m *multi) Stop() error {
	var errs []error
	for _, s := range m.sources {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
