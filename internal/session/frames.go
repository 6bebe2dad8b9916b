package session

import "device-streaming/internal/media"

// frameQueue buffers captured frames in arrival order until the Run loop
// takes them. Each track holds at most limit frames. On overflow:
//   - audio drops its oldest pending frame;
//   - a video keyframe replaces every pending frame of its track;
//   - a video non-keyframe is discarded, and so is every following
//     non-keyframe of that track until the next keyframe.
//
// A pending keyframe is never replaced by a non-keyframe.
type frameQueue struct {
	limit    int
	frames   []media.Frame
	count    map[int]int
	skipping map[int]bool
	dropped  uint64
}

func newFrameQueue(limit int) *frameQueue {
	if limit <= 0 {
		limit = 1
	}
	return &frameQueue{
		limit:    limit,
		count:    make(map[int]int),
		skipping: make(map[int]bool),
	}
}

func (q *frameQueue) push(f media.Frame) {
	if isAudio(f.Format) {
		if q.count[f.Track] >= q.limit {
			q.removeOldest(f.Track)
			q.dropped++
		}
		q.add(f)
		return
	}

	key := isKeyFrame(f)
	if key {
		q.skipping[f.Track] = false
	} else if q.skipping[f.Track] {
		q.dropped++
		return
	}
	if q.count[f.Track] < q.limit {
		q.add(f)
		return
	}
	if key {
		q.dropped += uint64(q.removeTrack(f.Track))
		q.add(f)
		return
	}
	q.skipping[f.Track] = true
	q.dropped++
}

// take returns every pending frame in arrival order and empties the queue.
func (q *frameQueue) take() []media.Frame {
	out := q.frames
	q.frames = nil
	for k := range q.count {
		delete(q.count, k)
	}
	return out
}

// takeDropped returns the number of frames dropped since the last call.
func (q *frameQueue) takeDropped() uint64 {
	n := q.dropped
	q.dropped = 0
	return n
}

func (q *frameQueue) add(f media.Frame) {
	q.frames = append(q.frames, f)
	q.count[f.Track]++
}

func (q *frameQueue) removeOldest(track int) {
	for i, f := range q.frames {
		if f.Track == track {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.count[track]--
			return
		}
	}
}

func (q *frameQueue) removeTrack(track int) int {
	kept := q.frames[:0]
	removed := 0
	for _, f := range q.frames {
		if f.Track == track {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	q.frames = kept
	q.count[track] = 0
	return removed
}

func isAudio(f media.PixelFormat) bool {
	return f == media.FormatOpus || f == media.FormatPCMA
}

func isKeyFrame(f media.Frame) bool {
	if f.Format == media.FormatH264 {
		return media.IsH264KeyFrame(f.Data)
	}
	return true
}
