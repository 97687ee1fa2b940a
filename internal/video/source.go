package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"
)

// FrameSource is one live video input. Latest returns the most recent frame
// without queueing: the compositor always draws the newest available frame
// and never accumulates backlog. ok is false while the source has nothing
// to show (not yet ready, or gone mid-session).
type FrameSource interface {
	Latest() (image.Image, bool)
	Close() error
}

// Acquirer attempts one acquisition of a capturable stream, typically from
// a rendering target that may not exist yet.
type Acquirer func(ctx context.Context) (FrameSource, error)

const captureAttempts = 5

var captureRetryGap = 1500 * time.Millisecond

var ErrSurfaceUnavailable = errors.New("drawing surface not capturable")

// CaptureSurface retries acquisition of the drawing-surface stream until it
// becomes capturable. Failure after all attempts is reported but non-fatal:
// the caller proceeds without the stream.
func CaptureSurface(ctx context.Context, acquire Acquirer, log *slog.Logger) (FrameSource, error) {
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < captureAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(captureRetryGap):
			}
		}

		src, err := acquire(ctx)
		if err == nil {
			return src, nil
		}
		lastErr = err
		log.Warn("surface capture attempt failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("%w: %v", ErrSurfaceUnavailable, lastErr)
}

// StaticSource holds a frame pushed by a producer and hands out the latest
// one. Safe for concurrent push and read.
type StaticSource struct {
	mu     sync.RWMutex
	frame  image.Image
	closed bool
}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// Push replaces the current frame. The source does not copy: the producer
// must not mutate a frame after handing it off.
func (s *StaticSource) Push(frame image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frame = frame
}

func (s *StaticSource) Latest() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.frame = nil
	return nil
}
