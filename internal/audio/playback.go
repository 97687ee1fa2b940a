package audio

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// silenceQuantum is the duration of silence rendered per under-run of the
// playback queue.
const silenceQuantum = 20 * time.Millisecond

// PlaybackSink is the physical audio output device. WritePCM receives
// little-endian 16-bit PCM at 24 kHz and is expected to pace itself no
// faster than real time.
type PlaybackSink interface {
	WritePCM(pcm []byte) error
	Close() error
}

// Tap is the secondary output of the playback pipeline: every rendered
// frame, silence included, is mirrored here for the mixer. Frames the tap
// consumer cannot keep up with are dropped rather than stalling the
// rendering path.
type Tap struct {
	frames chan []byte
	closed atomic.Bool
}

func newTap() *Tap {
	return &Tap{frames: make(chan []byte, 256)}
}

func (t *Tap) Frames() <-chan []byte {
	return t.frames
}

func (t *Tap) push(pcm []byte) {
	if t.closed.Load() {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case t.frames <- buf:
	default:
	}
}

func (t *Tap) close() {
	if t.closed.CompareAndSwap(false, true) {
		close(t.frames)
	}
}

// PlaybackPipeline renders inbound agent PCM on a dedicated goroutine.
// Frames are consumed FIFO; an empty queue renders silence instead of
// blocking. Flush discards all queued and in-flight audio before the next
// rendering quantum.
type PlaybackPipeline struct {
	sink PlaybackSink
	log  *slog.Logger

	queue  chan []byte
	done   chan struct{}
	stopCh atomic.Pointer[chan struct{}]
	tap    *Tap

	mu       sync.Mutex
	started  bool
	wg       sync.WaitGroup
	stopOnce *sync.Once

	silence []byte
}

func NewPlaybackPipeline(sink PlaybackSink, log *slog.Logger) *PlaybackPipeline {
	if log == nil {
		log = slog.Default()
	}
	return &PlaybackPipeline{
		sink:    sink,
		log:     log.With("component", "playback"),
		silence: make([]byte, PlaybackRate*2*int(silenceQuantum.Milliseconds())/1000),
	}
}

// Start initializes the rendering path and the recording tap.
func (p *PlaybackPipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	if p.sink == nil {
		return errors.New("nil playback sink")
	}

	p.queue = make(chan []byte, 256)
	p.done = make(chan struct{})
	p.tap = newTap()
	p.stopOnce = &sync.Once{}
	stopCh := make(chan struct{})
	p.stopCh.Store(&stopCh)
	p.started = true

	p.wg.Add(1)
	go p.run(p.queue, p.done)
	return nil
}

func (p *PlaybackPipeline) run(queue chan []byte, done chan struct{}) {
	defer p.wg.Done()

	for {
		stopCh := p.stopCh.Load()
		select {
		case <-done:
			return
		case <-*stopCh:
			// Flush already swapped in a fresh stop channel and drained
			// the queue; draining here too would eat frames enqueued
			// after the flush. Reload and carry on.
			continue
		case frame := <-queue:
			p.render(frame)
		case <-time.After(silenceQuantum):
			p.render(p.silence)
		}
	}
}

func (p *PlaybackPipeline) render(pcm []byte) {
	if err := p.sink.WritePCM(pcm); err != nil {
		p.log.Warn("playback sink write failed", "error", err)
	}
	p.tap.push(pcm)
}

// Enqueue appends one decoded PCM frame to the playback queue. The frame is
// immutable after hand-off. A full queue drops the frame rather than
// blocking the caller.
func (p *PlaybackPipeline) Enqueue(pcm []byte) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	queue := p.queue
	p.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}

	select {
	case queue <- pcm:
	default:
		p.log.Warn("playback queue full, dropping frame", "bytes", len(pcm))
	}
	return nil
}

// Flush immediately discards all queued audio. This is the barge-in
// primitive: it is safe from any goroutine and takes effect before the next
// rendering quantum. Returns the number of frames discarded.
func (p *PlaybackPipeline) Flush() int {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return 0
	}
	queue := p.queue
	p.mu.Unlock()

	newCh := make(chan struct{})
	oldPtr := p.stopCh.Swap(&newCh)
	if oldPtr != nil {
		close(*oldPtr)
	}
	return p.drain(queue)
}

func (p *PlaybackPipeline) drain(queue chan []byte) int {
	count := 0
	for {
		select {
		case <-queue:
			count++
		default:
			return count
		}
	}
}

// Tap returns the recording tap. Valid only while the pipeline is started.
func (p *PlaybackPipeline) Tap() (*Tap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, ErrNotStarted
	}
	return p.tap, nil
}

// Stop tears down the rendering path and closes the tap.
func (p *PlaybackPipeline) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	done := p.done
	tap := p.tap
	once := p.stopOnce
	p.mu.Unlock()

	// The queue channel is never closed: Enqueue may race this teardown,
	// and a send on the still-open buffered channel is harmless.
	once.Do(func() {
		close(done)
	})
	p.wg.Wait()
	tap.close()
	return p.sink.Close()
}

func (p *PlaybackPipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
