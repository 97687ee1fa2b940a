package session

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/prepstream/interview-engine/internal/protocol"
	"github.com/prepstream/interview-engine/internal/video"
)

const boardPublishInterval = time.Second

// boardPublisher ships whiteboard snapshots to the agent at most once per
// second, and only when the surface produced a new frame since the last
// send.
type boardPublisher struct {
	surface video.FrameSource
	send    func(protocol.OutboundMessage) bool
	log     *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	last image.Image
}

func newBoardPublisher(surface video.FrameSource, send func(protocol.OutboundMessage) bool, log *slog.Logger) *boardPublisher {
	return &boardPublisher{
		surface: surface,
		send:    send,
		log:     log.With("component", "board"),
		stop:    make(chan struct{}),
	}
}

func (b *boardPublisher) start() {
	b.wg.Add(1)
	go b.run()
}

func (b *boardPublisher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(boardPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.publish()
		}
	}
}

func (b *boardPublisher) publish() {
	frame, ok := b.surface.Latest()
	if !ok || frame == b.last {
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		b.log.Warn("board frame encode failed", "error", err)
		return
	}
	if b.send(protocol.ImageFrameMessage(buf.Bytes())) {
		b.last = frame
	}
}

func (b *boardPublisher) close() {
	close(b.stop)
	b.wg.Wait()
}
