package video

import (
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"sync"
	"time"
)

const (
	// Output geometry is fixed: the primary stream fills the canvas, the
	// secondary stream is an inset at the bottom-right.
	CanvasWidth  = 1920
	CanvasHeight = 1080
	InsetWidth   = 320
	InsetHeight  = 240
	InsetMargin  = 20
	InsetBorder  = 2

	// FrameRate is the composite output cadence in Hz.
	FrameRate = 30

	// readinessTimeout bounds how long the draw loop waits for both inputs
	// before starting with whichever is ready.
	readinessTimeout = 5 * time.Second
)

var (
	backgroundColor = color.RGBA{R: 0x1a, G: 0x1a, B: 0x1e, A: 0xff}
	borderColor     = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Compositor renders the drawing surface and the webcam into one frame
// stream at a fixed cadence. Either input may disappear mid-session; the
// loop keeps drawing whatever remains.
type Compositor struct {
	log *slog.Logger

	mu        sync.Mutex
	primary   FrameSource
	secondary FrameSource
	started   bool

	out  chan *image.RGBA
	done chan struct{}
	wg   sync.WaitGroup
}

func NewCompositor(log *slog.Logger) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{log: log.With("component", "compositor")}
}

// CompositeStreams starts the 30 Hz draw loop over the given inputs.
// Either input may be nil or become un-ready later. The returned channel
// carries the latest composite frame; a slow consumer sees frames replaced,
// never queued.
func (c *Compositor) CompositeStreams(primary, secondary FrameSource) (<-chan *image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, ErrCompositorStarted
	}
	c.started = true
	c.primary = primary
	c.secondary = secondary
	c.out = make(chan *image.RGBA, 1)
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.run()
	return c.out, nil
}

// SetSecondary swaps the inset input mid-session. A nil source removes it.
func (c *Compositor) SetSecondary(src FrameSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secondary = src
}

func (c *Compositor) sources() (FrameSource, FrameSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary, c.secondary
}

func (c *Compositor) run() {
	defer c.wg.Done()

	c.waitReady()

	ticker := time.NewTicker(time.Second / FrameRate)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			frame, ok := c.draw()
			if !ok {
				// Neither source ready this tick: skip, never backlog.
				continue
			}
			select {
			case c.out <- frame:
			default:
				// Replace the stale frame so the consumer always gets
				// the newest one.
				select {
				case <-c.out:
				default:
				}
				select {
				case c.out <- frame:
				default:
				}
			}
		}
	}
}

// waitReady blocks until both inputs produce a frame, or the readiness
// timeout passes, or the compositor stops.
func (c *Compositor) waitReady() {
	deadline := time.NewTimer(readinessTimeout)
	defer deadline.Stop()
	probe := time.NewTicker(50 * time.Millisecond)
	defer probe.Stop()

	for {
		primary, secondary := c.sources()
		pReady := ready(primary)
		sReady := ready(secondary)
		if pReady && sReady {
			return
		}
		select {
		case <-c.done:
			return
		case <-deadline.C:
			c.log.Warn("compositor starting before all inputs ready",
				"primary_ready", pReady, "secondary_ready", sReady)
			return
		case <-probe.C:
		}
	}
}

func ready(src FrameSource) bool {
	if src == nil {
		return false
	}
	_, ok := src.Latest()
	return ok
}

func (c *Compositor) draw() (*image.RGBA, bool) {
	primary, secondary := c.sources()

	var pFrame, sFrame image.Image
	if primary != nil {
		pFrame, _ = primary.Latest()
	}
	if secondary != nil {
		sFrame, _ = secondary.Latest()
	}
	if pFrame == nil && sFrame == nil {
		return nil, false
	}

	canvas := image.NewRGBA(image.Rect(0, 0, CanvasWidth, CanvasHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	if pFrame != nil {
		scaleInto(canvas, canvas.Bounds(), pFrame)
	}

	if sFrame != nil {
		inset := image.Rect(
			CanvasWidth-InsetMargin-InsetWidth,
			CanvasHeight-InsetMargin-InsetHeight,
			CanvasWidth-InsetMargin,
			CanvasHeight-InsetMargin,
		)
		border := inset.Inset(-InsetBorder)
		draw.Draw(canvas, border, image.NewUniform(borderColor), image.Point{}, draw.Src)
		scaleInto(canvas, inset, sFrame)
	}

	return canvas, true
}

// scaleInto draws src scaled to dst's rectangle with nearest-neighbour
// sampling. Composite frames are preview quality; an interpolating scaler
// is not worth the per-frame cost at 30 Hz.
func scaleInto(dst *image.RGBA, rect image.Rectangle, src image.Image) {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	dw, dh := rect.Dx(), rect.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return
	}

	for y := 0; y < dh; y++ {
		sy := sb.Min.Y + y*sh/dh
		for x := 0; x < dw; x++ {
			sx := sb.Min.X + x*sw/dw
			dst.Set(rect.Min.X+x, rect.Min.Y+y, src.At(sx, sy))
		}
	}
}

// Stop ends the draw loop and closes the output stream. Input sources are
// not closed: they are owned by whoever acquired them.
func (c *Compositor) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	close(c.out)
}
