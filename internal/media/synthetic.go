package media

import (
	"image"
	"image/color"
	"io"
	"math"
	"sync"
	"time"

	"github.com/prepstream/interview-engine/internal/audio"
)

// Synthetic devices let the engine run end to end on hosts without real
// capture hardware: a sine-tone microphone, a discarding speaker and a
// moving test-pattern video source.

// ToneSource generates a fixed-frequency sine at the capture rate, paced to
// real time so the downstream quantum loop behaves like a live microphone.
type ToneSource struct {
	Freq      float64
	Amplitude float64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	phase  float64
	last   time.Time
}

func NewToneSource(freq, amplitude float64) *ToneSource {
	return &ToneSource{
		Freq:      freq,
		Amplitude: amplitude,
		done:      make(chan struct{}),
	}
}

func (s *ToneSource) ReadQuantum(buf []float32) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.EOF
	}
	wait := time.Duration(0)
	now := time.Now()
	quantum := time.Duration(len(buf)) * time.Second / time.Duration(audio.CaptureRate)
	if !s.last.IsZero() {
		if elapsed := now.Sub(s.last); elapsed < quantum {
			wait = quantum - elapsed
		}
	}
	s.last = now.Add(wait)
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-s.done:
			return 0, io.EOF
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	step := 2 * math.Pi * s.Freq / float64(audio.CaptureRate)
	for i := range buf {
		buf[i] = float32(s.Amplitude * math.Sin(s.phase))
		s.phase += step
	}
	return len(buf), nil
}

func (s *ToneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// NullSink discards playback audio at real-time pace.
type NullSink struct{}

func (NullSink) WritePCM(pcm []byte) error {
	samples := len(pcm) / 2
	time.Sleep(time.Duration(samples) * time.Second / time.Duration(audio.PlaybackRate))
	return nil
}

func (NullSink) Close() error { return nil }

// PatternSource produces a scrolling color-bar frame on every Latest call,
// so consumers always observe a fresh image.
type PatternSource struct {
	Width  int
	Height int

	mu     sync.Mutex
	closed bool
	tick   int
}

func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{Width: width, Height: height}
}

var patternBars = []color.RGBA{
	{R: 0xC0, G: 0xC0, B: 0xC0, A: 0xFF},
	{R: 0xC0, G: 0xC0, B: 0x00, A: 0xFF},
	{R: 0x00, G: 0xC0, B: 0xC0, A: 0xFF},
	{R: 0x00, G: 0xC0, B: 0x00, A: 0xFF},
	{R: 0xC0, G: 0x00, B: 0xC0, A: 0xFF},
	{R: 0xC0, G: 0x00, B: 0x00, A: 0xFF},
	{R: 0x00, G: 0x00, B: 0xC0, A: 0xFF},
}

func (s *PatternSource) Latest() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.tick++

	frame := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	barWidth := s.Width / len(patternBars)
	if barWidth == 0 {
		barWidth = 1
	}
	for x := 0; x < s.Width; x++ {
		bar := ((x + s.tick) / barWidth) % len(patternBars)
		c := patternBars[bar]
		for y := 0; y < s.Height; y++ {
			frame.SetRGBA(x, y, c)
		}
	}
	return frame, true
}

func (s *PatternSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
