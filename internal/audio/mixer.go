package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// loneFlushInterval bounds how long one-sided audio sits in the mixer when
// the other leg is silent or not yet attached.
const loneFlushInterval = 100 * time.Millisecond

// Mixer sums the raw microphone signal and the agent playback tap into one
// recordable 24 kHz stream. Pure summation: no gain control, no echo
// cancellation. The mic leg arrives at 16 kHz and is resampled up.
type Mixer struct {
	log *slog.Logger

	mu       sync.Mutex
	micBuf   []int16
	agentBuf []int16
	out      chan []byte
	created  bool
	cleaned  bool

	tapCancel chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewMixer(log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	return &Mixer{
		log:  log.With("component", "mixer"),
		done: make(chan struct{}),
	}
}

// CreateMixedStream builds the combined stream from the microphone frame
// channel and, if already available, the agent playback tap. The tap may be
// attached later with AddAgentAudio. The returned channel closes on
// Cleanup.
func (m *Mixer) CreateMixedStream(mic <-chan []byte, tap *Tap) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created {
		return nil, errors.New("mixed stream already created")
	}
	if mic == nil {
		return nil, errors.New("nil mic stream")
	}
	m.created = true
	m.out = make(chan []byte, 64)

	m.wg.Add(2)
	go m.readMic(mic)
	go m.flushLoop()

	if tap != nil {
		m.attachTapLocked(tap)
	}
	return m.out, nil
}

// AddAgentAudio attaches (or replaces) the agent playback tap after mix
// creation, swapping out any previous tap.
func (m *Mixer) AddAgentAudio(tap *Tap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created {
		return errors.New("mixed stream not created")
	}
	if tap == nil {
		return errors.New("nil tap")
	}
	m.attachTapLocked(tap)
	return nil
}

func (m *Mixer) attachTapLocked(tap *Tap) {
	if m.tapCancel != nil {
		close(m.tapCancel)
	}
	cancel := make(chan struct{})
	m.tapCancel = cancel

	m.wg.Add(1)
	go m.readTap(tap, cancel)
}

func (m *Mixer) readMic(mic <-chan []byte) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case pcm, ok := <-mic:
			if !ok {
				return
			}
			samples := ResampleInt16(PCMBytesToInt16(pcm), CaptureRate, PlaybackRate)
			m.push(samples, nil)
		}
	}
}

func (m *Mixer) readTap(tap *Tap, cancel chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-cancel:
			return
		case pcm, ok := <-tap.Frames():
			if !ok {
				return
			}
			m.push(nil, PCMBytesToInt16(pcm))
		}
	}
}

// push appends to the per-leg accumulators and emits the mixed overlap.
func (m *Mixer) push(mic, agent []int16) {
	m.mu.Lock()
	m.micBuf = append(m.micBuf, mic...)
	m.agentBuf = append(m.agentBuf, agent...)

	n := len(m.micBuf)
	if len(m.agentBuf) < n {
		n = len(m.agentBuf)
	}
	if n == 0 {
		m.mu.Unlock()
		return
	}
	mixed := MixInt16(m.micBuf[:n], m.agentBuf[:n])
	m.micBuf = m.micBuf[n:]
	m.agentBuf = m.agentBuf[n:]
	out := m.out
	m.mu.Unlock()

	m.emit(out, mixed)
}

// flushLoop emits one-sided audio so a silent leg never stalls the stream.
func (m *Mixer) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(loneFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			m.flushLone()
			return
		case <-ticker.C:
			m.flushLone()
		}
	}
}

func (m *Mixer) flushLone() {
	m.mu.Lock()
	var lone []int16
	switch {
	case len(m.micBuf) > 0 && len(m.agentBuf) == 0:
		lone = m.micBuf
		m.micBuf = nil
	case len(m.agentBuf) > 0 && len(m.micBuf) == 0:
		lone = m.agentBuf
		m.agentBuf = nil
	}
	out := m.out
	m.mu.Unlock()

	if len(lone) > 0 {
		m.emit(out, lone)
	}
}

func (m *Mixer) emit(out chan []byte, samples []int16) {
	select {
	case out <- Int16ToPCMBytes(samples):
	default:
		m.log.Warn("mixed stream consumer lagging, dropping frame", "samples", len(samples))
	}
}

// Cleanup disconnects both sources and closes the mixed stream.
func (m *Mixer) Cleanup() {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return
	}
	m.cleaned = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	if m.out != nil {
		close(m.out)
	}
	m.mu.Unlock()
}
