package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// QuantumSize is the number of samples processed per capture quantum at
// 16 kHz (256 ms).
const QuantumSize = 4096

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrNotStarted     = errors.New("pipeline not started")
)

// CaptureSource is a live microphone track. ReadQuantum blocks until it can
// fill buf with float32 samples at 16 kHz, returning the number of samples
// read. Close releases the underlying hardware track and unblocks any
// pending read.
type CaptureSource interface {
	ReadQuantum(buf []float32) (int, error)
	Close() error
}

type CaptureConfig struct {
	// EnergyThreshold is the RMS level above which a quantum counts as
	// speech.
	EnergyThreshold float64
	// MinSpeechSamples is how many consecutive above-threshold samples are
	// required before the speech-started signal fires.
	MinSpeechSamples int
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		EnergyThreshold:  0.05,
		MinSpeechSamples: CaptureRate / 2, // 0.5s sustained
	}
}

// CapturePipeline converts a microphone track into 16-bit PCM frames and
// raises a speech-started signal on sustained energy. Frame ownership
// transfers to the OnFrame callback.
type CapturePipeline struct {
	cfg CaptureConfig
	log *slog.Logger

	// OnFrame receives each PCM quantum as little-endian 16-bit bytes.
	OnFrame func(pcm []byte)
	// OnSpeechStart fires once per speech run, the first time energy stays
	// above threshold for the configured duration since the last silence.
	OnSpeechStart func()

	mu      sync.Mutex
	src     CaptureSource
	started bool
	wg      sync.WaitGroup

	// VAD run state, touched only by the processing goroutine.
	speechSamples int
	announced     bool
}

func NewCapturePipeline(cfg CaptureConfig, log *slog.Logger) *CapturePipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 0.05
	}
	if cfg.MinSpeechSamples <= 0 {
		cfg.MinSpeechSamples = CaptureRate / 2
	}
	return &CapturePipeline{cfg: cfg, log: log.With("component", "capture")}
}

// Start establishes the processing path from the given microphone track.
// The pipeline owns the track until Stop.
func (p *CapturePipeline) Start(src CaptureSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	if src == nil {
		return errors.New("nil capture source")
	}
	p.src = src
	p.started = true
	p.speechSamples = 0
	p.announced = false

	p.wg.Add(1)
	go p.run(src)
	return nil
}

func (p *CapturePipeline) run(src CaptureSource) {
	defer p.wg.Done()
	buf := make([]float32, QuantumSize)

	for {
		n, err := src.ReadQuantum(buf)
		if n > 0 {
			p.process(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("capture read ended", "error", err)
			}
			return
		}
	}
}

func (p *CapturePipeline) process(samples []float32) {
	energy := RMS(samples)
	if energy > p.cfg.EnergyThreshold {
		p.speechSamples += len(samples)
		if !p.announced && p.speechSamples >= p.cfg.MinSpeechSamples {
			p.announced = true
			if p.OnSpeechStart != nil {
				p.OnSpeechStart()
			}
		}
	} else {
		p.speechSamples = 0
		p.announced = false
	}

	if p.OnFrame != nil {
		p.OnFrame(Int16ToPCMBytes(Float32ToInt16(samples)))
	}
}

// Stop tears down the processing loop and releases the microphone track.
func (p *CapturePipeline) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	src := p.src
	p.src = nil
	p.mu.Unlock()

	err := src.Close()
	p.wg.Wait()
	return err
}

func (p *CapturePipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
