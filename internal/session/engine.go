// Package session orchestrates one interview: transport channel, capture and
// playback pipelines, mixer, compositor, recorder, confirmation gate and the
// final upload, wired per the engine's data flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/prepstream/interview-engine/internal/audio"
	"github.com/prepstream/interview-engine/internal/channel"
	"github.com/prepstream/interview-engine/internal/confirm"
	"github.com/prepstream/interview-engine/internal/media"
	"github.com/prepstream/interview-engine/internal/protocol"
	"github.com/prepstream/interview-engine/internal/recorder"
	"github.com/prepstream/interview-engine/internal/upload"
	"github.com/prepstream/interview-engine/internal/video"
)

var (
	ErrEngineStarted    = errors.New("engine already started")
	ErrEngineNotStarted = errors.New("engine not started")
)

type Config struct {
	Endpoint    string
	UserID      string
	InterviewID string
	AudioMode   bool
	// AutoReconnect enables the channel's bounded retry policy.
	AutoReconnect bool
}

// Devices are the capture and rendering endpoints the host hands to the
// engine. Any of them may be nil; the engine degrades to whatever legs
// remain.
type Devices struct {
	Microphone audio.CaptureSource
	Speaker    audio.PlaybackSink
	Webcam     video.FrameSource
	Surface    video.Acquirer
}

// Status is a point-in-time snapshot for the host to log or display.
type Status struct {
	Channel   channel.State
	Retries   int
	Recording bool
	Speech    SpeechState
	Phase     string
	Completed bool
}

type Engine struct {
	cfg     Config
	devices Devices
	log     *slog.Logger

	ch         *channel.Channel
	capture    *audio.CapturePipeline
	playback   *audio.PlaybackPipeline
	mixer      *audio.Mixer
	compositor *video.Compositor
	rec        *recorder.Recorder
	gate       *confirm.Gate
	tracks     *media.TrackSet
	uploader   *upload.Client
	speech     *speechController

	// OnPrompt surfaces a pending confirmation to the host UI.
	OnPrompt func(protocol.PendingConfirmation)
	// OnTranscript receives agent text parts in arrival order.
	OnTranscript func(text string, partial bool)
	// OnConnectionError receives transport failures, terminal included.
	OnConnectionError func(error)

	mu        sync.Mutex
	started   bool
	completed bool
	phase     string
	artifact  []byte

	micFrames chan []byte
	board     *boardPublisher
	videoLive bool
	audioLive bool
}

func NewEngine(cfg Config, devices Devices, uploader *upload.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("interview_id", cfg.InterviewID)

	e := &Engine{
		cfg:        cfg,
		devices:    devices,
		log:        log.With("component", "session"),
		capture:    audio.NewCapturePipeline(audio.DefaultCaptureConfig(), log),
		mixer:      audio.NewMixer(log),
		compositor: video.NewCompositor(log),
		rec:        recorder.New(log),
		tracks:     media.NewTrackSet(log),
		uploader:   uploader,
		speech:     newSpeechController(),
		micFrames:  make(chan []byte, 64),
	}
	e.ch = channel.New(channel.Config{
		Endpoint:      cfg.Endpoint,
		UserID:        cfg.UserID,
		InterviewID:   cfg.InterviewID,
		AudioMode:     cfg.AudioMode,
		AutoReconnect: cfg.AutoReconnect,
	}, log)
	e.gate = confirm.NewGate(e.ch, log)
	if devices.Speaker != nil {
		e.playback = audio.NewPlaybackPipeline(devices.Speaker, log)
	}
	return e
}

// Start brings up the media legs and connects the channel. Device failures
// are not fatal: each missing leg is logged and the session continues with
// what it has.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrEngineStarted
	}
	e.started = true
	e.mu.Unlock()

	e.ch.OnStateUpdate(e.observeState)
	e.ch.OnEvent(e.handleTurnEvent)
	e.ch.OnConnectionError(func(err error) {
		e.log.Warn("connection error", "error", err)
		if e.OnConnectionError != nil {
			e.OnConnectionError(err)
		}
	})
	e.gate.OnPrompt = func(pc protocol.PendingConfirmation) {
		if e.OnPrompt != nil {
			e.OnPrompt(pc)
		}
	}

	var tap *audio.Tap
	if e.playback != nil {
		if err := e.playback.Start(); err != nil {
			return fmt.Errorf("start playback: %w", err)
		}
		tap, _ = e.playback.Tap()
	}

	micUp := e.startCapture()
	surface := e.acquireSurface(ctx)
	videoStream := e.startVideo(surface)

	var audioStream <-chan []byte
	if micUp || tap != nil {
		mixed, err := e.mixer.CreateMixedStream(e.micFrames, tap)
		if err != nil {
			return fmt.Errorf("create mixed stream: %w", err)
		}
		audioStream = mixed
		e.audioLive = true
	}

	if audioStream == nil && videoStream == nil {
		e.log.Warn("no media legs available, recording disabled")
	} else if err := e.rec.Start(audioStream, videoStream); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}

	if surface != nil {
		e.board = newBoardPublisher(surface, e.ch.Send, e.log)
		e.board.start()
	}

	if err := e.ch.Connect(); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	e.log.Info("session started",
		"audio", audioStream != nil, "video", videoStream != nil)
	return nil
}

func (e *Engine) startCapture() bool {
	if e.devices.Microphone == nil {
		e.log.Warn("no microphone, capture leg disabled")
		return false
	}
	if _, err := e.tracks.Acquire(media.TrackMicrophone, "microphone", nil); err != nil {
		e.log.Warn("microphone track acquisition failed", "error", err)
		return false
	}

	e.capture.OnFrame = e.handleMicFrame
	e.capture.OnSpeechStart = e.handleSpeechStart
	if err := e.capture.Start(e.devices.Microphone); err != nil {
		e.log.Warn("capture start failed, continuing without microphone", "error", err)
		_ = e.tracks.Release(media.TrackMicrophone)
		return false
	}
	return true
}

func (e *Engine) acquireSurface(ctx context.Context) video.FrameSource {
	if e.devices.Surface == nil {
		return nil
	}
	surface, err := video.CaptureSurface(ctx, e.devices.Surface, e.log)
	if err != nil {
		e.log.Warn("drawing surface unavailable, continuing without it", "error", err)
		return nil
	}
	if _, err := e.tracks.Acquire(media.TrackDrawSurface, "drawing surface", surface); err != nil {
		e.log.Warn("surface track acquisition failed", "error", err)
		_ = surface.Close()
		return nil
	}
	return surface
}

func (e *Engine) startVideo(surface video.FrameSource) <-chan *image.RGBA {
	webcam := e.devices.Webcam
	if webcam != nil {
		if _, err := e.tracks.Acquire(media.TrackWebcam, "webcam", webcam); err != nil {
			e.log.Warn("webcam track acquisition failed", "error", err)
			webcam = nil
		}
	}

	primary, secondary := surface, webcam
	if primary == nil {
		// Webcam alone still records, full-frame.
		primary, secondary = webcam, nil
	}
	if primary == nil {
		e.log.Warn("no video sources, video leg disabled")
		return nil
	}

	frames, err := e.compositor.CompositeStreams(primary, secondary)
	if err != nil {
		e.log.Warn("compositor start failed, video leg disabled", "error", err)
		return nil
	}
	e.videoLive = true
	return frames
}

func (e *Engine) handleMicFrame(pcm []byte) {
	e.ch.Send(protocol.AudioFrameMessage(pcm))
	select {
	case e.micFrames <- pcm:
	default:
		// Mixer lagging; the live send already happened.
	}
}

func (e *Engine) handleSpeechStart() {
	if !e.speech.onUserSpeechStart() {
		return
	}
	if e.playback != nil {
		flushed := e.playback.Flush()
		e.log.Info("barge-in, playback flushed", "frames", flushed)
	}
}

// handleTurnEvent applies one inbound turn event: the interruption marker
// flushes playback before any of the event's parts are honored.
func (e *Engine) handleTurnEvent(ev *protocol.InboundEvent) {
	if ev.Interrupted {
		e.speech.onRemoteInterrupt()
		if e.playback != nil {
			flushed := e.playback.Flush()
			e.log.Info("agent interrupted, playback flushed", "frames", flushed)
		}
	}

	for _, part := range ev.Parts {
		switch part.Type {
		case protocol.PartAudioPCM:
			e.speech.onAgentAudio()
			if e.playback != nil {
				if err := e.playback.Enqueue(part.Audio); err != nil {
					e.log.Warn("playback enqueue failed", "error", err)
				}
			}
		case protocol.PartText:
			if e.OnTranscript != nil {
				e.OnTranscript(part.Text, ev.IsPartial)
			}
		case protocol.PartFunctionCall, protocol.PartFunctionResponse:
			e.log.Debug("tool traffic", "type", string(part.Type))
		}
	}

	if ev.TurnComplete {
		e.speech.onTurnComplete()
	}
	if ev.State != nil {
		e.observeState(ev.State)
	}
}

func (e *Engine) observeState(state *protocol.SessionState) {
	e.gate.Observe(state)
	if state == nil {
		return
	}
	e.mu.Lock()
	if state.InterviewPhase != "" && state.InterviewPhase != e.phase {
		e.phase = state.InterviewPhase
		e.log.Info("interview phase changed", "phase", state.InterviewPhase)
	}
	e.mu.Unlock()
}

// SendText submits a user text message. Returns false when the channel is
// not open.
func (e *Engine) SendText(text string) bool {
	return e.ch.Send(protocol.TextMessage(text))
}

func (e *Engine) ApproveConfirmation() error { return e.gate.Approve() }
func (e *Engine) DeclineConfirmation() error { return e.gate.Decline() }

// Disconnect closes the transport only. Pipelines and the recorder keep
// running; a later Connect on a fresh session or Stop decides their fate.
func (e *Engine) Disconnect() error {
	return e.ch.Disconnect()
}

// Stop runs the end-of-session flow: tear down media legs, finalize the
// recording, upload it, release the hardware tracks. The session is complete
// only once the upload succeeded; on upload failure the artifact is retained
// and RetryUpload can run the delivery again.
func (e *Engine) Stop(ctx context.Context) (string, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return "", ErrEngineNotStarted
	}
	e.started = false
	e.mu.Unlock()

	if e.board != nil {
		e.board.close()
	}
	if err := e.capture.Stop(); err != nil && !errors.Is(err, audio.ErrNotStarted) {
		e.log.Warn("capture stop", "error", err)
	}
	_ = e.ch.Disconnect()
	if e.playback != nil {
		if err := e.playback.Stop(); err != nil && !errors.Is(err, audio.ErrNotStarted) {
			e.log.Warn("playback stop", "error", err)
		}
	}
	if e.audioLive {
		e.mixer.Cleanup()
	}
	if e.videoLive {
		e.compositor.Stop()
	}

	artifact, err := e.rec.Stop()
	releaseErr := e.tracks.ReleaseAll()
	if err != nil {
		return "", fmt.Errorf("finalize recording: %w", err)
	}
	if releaseErr != nil {
		e.log.Warn("track release", "error", releaseErr)
	}

	if len(artifact) == 0 {
		e.markCompleted()
		return "", nil
	}

	e.mu.Lock()
	e.artifact = artifact
	e.mu.Unlock()
	return e.deliverArtifact(ctx)
}

// RetryUpload re-posts a finalized artifact whose delivery failed during
// Stop.
func (e *Engine) RetryUpload(ctx context.Context) (string, error) {
	e.mu.Lock()
	pending := e.artifact != nil
	e.mu.Unlock()
	if !pending {
		return "", errors.New("no artifact awaiting upload")
	}
	return e.deliverArtifact(ctx)
}

func (e *Engine) deliverArtifact(ctx context.Context) (string, error) {
	e.mu.Lock()
	artifact := e.artifact
	e.mu.Unlock()

	url, err := e.uploader.PushRecording(ctx, e.cfg.InterviewID, artifact)
	if err != nil {
		return "", fmt.Errorf("deliver recording: %w", err)
	}

	e.mu.Lock()
	e.artifact = nil
	e.mu.Unlock()
	e.markCompleted()
	return url, nil
}

func (e *Engine) markCompleted() {
	e.mu.Lock()
	e.completed = true
	e.mu.Unlock()
	e.log.Info("session complete")
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	phase, completed := e.phase, e.completed
	e.mu.Unlock()
	return Status{
		Channel:   e.ch.State(),
		Retries:   e.ch.Retries(),
		Recording: e.rec.Recording(),
		Speech:    e.speech.State(),
		Phase:     phase,
		Completed: completed,
	}
}
