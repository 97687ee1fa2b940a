package recorder

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/prepstream/interview-engine/internal/audio"
	"github.com/prepstream/interview-engine/internal/video"
)

const (
	// ChunkInterval is how often accumulated container bytes are sealed
	// into a chunk.
	ChunkInterval = time.Second

	// VideoBitrate is the target encoding budget for the composite video
	// track, in bits per second.
	VideoBitrate = 2_500_000

	minJPEGQuality     = 25
	maxJPEGQuality     = 90
	initialJPEGQuality = 60
)

var (
	ErrNoTracks         = errors.New("recorder needs at least one track")
	ErrAlreadyRecording = errors.New("already recording")
)

// Recorder encodes the mixed audio stream and the composite frame stream
// into one Matroska artifact: 24 kHz PCM audio plus an MJPEG video track
// paced by the 30 Hz compositor cadence. Chunks accumulate until Stop
// finalizes them into a single binary object; upload retries are the
// caller's concern.
type Recorder struct {
	log *slog.Logger

	mu           sync.Mutex
	recording    bool
	buf          bytes.Buffer
	chunks       [][]byte
	audioWriter  webm.BlockWriteCloser
	videoWriter  webm.BlockWriteCloser
	audioSamples int64
	startTime    time.Time
	jpegQuality  int

	done chan struct{}
	wg   sync.WaitGroup
}

func New(log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log.With("component", "recorder")}
}

// bufCloser adapts the chunk buffer to the muxer's WriteCloser. Writes are
// already serialized under the recorder mutex.
type bufCloser struct {
	buf *bytes.Buffer
}

func (b *bufCloser) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *bufCloser) Close() error                { return nil }

// Start begins encoding. At least one of the two streams must be non-nil;
// the recorder degrades to audio-only or video-only otherwise.
func (r *Recorder) Start(audioStream <-chan []byte, videoStream <-chan *image.RGBA) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrAlreadyRecording
	}
	if audioStream == nil && videoStream == nil {
		return ErrNoTracks
	}

	r.buf.Reset()
	r.chunks = nil
	r.audioSamples = 0
	r.jpegQuality = initialJPEGQuality
	r.startTime = time.Now()
	r.done = make(chan struct{})

	var tracks []webm.TrackEntry
	audioIdx, videoIdx := -1, -1
	if audioStream != nil {
		audioIdx = len(tracks)
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Session Audio",
			TrackNumber: uint64(len(tracks) + 1),
			TrackUID:    uint64(len(tracks) + 1),
			CodecID:     "A_PCM/INT/LIT",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(audio.PlaybackRate),
				Channels:          1,
			},
		})
	}
	if videoStream != nil {
		videoIdx = len(tracks)
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Session Video",
			TrackNumber:     uint64(len(tracks) + 1),
			TrackUID:        uint64(len(tracks) + 1),
			CodecID:         "V_MJPEG",
			TrackType:       1,
			DefaultDuration: uint64(time.Second / video.FrameRate),
			Video: &webm.Video{
				PixelWidth:  video.CanvasWidth,
				PixelHeight: video.CanvasHeight,
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(&bufCloser{buf: &r.buf}, tracks)
	if err != nil {
		return err
	}
	if audioIdx >= 0 {
		r.audioWriter = writers[audioIdx]
	} else {
		r.audioWriter = nil
	}
	if videoIdx >= 0 {
		r.videoWriter = writers[videoIdx]
	} else {
		r.videoWriter = nil
	}

	r.recording = true

	if audioStream != nil {
		r.wg.Add(1)
		go r.consumeAudio(audioStream)
	}
	if videoStream != nil {
		r.wg.Add(1)
		go r.consumeVideo(videoStream)
	}
	r.wg.Add(1)
	go r.sealLoop()

	return nil
}

func (r *Recorder) consumeAudio(stream <-chan []byte) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case pcm, ok := <-stream:
			if !ok {
				return
			}
			r.writeAudio(pcm)
		}
	}
}

func (r *Recorder) writeAudio(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audioWriter == nil {
		return
	}
	ts := r.audioSamples * 1000 / audio.PlaybackRate
	if _, err := r.audioWriter.Write(true, ts, pcm); err != nil {
		r.log.Warn("audio block write failed", "error", err)
		return
	}
	r.audioSamples += int64(len(pcm) / 2)
}

func (r *Recorder) consumeVideo(stream <-chan *image.RGBA) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}
			r.writeVideo(frame)
		}
	}
}

func (r *Recorder) writeVideo(frame *image.RGBA) {
	encoded, err := r.encodeFrame(frame)
	if err != nil {
		r.log.Warn("frame encode failed", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.videoWriter == nil {
		return
	}
	ts := time.Since(r.startTime).Milliseconds()
	if _, err := r.videoWriter.Write(true, ts, encoded); err != nil {
		r.log.Warn("video block write failed", "error", err)
	}
}

// encodeFrame JPEG-encodes one composite frame, nudging quality so frame
// sizes track the bitrate budget.
func (r *Recorder) encodeFrame(frame *image.RGBA) ([]byte, error) {
	r.mu.Lock()
	quality := r.jpegQuality
	r.mu.Unlock()

	var out bytes.Buffer
	if err := jpeg.Encode(&out, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}

	budget := VideoBitrate / 8 / video.FrameRate
	r.mu.Lock()
	switch {
	case out.Len() > budget && r.jpegQuality > minJPEGQuality:
		r.jpegQuality -= 5
	case out.Len() < budget/2 && r.jpegQuality < maxJPEGQuality:
		r.jpegQuality += 5
	}
	r.mu.Unlock()

	return out.Bytes(), nil
}

func (r *Recorder) sealLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sealChunk()
		}
	}
}

func (r *Recorder) sealChunk() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf.Len() == 0 {
		return
	}
	chunk := make([]byte, r.buf.Len())
	copy(chunk, r.buf.Bytes())
	r.buf.Reset()
	r.chunks = append(r.chunks, chunk)
}

// Stop finalizes encoding and returns the accumulated artifact. Stopping
// while not recording resolves to nil rather than erroring.
func (r *Recorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, nil
	}
	r.recording = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.audioWriter != nil {
		if err := r.audioWriter.Close(); err != nil {
			r.log.Warn("audio writer close failed", "error", err)
		}
		r.audioWriter = nil
	}
	if r.videoWriter != nil {
		if err := r.videoWriter.Close(); err != nil {
			r.log.Warn("video writer close failed", "error", err)
		}
		r.videoWriter = nil
	}

	if r.buf.Len() > 0 {
		chunk := make([]byte, r.buf.Len())
		copy(chunk, r.buf.Bytes())
		r.chunks = append(r.chunks, chunk)
		r.buf.Reset()
	}

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	artifact := make([]byte, 0, total)
	for _, c := range r.chunks {
		artifact = append(artifact, c...)
	}
	r.chunks = nil

	r.log.Info("recording finalized",
		"bytes", len(artifact),
		"audio_seconds", float64(r.audioSamples)/float64(audio.PlaybackRate))
	return artifact, nil
}

// Cleanup forcibly stops and discards buffered chunks. Used for abnormal
// termination.
func (r *Recorder) Cleanup() {
	r.mu.Lock()
	if !r.recording {
		r.chunks = nil
		r.buf.Reset()
		r.mu.Unlock()
		return
	}
	r.recording = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audioWriter != nil {
		_ = r.audioWriter.Close()
		r.audioWriter = nil
	}
	if r.videoWriter != nil {
		_ = r.videoWriter.Close()
		r.videoWriter = nil
	}
	r.chunks = nil
	r.buf.Reset()
}

// Recording reports whether a session is currently being encoded.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
