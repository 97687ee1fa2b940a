package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prepstream/interview-engine/internal/protocol"
	"github.com/prepstream/interview-engine/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentPeer is an in-process interviewing agent speaking the wire protocol.
type agentPeer struct {
	received chan map[string]any
	outbound chan string
	server   *httptest.Server
}

func newAgentPeer(t *testing.T) *agentPeer {
	p := &agentPeer{
		received: make(chan map[string]any, 128),
		outbound: make(chan string, 64),
	}
	upgrader := websocket.Upgrader{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for data := range p.outbound {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(data))
			}
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				p.received <- msg
			}
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *agentPeer) wsURL() string {
	return "ws" + p.server.URL[4:]
}

// waitReceived pulls envelopes until one matches, failing on timeout.
func (p *agentPeer) waitReceived(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-p.received:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("expected envelope never arrived")
		}
	}
}

type blockingMic struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newBlockingMic() *blockingMic {
	return &blockingMic{done: make(chan struct{})}
}

func (m *blockingMic) ReadQuantum(buf []float32) (int, error) {
	<-m.done
	return 0, io.EOF
}

func (m *blockingMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

type memorySpeaker struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *memorySpeaker) WritePCM(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	for _, b := range pcm {
		if b != 0 {
			s.mu.Lock()
			frame := make([]byte, len(pcm))
			copy(frame, pcm)
			s.frames = append(s.frames, frame)
			s.mu.Unlock()
			return nil
		}
	}
	// Silence fill during under-run is not interesting to the tests.
	return nil
}

func (s *memorySpeaker) Close() error { return nil }

func (s *memorySpeaker) rendered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newUploadServer(t *testing.T, fail *bool) *upload.Client {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && *fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://store.example.com/rec/iv_1.mkv"}`))
	}))
	t.Cleanup(server.Close)
	return upload.NewClient(upload.Config{BaseURL: server.URL}, testLogger())
}

func testEngine(t *testing.T, peer *agentPeer, devices Devices, uploader *upload.Client) *Engine {
	cfg := Config{
		Endpoint:    peer.wsURL(),
		UserID:      "user_1",
		InterviewID: "iv_1",
		AudioMode:   true,
	}
	return NewEngine(cfg, devices, uploader, testLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_PlaysInboundAudio(t *testing.T) {
	peer := newAgentPeer(t)
	speaker := &memorySpeaker{}
	e := testEngine(t, peer, Devices{Microphone: newBlockingMic(), Speaker: speaker}, newUploadServer(t, nil))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(context.Background())

	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })

	// 0x11 repeated survives base64 round-trip and is visibly non-silence.
	peer.outbound <- `{"is_partial":true,"parts":[{"type":"audio/pcm","data":"ERER"}]}`
	waitFor(t, "audio rendered", func() bool { return speaker.rendered() > 0 })

	if got := e.Status().Speech; got != SpeechAgentSpeaking {
		t.Errorf("expected agent_speaking, got %s", got)
	}
	peer.outbound <- `{"turn_complete":true,"parts":[]}`
	waitFor(t, "turn complete", func() bool { return e.Status().Speech == SpeechIdle })
}

func TestEngine_TranscriptAndPhase(t *testing.T) {
	peer := newAgentPeer(t)
	e := testEngine(t, peer, Devices{Speaker: &memorySpeaker{}}, newUploadServer(t, nil))

	var mu sync.Mutex
	var texts []string
	e.OnTranscript = func(text string, partial bool) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(context.Background())
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })

	peer.outbound <- `{"parts":[{"type":"text","data":"tell me about"}],"state":{"interview_phase":"intro"}}`
	waitFor(t, "transcript", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1 && texts[0] == "tell me about"
	})
	waitFor(t, "phase", func() bool { return e.Status().Phase == "intro" })
}

func TestEngine_ConfirmationFlow(t *testing.T) {
	peer := newAgentPeer(t)
	e := testEngine(t, peer, Devices{Speaker: &memorySpeaker{}}, newUploadServer(t, nil))

	prompts := make(chan string, 4)
	e.OnPrompt = func(pc protocol.PendingConfirmation) { prompts <- pc.ID }

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(context.Background())
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })

	peer.outbound <- `{"type":"state_update","state":{"pending_confirmation":{"id":"c1","company":"google","interview_type":"system_design","price":49.99}}}`
	select {
	case id := <-prompts:
		if id != "c1" {
			t.Fatalf("unexpected prompt id %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("prompt never fired")
	}

	if err := e.ApproveConfirmation(); err != nil {
		t.Fatalf("ApproveConfirmation error: %v", err)
	}
	msg := peer.waitReceived(t, func(m map[string]any) bool {
		return m["mime_type"] == "confirmation_response"
	})
	data, _ := msg["data"].(string)
	if !strings.Contains(data, `"confirmation_id":"c1"`) || !strings.Contains(data, `"approved":true`) {
		t.Errorf("unexpected confirmation payload: %s", data)
	}

	// A later, different confirmation is accepted cleanly.
	peer.outbound <- `{"type":"state_update","state":{"pending_confirmation":{"id":"c2","company":"stripe","interview_type":"coding","price":29.99}}}`
	select {
	case id := <-prompts:
		if id != "c2" {
			t.Fatalf("unexpected second prompt id %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second prompt never fired")
	}
	if err := e.DeclineConfirmation(); err != nil {
		t.Fatalf("DeclineConfirmation error: %v", err)
	}
}

func TestEngine_InterruptFlushesBeforeNewParts(t *testing.T) {
	peer := newAgentPeer(t)
	speaker := &memorySpeaker{}
	e := testEngine(t, peer, Devices{Speaker: speaker}, newUploadServer(t, nil))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Stop(context.Background())
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })

	peer.outbound <- `{"is_partial":true,"parts":[{"type":"audio/pcm","data":"ERER"}]}`
	waitFor(t, "first audio rendered", func() bool { return speaker.rendered() > 0 })

	// The interruption marker precedes the replacement audio in the same
	// event; the replacement must still render afterwards.
	peer.outbound <- `{"interrupted":true,"parts":[{"type":"audio/pcm","data":"IiIi"}]}`
	waitFor(t, "replacement audio rendered", func() bool {
		speaker.mu.Lock()
		defer speaker.mu.Unlock()
		for _, f := range speaker.frames {
			if f[0] == 0x22 {
				return true
			}
		}
		return false
	})
}

func TestEngine_LifecycleGuards(t *testing.T) {
	peer := newAgentPeer(t)
	e := testEngine(t, peer, Devices{Speaker: &memorySpeaker{}}, newUploadServer(t, nil))

	if _, err := e.Stop(context.Background()); !errors.Is(err, ErrEngineNotStarted) {
		t.Errorf("expected ErrEngineNotStarted, got %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineStarted) {
		t.Errorf("expected ErrEngineStarted, got %v", err)
	}
	if _, err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestEngine_NoDevicesStillRuns(t *testing.T) {
	peer := newAgentPeer(t)
	e := testEngine(t, peer, Devices{}, newUploadServer(t, nil))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })
	if e.Status().Recording {
		t.Error("recording must be disabled without media legs")
	}

	url, err := e.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if url != "" {
		t.Errorf("no artifact, no url expected, got %s", url)
	}
	if !e.Status().Completed {
		t.Error("session should be complete without an artifact to deliver")
	}
}

func TestEngine_DisconnectKeepsRecording(t *testing.T) {
	peer := newAgentPeer(t)
	e := testEngine(t, peer, Devices{Microphone: newBlockingMic(), Speaker: &memorySpeaker{}}, newUploadServer(t, nil))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })
	waitFor(t, "recording", func() bool { return e.Status().Recording })

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	waitFor(t, "channel closed", func() bool { return e.Status().Channel.String() == "closed" })

	if !e.Status().Recording {
		t.Error("disconnect must not stop the recorder")
	}
	if _, err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestEngine_UploadFailureLeavesSessionIncomplete(t *testing.T) {
	peer := newAgentPeer(t)
	fail := true
	e := testEngine(t, peer, Devices{Speaker: &memorySpeaker{}}, newUploadServer(t, &fail))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, "channel open", func() bool { return e.Status().Channel.String() == "open" })

	// Put some agent audio on the timeline so an artifact exists.
	peer.outbound <- `{"parts":[{"type":"audio/pcm","data":"ERERERERERER"}]}`
	waitFor(t, "recording", func() bool { return e.Status().Recording })
	// Give the mixer's lone-source flush a cycle to hand audio to the
	// recorder.
	time.Sleep(300 * time.Millisecond)

	if _, err := e.Stop(context.Background()); err == nil {
		t.Fatal("expected upload failure to surface from Stop")
	}
	if e.Status().Completed {
		t.Error("session must not be complete after a failed upload")
	}

	fail = false
	url, err := e.RetryUpload(context.Background())
	if err != nil {
		t.Fatalf("RetryUpload error: %v", err)
	}
	if url == "" {
		t.Error("expected durable url after retry")
	}
	if !e.Status().Completed {
		t.Error("session should be complete after successful retry")
	}
}
