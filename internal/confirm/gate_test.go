package confirm

import (
	"testing"

	"github.com/prepstream/interview-engine/internal/protocol"
)

type fakeSender struct {
	open      bool
	responses []protocol.ConfirmationResponse
}

func (s *fakeSender) SendConfirmation(resp protocol.ConfirmationResponse) bool {
	if !s.open {
		return false
	}
	s.responses = append(s.responses, resp)
	return true
}

func pendingState(id string) *protocol.SessionState {
	return &protocol.SessionState{
		PendingConfirmation: &protocol.PendingConfirmation{
			ID:            id,
			Company:       "google",
			InterviewType: "system_design",
			Price:         49.99,
		},
	}
}

func TestGate_ApproveFlow(t *testing.T) {
	sender := &fakeSender{open: true}
	g := NewGate(sender, nil)

	var prompted []protocol.PendingConfirmation
	g.OnPrompt = func(pc protocol.PendingConfirmation) { prompted = append(prompted, pc) }

	if g.State() != StateDormant {
		t.Fatalf("expected Dormant initially, got %s", g.State())
	}

	g.Observe(pendingState("c1"))
	if g.State() != StateAwaitingUser {
		t.Fatalf("expected AwaitingUser, got %s", g.State())
	}
	if len(prompted) != 1 || prompted[0].ID != "c1" || prompted[0].Price != 49.99 {
		t.Fatalf("unexpected prompt: %+v", prompted)
	}

	if err := g.Approve(); err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if g.State() != StateDormant {
		t.Errorf("expected Dormant after approve, got %s", g.State())
	}
	if len(sender.responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(sender.responses))
	}
	if r := sender.responses[0]; r.ConfirmationID != "c1" || !r.Approved {
		t.Errorf("unexpected response: %+v", r)
	}

	// A new, different id is accepted afterwards without cross-talk.
	g.Observe(pendingState("c2"))
	if err := g.Decline(); err != nil {
		t.Fatalf("Decline error: %v", err)
	}
	if r := sender.responses[1]; r.ConfirmationID != "c2" || r.Approved {
		t.Errorf("unexpected second response: %+v", r)
	}
}

func TestGate_ResolveWithoutPending(t *testing.T) {
	g := NewGate(&fakeSender{open: true}, nil)
	if err := g.Approve(); err != ErrNoPendingConfirmation {
		t.Errorf("expected ErrNoPendingConfirmation, got %v", err)
	}
	if err := g.Decline(); err != ErrNoPendingConfirmation {
		t.Errorf("expected ErrNoPendingConfirmation, got %v", err)
	}
}

func TestGate_ExternalCancellation(t *testing.T) {
	g := NewGate(&fakeSender{open: true}, nil)
	var cancelled []string
	g.OnCancelled = func(id string) { cancelled = append(cancelled, id) }

	g.Observe(pendingState("c1"))
	// A later snapshot without the pending record withdraws it.
	g.Observe(&protocol.SessionState{InterviewPhase: "coding"})

	if g.State() != StateDormant {
		t.Errorf("expected Dormant after withdrawal, got %s", g.State())
	}
	if len(cancelled) != 1 || cancelled[0] != "c1" {
		t.Errorf("unexpected cancellations: %v", cancelled)
	}
	if err := g.Approve(); err != ErrNoPendingConfirmation {
		t.Errorf("withdrawn confirmation must not be resolvable, got %v", err)
	}
}

func TestGate_Supersede(t *testing.T) {
	sender := &fakeSender{open: true}
	g := NewGate(sender, nil)
	var cancelled []string
	g.OnCancelled = func(id string) { cancelled = append(cancelled, id) }

	g.Observe(pendingState("c1"))
	g.Observe(pendingState("c2"))

	if len(cancelled) != 1 || cancelled[0] != "c1" {
		t.Errorf("expected c1 to be superseded, got %v", cancelled)
	}
	pc, ok := g.Pending()
	if !ok || pc.ID != "c2" {
		t.Errorf("expected c2 tracked, got %+v ok=%t", pc, ok)
	}

	if err := g.Approve(); err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if r := sender.responses[0]; r.ConfirmationID != "c2" {
		t.Errorf("response must correlate with the superseding id, got %+v", r)
	}
}

func TestGate_RepeatedSnapshotIsNoop(t *testing.T) {
	g := NewGate(&fakeSender{open: true}, nil)
	prompts := 0
	g.OnPrompt = func(protocol.PendingConfirmation) { prompts++ }

	g.Observe(pendingState("c1"))
	g.Observe(pendingState("c1"))
	g.Observe(pendingState("c1"))

	if prompts != 1 {
		t.Errorf("expected a single prompt for repeated snapshots, got %d", prompts)
	}
}

func TestGate_ChannelClosedDuringResolve(t *testing.T) {
	g := NewGate(&fakeSender{open: false}, nil)
	g.Observe(pendingState("c1"))
	if err := g.Approve(); err == nil {
		t.Error("expected error when channel is not open")
	}
}

func TestGate_NilStateIgnored(t *testing.T) {
	g := NewGate(&fakeSender{open: true}, nil)
	g.Observe(pendingState("c1"))
	g.Observe(nil)
	if g.State() != StateAwaitingUser {
		t.Errorf("nil snapshot must not change gate state, got %s", g.State())
	}
}
