package confirm

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/prepstream/interview-engine/internal/protocol"
)

var ErrNoPendingConfirmation = errors.New("no pending confirmation")

// Sender delivers the correlated response over the transport channel.
type Sender interface {
	SendConfirmation(resp protocol.ConfirmationResponse) bool
}

type GateState string

const (
	StateDormant      GateState = "dormant"
	StateAwaitingUser GateState = "awaiting_user"
)

// Gate tracks the at-most-one pending confirmation per session. It enters
// AwaitingUser when a state notification carries a new pending record and
// returns to Dormant on resolution, or implicitly when a later snapshot no
// longer carries the id.
type Gate struct {
	sender Sender
	log    *slog.Logger

	// OnPrompt fires when a confirmation starts awaiting the user.
	OnPrompt func(protocol.PendingConfirmation)
	// OnCancelled fires when an unresolved confirmation is withdrawn by a
	// later snapshot or superseded by a new one.
	OnCancelled func(id string)

	mu      sync.Mutex
	state   GateState
	pending *protocol.PendingConfirmation
}

func NewGate(sender Sender, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		sender: sender,
		log:    log.With("component", "confirm"),
		state:  StateDormant,
	}
}

// Observe feeds every inbound session-state snapshot through the gate.
// Snapshots are advisory and never block; nil states are ignored.
func (g *Gate) Observe(state *protocol.SessionState) {
	if state == nil {
		return
	}

	g.mu.Lock()
	var cancelled, prompted *protocol.PendingConfirmation

	incoming := state.PendingConfirmation
	switch {
	case incoming == nil:
		if g.pending != nil {
			// External cancellation: a newer snapshot dropped the id.
			cancelled = g.pending
			g.pending = nil
			g.state = StateDormant
		}
	case g.pending == nil || g.pending.ID != incoming.ID:
		// New confirmation; an unresolved one is silently superseded.
		cancelled = g.pending
		pc := *incoming
		g.pending = &pc
		g.state = StateAwaitingUser
		prompted = &pc
	}
	g.mu.Unlock()

	if cancelled != nil {
		g.log.Info("pending confirmation withdrawn", "confirmation_id", cancelled.ID)
		if g.OnCancelled != nil {
			g.OnCancelled(cancelled.ID)
		}
	}
	if prompted != nil {
		g.log.Info("confirmation awaiting user",
			"confirmation_id", prompted.ID,
			"company", prompted.Company,
			"interview_type", prompted.InterviewType,
			"price", prompted.Price)
		if g.OnPrompt != nil {
			g.OnPrompt(*prompted)
		}
	}
}

// Approve resolves the tracked confirmation positively.
func (g *Gate) Approve() error {
	return g.resolve(true)
}

// Decline resolves the tracked confirmation negatively.
func (g *Gate) Decline() error {
	return g.resolve(false)
}

func (g *Gate) resolve(approved bool) error {
	g.mu.Lock()
	if g.state != StateAwaitingUser || g.pending == nil {
		g.mu.Unlock()
		return ErrNoPendingConfirmation
	}
	id := g.pending.ID
	g.pending = nil
	g.state = StateDormant
	g.mu.Unlock()

	sent := g.sender.SendConfirmation(protocol.ConfirmationResponse{
		ConfirmationID: id,
		Approved:       approved,
	})
	if !sent {
		return errors.New("channel not open for confirmation response")
	}
	g.log.Info("confirmation resolved", "confirmation_id", id, "approved", approved)
	return nil
}

func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns a copy of the tracked confirmation, if any.
func (g *Gate) Pending() (protocol.PendingConfirmation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return protocol.PendingConfirmation{}, false
	}
	return *g.pending, true
}
