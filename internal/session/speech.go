package session

import "sync"

type SpeechState string

const (
	SpeechIdle          SpeechState = "idle"
	SpeechUserSpeaking  SpeechState = "user_speaking"
	SpeechAgentSpeaking SpeechState = "agent_speaking"
	SpeechInterrupted   SpeechState = "interrupted"
)

// speechController tracks who holds the floor. It turns local voice-activity
// onsets into barge-in decisions: user speech during agent playback means the
// playback buffer must be flushed right away.
type speechController struct {
	mu    sync.Mutex
	state SpeechState
}

func newSpeechController() *speechController {
	return &speechController{state: SpeechIdle}
}

// onUserSpeechStart reports whether the onset is a barge-in.
func (c *speechController) onUserSpeechStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case SpeechAgentSpeaking:
		c.state = SpeechInterrupted
		return true
	case SpeechIdle:
		c.state = SpeechUserSpeaking
	}
	return false
}

func (c *speechController) onAgentAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SpeechInterrupted {
		c.state = SpeechAgentSpeaking
	}
}

// onRemoteInterrupt handles the agent's own interruption marker.
func (c *speechController) onRemoteInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SpeechInterrupted
}

func (c *speechController) onTurnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SpeechIdle
}

func (c *speechController) State() SpeechState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
