package protocol

type MimeType string

const (
	MimeAudioPCM             MimeType = "audio/pcm"
	MimeTextPlain            MimeType = "text/plain"
	MimeImagePNG             MimeType = "image/png"
	MimeConfirmationResponse MimeType = "confirmation_response"
)

type PartType string

const (
	PartAudioPCM         PartType = "audio/pcm"
	PartText             PartType = "text"
	PartFunctionCall     PartType = "function_call"
	PartFunctionResponse PartType = "function_response"
)

// OutboundMessage is one frame submitted to the channel. Payload bytes are
// base64-encoded on the wire; Text is used verbatim for text/plain and
// confirmation_response envelopes.
type OutboundMessage struct {
	Mime    MimeType
	Payload []byte
	Text    string
}

func AudioFrameMessage(pcm []byte) OutboundMessage {
	return OutboundMessage{Mime: MimeAudioPCM, Payload: pcm}
}

func ImageFrameMessage(png []byte) OutboundMessage {
	return OutboundMessage{Mime: MimeImagePNG, Payload: png}
}

func TextMessage(text string) OutboundMessage {
	return OutboundMessage{Mime: MimeTextPlain, Text: text}
}

type ConfirmationResponse struct {
	ConfirmationID string `json:"confirmation_id"`
	Approved       bool   `json:"approved"`
}

// PendingConfirmation is the approval request carried inside a state
// snapshot. At most one is outstanding per session.
type PendingConfirmation struct {
	ID            string  `json:"id"`
	Company       string  `json:"company"`
	InterviewType string  `json:"interview_type"`
	Price         float64 `json:"price"`
}

// SessionState is the advisory snapshot attached to state_update envelopes
// and, optionally, to turn events.
type SessionState struct {
	PendingConfirmation *PendingConfirmation `json:"pending_confirmation,omitempty"`
	RoutingDecision     string               `json:"routing_decision,omitempty"`
	InterviewPhase      string               `json:"interview_phase,omitempty"`
	InterviewID         string               `json:"interview_id,omitempty"`
}

type Part struct {
	Type PartType
	// Audio holds decoded PCM for audio/pcm parts.
	Audio []byte
	// Text holds the payload for text, function_call and function_response
	// parts.
	Text string
}

type EventKind int

const (
	KindTurnEvent EventKind = iota
	KindStateUpdate
)

// InboundEvent is the decoded form of one inbound envelope. Exactly one of
// the two shapes is populated, selected by Kind.
type InboundEvent struct {
	Kind EventKind

	// Turn event fields.
	IsPartial    bool
	TurnComplete bool
	Interrupted  bool
	Parts        []Part

	// State carries the snapshot for state updates, and the optional
	// piggybacked snapshot on turn events.
	State *SessionState
}
