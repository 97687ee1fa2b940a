package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyEnvelope   = errors.New("empty envelope")
	ErrUnknownEnvelope = errors.New("unknown envelope shape")
	ErrUnknownMime     = errors.New("unknown mime type")
)

type outboundEnvelope struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// EncodeOutbound renders a message as its JSON wire envelope. Binary
// payloads travel base64-encoded; text payloads travel verbatim.
func EncodeOutbound(msg OutboundMessage) ([]byte, error) {
	env := outboundEnvelope{MimeType: string(msg.Mime)}

	switch msg.Mime {
	case MimeAudioPCM, MimeImagePNG:
		env.Data = base64.StdEncoding.EncodeToString(msg.Payload)
	case MimeTextPlain, MimeConfirmationResponse:
		env.Data = msg.Text
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMime, msg.Mime)
	}

	return json.Marshal(env)
}

// ConfirmationMessage builds the correlated approve/decline message for a
// tracked confirmation id.
func ConfirmationMessage(resp ConfirmationResponse) (OutboundMessage, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return OutboundMessage{}, err
	}
	return OutboundMessage{
		Mime: MimeConfirmationResponse,
		Text: string(payload),
	}, nil
}

// EncodeConfirmation renders the approve/decline wire envelope directly.
func EncodeConfirmation(resp ConfirmationResponse) ([]byte, error) {
	msg, err := ConfirmationMessage(resp)
	if err != nil {
		return nil, err
	}
	return EncodeOutbound(msg)
}

type inboundEnvelope struct {
	Type  string        `json:"type,omitempty"`
	State *SessionState `json:"state,omitempty"`

	IsPartial    bool          `json:"is_partial,omitempty"`
	TurnComplete bool          `json:"turn_complete,omitempty"`
	Interrupted  bool          `json:"interrupted,omitempty"`
	Parts        []inboundPart `json:"parts,omitempty"`
}

type inboundPart struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// DecodeInbound parses one inbound envelope into the closed event union.
// Parts with an unknown type are skipped rather than failing the whole
// event; a state_update without a state body is malformed.
func DecodeInbound(data []byte) (*InboundEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Type == "state_update" {
		if env.State == nil {
			return nil, fmt.Errorf("%w: state_update without state", ErrUnknownEnvelope)
		}
		return &InboundEvent{Kind: KindStateUpdate, State: env.State}, nil
	}
	if env.Type != "" {
		return nil, fmt.Errorf("%w: type %q", ErrUnknownEnvelope, env.Type)
	}

	ev := &InboundEvent{
		Kind:         KindTurnEvent,
		IsPartial:    env.IsPartial,
		TurnComplete: env.TurnComplete,
		Interrupted:  env.Interrupted,
		State:        env.State,
	}

	for _, p := range env.Parts {
		part, ok, err := decodePart(p)
		if err != nil {
			return nil, err
		}
		if ok {
			ev.Parts = append(ev.Parts, part)
		}
	}

	return ev, nil
}

func decodePart(p inboundPart) (Part, bool, error) {
	switch PartType(p.Type) {
	case PartAudioPCM:
		pcm, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return Part{}, false, fmt.Errorf("decode audio part: %w", err)
		}
		return Part{Type: PartAudioPCM, Audio: pcm}, true, nil
	case PartText, PartFunctionCall, PartFunctionResponse:
		return Part{Type: PartType(p.Type), Text: p.Data}, true, nil
	default:
		return Part{}, false, nil
	}
}
