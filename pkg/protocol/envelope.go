package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

var (
	ErrEmptyPayload = errors.New("envelope has no payload")
	ErrBadEnvelope  = errors.New("malformed envelope")
)

// Envelope wraps every JSON message the debug endpoints emit.
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a versioned envelope. A nil payload
// leaves Payload empty.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Type: msgType, MsgID: msgID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ValidateBasic checks the version, a known type and a message id.
func (e Envelope) ValidateBasic() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("%w: version %d, want %d", ErrBadEnvelope, e.V, ProtocolVersion)
	case !KnownType(e.Type):
		return fmt.Errorf("%w: unknown type %q", ErrBadEnvelope, e.Type)
	case e.MsgID == "":
		return fmt.Errorf("%w: missing msg_id", ErrBadEnvelope)
	}
	return nil
}

// WithSession returns a copy of e addressed to a session.
func (e Envelope) WithSession(sessionID string) Envelope {
	e.SessionID = sessionID
	return e
}

// NewMsgID returns a random message identifier.
func NewMsgID() string {
	return uuid.NewString()
}
