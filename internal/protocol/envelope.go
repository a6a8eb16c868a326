package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/pylon-client/internal/errors"
	"github.com/tidwall/gjson"
)

// Envelope is the JSON frame exchanged with the relay.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
}

// New builds an envelope with payload marshalled to JSON. A nil payload
// becomes an empty object so the relay always sees "payload":{}.
func New(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ, Payload: json.RawMessage("{}")}, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling %s payload: %w", typ, err)
	}

	return Envelope{Type: typ, Payload: raw}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(typ string, payload any) Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}

	return env
}

// Encode marshals the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}

	return data, nil
}

// Decode parses a wire frame. Frames that are not JSON objects or that
// lack a type are rejected with ErrMalformedMessage.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid json", apperrors.ErrMalformedMessage)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", apperrors.ErrMalformedMessage, err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", apperrors.ErrMalformedMessage)
	}

	return env, nil
}

// PeekType returns the "type" field without a full decode.
func PeekType(data []byte) string {
	return gjson.GetBytes(data, "type").Str
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s has no payload", apperrors.ErrMalformedMessage, env.Type)
	}

	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: decoding %s: %w", apperrors.ErrMalformedMessage, env.Type, err)
	}

	return v, nil
}

// DeviceID extracts auth_result.device.deviceId as a string, accepting
// both string and numeric forms.
func DeviceID(payload json.RawMessage) string {
	r := gjson.GetBytes(payload, "device.deviceId")
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}

	return r.String()
}
