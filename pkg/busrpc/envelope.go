package busrpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// EnvelopeVersion is the current wire schema version. Bump on incompatible
// envelope changes; replies carrying an unknown version are surfaced to the
// caller as remote errors rather than misparsed.
const EnvelopeVersion = 1

// ErrorPayload is the error half of a reply envelope, carried verbatim from
// the backend service to the caller.
type ErrorPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Envelope is the JSON frame wrapping every message on the bus. Correlated
// requests and replies carry a Cid; fire-and-forget emits omit it.
type Envelope struct {
	V     int             `json:"v"`
	Cid   string          `json:"cid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

// NewRequest marshals payload into a request envelope with a fresh
// correlation id and returns the id alongside the encoded frame.
func NewRequest(payload any) (cid string, frame []byte, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	cid = uuid.NewString()
	frame, err = json.Marshal(Envelope{V: EnvelopeVersion, Cid: cid, Data: data})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}
	return cid, frame, nil
}

// NewEvent marshals payload into an uncorrelated envelope for emits.
func NewEvent(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return json.Marshal(Envelope{V: EnvelopeVersion, Data: data})
}

// DecodeEnvelope parses a bus frame. A version mismatch is an error; the
// parsed envelope is still returned so callers can recover the Cid.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.V != EnvelopeVersion {
		return env, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	return env, nil
}

// Respond replies to a correlated request with a success envelope carrying
// the request's correlation id. Used by backend-service responders.
func Respond(msg *nats.Msg, cid string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply payload: %w", err)
	}
	frame, err := json.Marshal(Envelope{V: EnvelopeVersion, Cid: cid, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal reply envelope: %w", err)
	}
	return msg.Respond(frame)
}

// RespondError replies to a correlated request with an error envelope. The
// status and message are propagated verbatim to the calling gateway.
func RespondError(msg *nats.Msg, cid string, status int, message string) error {
	frame, err := json.Marshal(Envelope{
		V:     EnvelopeVersion,
		Cid:   cid,
		Error: &ErrorPayload{Status: status, Message: message},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal error envelope: %w", err)
	}
	return msg.Respond(frame)
}
