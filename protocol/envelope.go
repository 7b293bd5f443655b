// Package protocol defines the wire contract shared by the relay server and
// its clients: the envelope framing, the closed event taxonomy, and the typed
// payloads carried for each event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// MaxFrameSize is the largest accepted wire frame in bytes. Larger frames are
// rejected as malformed before JSON parsing.
const MaxFrameSize = 32 * 1024

// ErrMalformedFrame reports a frame that could not be decoded into an
// Envelope. The frame is dropped; the connection is unaffected.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Envelope is the uniform wire unit for every exchange. Type selects the
// payload schema; RequestID is present only on frames that participate in
// request/response correlation.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// Event types sent by clients.
const (
	TypeMessageCreate  = "message.create"
	TypeHistoryRequest = "history.request"
	TypeTypingStart    = "typing.start"
	TypeTypingStop     = "typing.stop"
	TypeMessageRead    = "message.read"
	TypeMembersRequest = "members.request"
)

// Event types sent by the server.
const (
	TypeMessageNew      = "message.new"
	TypeHistoryResponse = "history.response"
	TypeTypingUpdate    = "typing.update"
	TypeReadUpdate      = "message.read.update"
	TypeNotification    = "notification.system"
	TypeError           = "response.error"
	TypeMembersResponse = "members.response"
)

var knownTypes = map[string]bool{
	TypeMessageCreate:   true,
	TypeHistoryRequest:  true,
	TypeTypingStart:     true,
	TypeTypingStop:      true,
	TypeMessageRead:     true,
	TypeMembersRequest:  true,
	TypeMessageNew:      true,
	TypeHistoryResponse: true,
	TypeTypingUpdate:    true,
	TypeReadUpdate:      true,
	TypeNotification:    true,
	TypeError:           true,
	TypeMembersResponse: true,
}

// KnownType reports whether t belongs to the event taxonomy. Frames with an
// unknown type decode fine; the dispatch layer decides how to reject them.
func KnownType(t string) bool {
	return knownTypes[t]
}

// NewRequestID returns a fresh correlation id: a ULID, whose encoding is a
// millisecond timestamp followed by a random suffix. IDs sort by creation
// time, which keeps server logs readable.
func NewRequestID() string {
	return ulid.Make().String()
}

// Encode marshals a fire-and-forget envelope for typ.
func Encode(typ string, payload any) ([]byte, error) {
	return encode(typ, payload, "")
}

// EncodeRequest marshals an envelope that expects a correlated reply. If
// requestID is empty a fresh one is generated; the id actually used is
// returned so the caller can register it before sending.
func EncodeRequest(typ string, payload any, requestID string) ([]byte, string, error) {
	if requestID == "" {
		requestID = NewRequestID()
	}
	raw, err := encode(typ, payload, requestID)
	if err != nil {
		return nil, "", err
	}
	return raw, requestID, nil
}

func encode(typ string, payload any, requestID string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: body, RequestID: requestID})
}

// Decode parses a raw frame into an Envelope. It fails with ErrMalformedFrame
// for oversized frames, invalid JSON, and envelopes without a type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if len(raw) == 0 || len(raw) > MaxFrameSize {
		return env, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedFrame, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}
