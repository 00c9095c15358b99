// Package protocol defines the JSON envelope exchanged with the Galatea
// server over the web WebSocket, and a closed set of payload kinds that the
// client understands.
//
// Every frame on the wire has the same outer shape:
//
//	{"type": "...", "session_id": "...", "data": {...}, "timestamp": 1712345678.9}
//
// [Decode] turns a raw frame into a [Message] whose Payload is one of the
// concrete payload types in this package, or [Unknown] for types the client
// does not recognise. [Encode] does the reverse for outbound payloads.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the discriminator carried in the envelope's "type" field.
type Type string

const (
	TypeUserMessage  Type = "user_message"
	TypeHeartbeat    Type = "heartbeat"
	TypeAITextStream Type = "ai_text_stream"
	TypeAIStatus     Type = "ai_status"
	TypeError        Type = "error"
	TypeAudioChunk   Type = "audio_chunk"
)

// Envelope is the raw outer frame. Data is kept undecoded until the type is
// known.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

// Message is a decoded inbound envelope.
type Message struct {
	SessionID string
	Timestamp float64
	Payload   Payload
}

// Type returns the kind of the message payload.
func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// Payload is implemented by every payload type in this package. The set is
// closed: the unexported method keeps other packages from adding variants, so
// a type switch over the exported types plus [Unknown] is exhaustive.
type Payload interface {
	Kind() Type
	payload()
}

// Timestamp converts t to the wire representation (fractional Unix seconds).
func Timestamp(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// Time converts a wire timestamp back to a [time.Time].
func Time(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
