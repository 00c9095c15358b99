package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrMalformed is returned by [Decode] for frames that do not match the
// envelope schema. Callers are expected to log and discard such frames.
var ErrMalformed = errors.New("protocol: malformed envelope")

// Decode parses a raw frame. Fields missing from a known payload, or holding
// a value of the wrong JSON type, decode to their zero values; a payload that
// is not an object (for example a string) yields [ErrMalformed].
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{SessionID: env.SessionID, Timestamp: env.Timestamp}
	var err error
	switch env.Type {
	case TypeUserMessage:
		msg.Payload, err = decodeData[UserMessage](env.Data)
	case TypeHeartbeat:
		msg.Payload, err = decodeData[Heartbeat](env.Data)
	case TypeAITextStream:
		msg.Payload, err = decodeData[TextFragment](env.Data)
	case TypeAIStatus:
		msg.Payload, err = decodeData[Status](env.Data)
	case TypeError:
		msg.Payload, err = decodeData[ErrorReport](env.Data)
	case TypeAudioChunk:
		msg.Payload, err = decodeData[AudioChunk](env.Data)
	default:
		msg.Payload = Unknown{Type: env.Type, Raw: env.Data}
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func decodeData[T Payload](data json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}
	err := json.Unmarshal(trimmed, &v)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		slog.Debug("protocol: ignoring mistyped field", "kind", v.Kind(), "field", typeErr.Field, "err", err)
		return v, nil
	}
	return v, err
}

// Encode builds the wire frame for p. An empty sessionID is sent as "".
func Encode(sessionID string, p Payload, now time.Time) ([]byte, error) {
	if p == nil {
		return nil, errors.New("protocol: nil payload")
	}
	if u, ok := p.(Unknown); ok {
		return json.Marshal(Envelope{Type: u.Type, SessionID: sessionID, Data: u.Raw, Timestamp: Timestamp(now)})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", p.Kind(), err)
	}
	return json.Marshal(outbound{
		Type:      p.Kind(),
		SessionID: sessionID,
		Data:      data,
		Timestamp: Timestamp(now),
	})
}

// outbound mirrors Envelope but always emits session_id, matching what the
// server's request model expects.
type outbound struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}
