package protocol_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/lichenr3/Galatea/pkg/protocol"
)

func TestDecode_KnownTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want protocol.Payload
	}{
		{
			name: "text fragment",
			raw:  `{"type":"ai_text_stream","session_id":"s1","data":{"text":"Hel","is_finish":false,"message_id":"m1"},"timestamp":1.5}`,
			want: protocol.TextFragment{Text: "Hel", MessageID: "m1"},
		},
		{
			name: "status",
			raw:  `{"type":"ai_status","data":{"status":"thinking","message":"..."},"timestamp":0}`,
			want: protocol.Status{Status: protocol.ActivityThinking, Message: "..."},
		},
		{
			name: "error",
			raw:  `{"type":"error","data":{"code":503,"message":"llm down"},"timestamp":0}`,
			want: protocol.ErrorReport{Code: 503, Message: "llm down"},
		},
		{
			name: "audio",
			raw:  `{"type":"audio_chunk","data":{"sentence_index":2,"audio_data":"UklGRg==","sample_rate":32000,"duration":1.25},"timestamp":0}`,
			want: protocol.AudioChunk{SentenceIndex: 2, AudioData: "UklGRg==", SampleRate: 32000, Duration: 1.25},
		},
		{
			name: "heartbeat",
			raw:  `{"type":"heartbeat","data":{},"timestamp":0}`,
			want: protocol.Heartbeat{},
		},
		{
			name: "missing fields default to zero",
			raw:  `{"type":"ai_text_stream","data":{"message_id":"m9"}}`,
			want: protocol.TextFragment{MessageID: "m9"},
		},
		{
			name: "null data",
			raw:  `{"type":"ai_text_stream","data":null}`,
			want: protocol.TextFragment{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg, err := protocol.Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(msg.Payload, tc.want) {
				t.Errorf("payload = %#v, want %#v", msg.Payload, tc.want)
			}
		})
	}
}

func TestDecode_SessionAndTimestamp(t *testing.T) {
	t.Parallel()
	msg, err := protocol.Decode([]byte(`{"type":"ai_status","session_id":"abc","data":{},"timestamp":12.5}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.SessionID != "abc" {
		t.Errorf("SessionID = %q, want abc", msg.SessionID)
	}
	if msg.Timestamp != 12.5 {
		t.Errorf("Timestamp = %v, want 12.5", msg.Timestamp)
	}
	if msg.Type() != protocol.TypeAIStatus {
		t.Errorf("Type = %q, want %q", msg.Type(), protocol.TypeAIStatus)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()
	msg, err := protocol.Decode([]byte(`{"type":"presence","data":{"who":"x"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	u, ok := msg.Payload.(protocol.Unknown)
	if !ok {
		t.Fatalf("payload = %T, want protocol.Unknown", msg.Payload)
	}
	if u.Type != "presence" {
		t.Errorf("Type = %q, want presence", u.Type)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"ai_text_stream","data":"oops"}`,
		`{"type":"audio_chunk","data":[1,2]}`,
	} {
		if _, err := protocol.Decode([]byte(raw)); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Decode(%s) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestDecode_MistypedFieldKeepsEnvelope(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want protocol.Payload
	}{
		{
			name: "string error code",
			raw:  `{"type":"error","data":{"code":"500","message":"x"},"timestamp":0}`,
			want: protocol.ErrorReport{Message: "x"},
		},
		{
			name: "numeric message id",
			raw:  `{"type":"ai_text_stream","data":{"text":"Hi","is_finish":true,"message_id":42},"timestamp":0}`,
			want: protocol.TextFragment{Text: "Hi", IsFinish: true},
		},
		{
			name: "string sentence index",
			raw:  `{"type":"audio_chunk","data":{"sentence_index":"first","audio_data":"UklGRg=="},"timestamp":0}`,
			want: protocol.AudioChunk{AudioData: "UklGRg=="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := protocol.Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(msg.Payload, tt.want) {
				t.Errorf("payload = %#v, want %#v", msg.Payload, tt.want)
			}
		})
	}
}

func TestEncode_UserMessage(t *testing.T) {
	t.Parallel()
	enable := true
	now := time.Unix(1700000000, 500_000_000)
	raw, err := protocol.Encode("sess-1", protocol.UserMessage{Content: "hi", EnableAudio: &enable}, now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got struct {
		Type      string         `json:"type"`
		SessionID string         `json:"session_id"`
		Data      map[string]any `json:"data"`
		Timestamp float64        `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "user_message" || got.SessionID != "sess-1" {
		t.Errorf("envelope = %+v", got)
	}
	if got.Data["content"] != "hi" || got.Data["enable_audio"] != true {
		t.Errorf("data = %v", got.Data)
	}
	if _, ok := got.Data["target_character_id"]; ok {
		t.Error("target_character_id should be omitted when empty")
	}
	if got.Timestamp != 1700000000.5 {
		t.Errorf("timestamp = %v, want 1700000000.5", got.Timestamp)
	}
}

func TestEncode_HeartbeatHasEmptyObject(t *testing.T) {
	t.Parallel()
	raw, err := protocol.Encode("", protocol.Heartbeat{}, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env["data"]) != "{}" {
		t.Errorf("data = %s, want {}", env["data"])
	}
	if string(env["session_id"]) != `""` {
		t.Errorf("session_id = %s, want empty string", env["session_id"])
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000123, 250_000_000)
	got := protocol.Time(protocol.Timestamp(now))
	if d := got.Sub(now); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("round trip drift %v", d)
	}
}
