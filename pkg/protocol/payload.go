package protocol

import "encoding/json"

// UserMessage is sent by the client when the user submits text.
type UserMessage struct {
	Content           string `json:"content"`
	TargetCharacterID string `json:"target_character_id,omitempty"`
	EnableAudio       *bool  `json:"enable_audio,omitempty"`
}

// Heartbeat is the keep-alive frame. The server may echo it back.
type Heartbeat struct{}

// TextFragment is one piece of a streamed AI reply. Fragments sharing a
// MessageID belong to the same reply and arrive in order.
type TextFragment struct {
	Text        string `json:"text"`
	IsFinish    bool   `json:"is_finish"`
	MessageID   string `json:"message_id"`
	CharacterID string `json:"character_id,omitempty"`
}

// Activity is the server-reported state of the AI.
type Activity string

const (
	ActivityIdle      Activity = "idle"
	ActivityThinking  Activity = "thinking"
	ActivityListening Activity = "listening"
	ActivityError     Activity = "error"
)

// Status reports a change of the AI's activity.
type Status struct {
	Status  Activity `json:"status"`
	Message string   `json:"message"`
}

// ErrorReport is a server-side domain error. It does not close the connection.
type ErrorReport struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AudioChunk carries one synthesised sentence as a base64 WAV file.
type AudioChunk struct {
	SentenceIndex int     `json:"sentence_index"`
	AudioData     string  `json:"audio_data"`
	SampleRate    int     `json:"sample_rate"`
	Duration      float64 `json:"duration"`
}

// Unknown holds an envelope whose type the client does not recognise.
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (UserMessage) Kind() Type  { return TypeUserMessage }
func (Heartbeat) Kind() Type    { return TypeHeartbeat }
func (TextFragment) Kind() Type { return TypeAITextStream }
func (Status) Kind() Type       { return TypeAIStatus }
func (ErrorReport) Kind() Type  { return TypeError }
func (AudioChunk) Kind() Type   { return TypeAudioChunk }
func (u Unknown) Kind() Type    { return u.Type }

func (UserMessage) payload()  {}
func (Heartbeat) payload()    {}
func (TextFragment) payload() {}
func (Status) payload()       {}
func (ErrorReport) payload()  {}
func (AudioChunk) payload()   {}
func (Unknown) payload()      {}
