// Package audio defines the unit of synthesised speech handled by the client
// and the [Player] abstraction that turns it into sound.
//
// The server sends one WAV file per sentence. Segments are queued by
// [github.com/lichenr3/Galatea/pkg/audio/sequencer] and handed to a Player one
// at a time.
package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lichenr3/Galatea/pkg/protocol"
)

// Segment is one sentence of synthesised speech.
type Segment struct {
	// Data holds the complete encoded audio file (normally RIFF/WAVE).
	Data []byte

	// SentenceIndex is the producer's arrival tag. It is carried for logging
	// only; playback order is always enqueue order.
	SentenceIndex int

	// SampleRate in Hz as reported by the server. Zero when unknown.
	SampleRate int

	// Duration as reported by the server. Zero when unknown.
	Duration time.Duration
}

// Player plays a single segment to completion. Play blocks until playback
// ends, fails, or ctx is cancelled.
//
// Implementations are called from one goroutine at a time.
type Player interface {
	Play(ctx context.Context, seg *Segment) error
}

// PlayerFunc adapts an ordinary function to the [Player] interface.
type PlayerFunc func(ctx context.Context, seg *Segment) error

// Play calls f(ctx, seg).
func (f PlayerFunc) Play(ctx context.Context, seg *Segment) error {
	return f(ctx, seg)
}

// FromChunk decodes the base64 payload of an audio_chunk envelope.
func FromChunk(c protocol.AudioChunk) (*Segment, error) {
	data, err := base64.StdEncoding.DecodeString(c.AudioData)
	if err != nil {
		return nil, fmt.Errorf("audio: decode sentence %d: %w", c.SentenceIndex, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio: sentence %d has no audio data", c.SentenceIndex)
	}
	return &Segment{
		Data:          data,
		SentenceIndex: c.SentenceIndex,
		SampleRate:    c.SampleRate,
		Duration:      time.Duration(c.Duration * float64(time.Second)),
	}, nil
}
