package conversation

import (
	"context"
	"log/slog"

	"github.com/lichenr3/Galatea/internal/observe"
	"github.com/lichenr3/Galatea/pkg/audio"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// AudioSink accepts decoded speech segments for playback.
type AudioSink interface {
	Enqueue(seg *audio.Segment)
}

// ReducerOption configures a [Reducer].
type ReducerOption func(*Reducer)

// WithAudio routes audio chunks to sink. Without a sink audio is discarded.
func WithAudio(sink AudioSink) ReducerOption {
	return func(r *Reducer) { r.audio = sink }
}

// WithMetrics sets the metrics the reducer records to. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ReducerOption {
	return func(r *Reducer) { r.metrics = m }
}

// Reducer is the only writer of server data into a [Store]. Its Handle
// method is meant to be the transport's message handler, so envelopes are
// applied one at a time in arrival order.
type Reducer struct {
	store   *Store
	audio   AudioSink
	metrics *observe.Metrics
}

// NewReducer creates a reducer writing into store.
func NewReducer(store *Store, opts ...ReducerOption) *Reducer {
	r := &Reducer{store: store}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Handle applies one inbound message.
func (r *Reducer) Handle(msg protocol.Message) {
	ctx := context.Background()
	switch p := msg.Payload.(type) {
	case protocol.Status:
		r.store.setActivity(p.Status)
	case protocol.TextFragment:
		r.fragment(ctx, p)
	case protocol.AudioChunk:
		r.audioChunk(ctx, p)
	case protocol.ErrorReport:
		slog.Warn("server reported error", "code", p.Code, "message", p.Message, "details", p.Details)
		r.store.setActivity(protocol.ActivityError)
	case protocol.Heartbeat:
		slog.Debug("heartbeat reached reducer")
	case protocol.Unknown:
		slog.Debug("ignoring unknown message type", "type", p.Type)
	default:
		slog.Debug("ignoring message", "type", msg.Type())
	}
}

func (r *Reducer) fragment(ctx context.Context, f protocol.TextFragment) {
	convID, charID, m, ok := r.store.applyFragment(f)
	if !ok {
		slog.Warn("dropping text fragment, no active conversation", "message_id", f.MessageID)
		r.metrics.RecordFragmentDropped(ctx, "no_active_conversation")
		return
	}
	if f.IsFinish {
		r.metrics.RecordMessageFinished(ctx, string(RoleAI))
		r.store.record(ctx, convID, charID, m)
	}
}

func (r *Reducer) audioChunk(ctx context.Context, c protocol.AudioChunk) {
	if r.audio == nil {
		r.metrics.RecordAudioSegment(ctx, "discarded", 0)
		return
	}
	seg, err := audio.FromChunk(c)
	if err != nil {
		slog.Warn("skipping undecodable audio", "sentence_index", c.SentenceIndex, "err", err)
		r.metrics.RecordAudioSegment(ctx, "undecodable", 0)
		return
	}
	r.audio.Enqueue(seg)
}
