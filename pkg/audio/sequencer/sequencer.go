// Package sequencer serialises independently arriving audio segments into a
// single, gap-free playback stream.
//
// Segments play strictly in the order they were enqueued. Only one segment
// plays at a time; a segment that fails to play is logged and skipped so it
// never blocks the ones behind it. Segments are never retried.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lichenr3/Galatea/pkg/audio"
)

// Result describes the outcome of one segment, reported after it finished.
type Result struct {
	Segment *audio.Segment
	Err     error
	Elapsed time.Duration
}

// Option configures a [Sequencer] during construction.
type Option func(*Sequencer)

// WithReport registers fn to be called after every segment, from the drain
// goroutine. fn must not block and must not call back into the Sequencer.
func WithReport(fn func(Result)) Option {
	return func(s *Sequencer) {
		s.report = fn
	}
}

// Sequencer is a single-consumer FIFO playback queue.
//
// No goroutine runs while the queue is empty: [Sequencer.Enqueue] starts a
// drain goroutine when playback is idle, and that goroutine exits as soon as
// it finds the queue empty.
//
// All exported methods are safe for concurrent use.
type Sequencer struct {
	player audio.Player
	report func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []*audio.Segment
	draining bool
	closed   bool
}

// New creates a Sequencer that plays segments through p.
// Call [Sequencer.Close] to stop playback and release resources.
func New(p audio.Player, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		player: p,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends seg to the tail of the queue and starts playback if
// nothing is currently playing. Enqueue after Close is ignored.
func (s *Sequencer) Enqueue(seg *audio.Segment) {
	if seg == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		slog.Debug("sequencer closed, dropping audio segment", "sentence_index", seg.SentenceIndex)
		return
	}
	s.queue = append(s.queue, seg)
	slog.Debug("audio segment queued", "sentence_index", seg.SentenceIndex, "queue_len", len(s.queue))

	if !s.draining {
		s.draining = true
		s.wg.Add(1)
		go s.drain()
	}
}

// Len returns the number of segments waiting to play, excluding the one
// currently playing.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle reports whether nothing is playing and nothing is queued.
func (s *Sequencer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.draining
}

// Close discards queued segments, interrupts the playing one, and waits for
// the drain goroutine to exit. Close is idempotent and always returns nil.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if dropped > 0 {
		slog.Debug("sequencer closed with queued audio", "dropped", dropped)
	}
	return nil
}

// drain plays segments until the queue is empty or the sequencer is closed.
func (s *Sequencer) drain() {
	defer s.wg.Done()

	for {
		seg, ok := s.next()
		if !ok {
			return
		}

		start := time.Now()
		err := s.play(seg)
		elapsed := time.Since(start)

		if err != nil && s.ctx.Err() == nil {
			slog.Warn("audio segment failed, skipping",
				"sentence_index", seg.SentenceIndex,
				"err", err,
			)
		} else if err == nil {
			slog.Debug("audio segment finished", "sentence_index", seg.SentenceIndex, "elapsed", elapsed)
		}
		if s.report != nil {
			s.report(Result{Segment: seg, Err: err, Elapsed: elapsed})
		}
	}
}

// next pops the head of the queue. When the queue is empty it marks the
// sequencer idle in the same critical section, so a concurrent Enqueue either
// sees draining=true and its segment is picked up here, or sees false and
// starts a new drain goroutine.
func (s *Sequencer) next() (*audio.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		s.draining = false
		return nil, false
	}
	seg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return seg, true
}

// play runs the player, turning a panic into an ordinary error so one bad
// segment cannot take the drain goroutine down.
func (s *Sequencer) play(seg *audio.Segment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sequencer: player panic: %v", r)
		}
	}()
	slog.Debug("audio segment started", "sentence_index", seg.SentenceIndex)
	return s.player.Play(s.ctx, seg)
}
