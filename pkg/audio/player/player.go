// Package player provides [audio.Player] implementations.
//
// [Command] pipes each segment into an external program (ffplay, aplay,
// paplay, afplay wrappers...). [Timed] plays nothing and simply waits for the
// segment's duration, which keeps sentence pacing intact on machines without
// an audio device and in tests.
package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/lichenr3/Galatea/pkg/audio"
)

// DefaultCommand is used by [NewCommand] when argv is empty. ffplay reads
// the WAV from stdin and exits when playback is done.
var DefaultCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-"}

// Compile-time interface assertions.
var (
	_ audio.Player = (*Command)(nil)
	_ audio.Player = (*Timed)(nil)
)

// Command plays segments by running an external program once per segment
// with the encoded audio on its standard input.
type Command struct {
	argv []string
}

// NewCommand returns a Command that runs argv. The program must read a
// complete audio file from stdin and exit when playback finishes.
func NewCommand(argv ...string) (*Command, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("player: %q not found: %w", argv[0], err)
	}
	return &Command{argv: append([]string(nil), argv...)}, nil
}

// Play implements [audio.Player]. Cancelling ctx kills the program.
func (c *Command) Play(ctx context.Context, seg *audio.Segment) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(seg.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("player: %s: %w: %s", c.argv[0], err, msg)
		}
		return fmt.Errorf("player: %s: %w", c.argv[0], err)
	}
	return nil
}

// ErrUnknownDuration is returned by [Timed.Play] when neither the server nor
// the WAV header gives a duration.
var ErrUnknownDuration = errors.New("player: segment duration unknown")

// Timed is a silent player that blocks for the segment's duration.
type Timed struct {
	// Scale multiplies every wait; zero means 1. Tests use a small value to
	// keep ordering observable without real-time waits.
	Scale float64
}

// Play implements [audio.Player].
func (t *Timed) Play(ctx context.Context, seg *audio.Segment) error {
	d := audio.PlaybackDuration(seg)
	if d <= 0 {
		return ErrUnknownDuration
	}
	if t.Scale > 0 {
		d = time.Duration(float64(d) * t.Scale)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
