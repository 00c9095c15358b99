// Package avatar drives the server-side voice profile and the external 3D
// avatar process.
//
// Voice switches and avatar character switches are side channels: callers
// log their failures and carry on. To keep a dead avatar service from being
// hit on every conversation switch, both go through a circuit breaker that
// fails fast with [ErrCircuitOpen] after repeated consecutive failures.
// Explicit user actions (status, launch, shutdown) always reach the server
// and a success there closes the breaker again.
package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lichenr3/Galatea/internal/backend"
)

const (
	// DefaultMaxFailures is the number of consecutive side-channel failures
	// that opens the breaker.
	DefaultMaxFailures = 3

	// DefaultResetTimeout is how long the breaker stays open.
	DefaultResetTimeout = 30 * time.Second
)

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithMaxFailures overrides [DefaultMaxFailures].
func WithMaxFailures(n int) Option {
	return func(c *Controller) {
		c.maxFailures = n
	}
}

// WithResetTimeout overrides [DefaultResetTimeout].
func WithResetTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.resetTimeout = d
	}
}

// Controller wraps a [backend.Avatar] with running-state tracking and the
// circuit breaker. It is safe for concurrent use.
type Controller struct {
	api          backend.Avatar
	maxFailures  int
	resetTimeout time.Duration
	breaker      *breaker

	mu      sync.Mutex
	running bool
	pid     *int
}

// New creates a Controller backed by api. The avatar is assumed not running
// until [Controller.Status] or [Controller.Launch] says otherwise.
func New(api backend.Avatar, opts ...Option) *Controller {
	c := &Controller{api: api}
	for _, o := range opts {
		o(c)
	}
	c.breaker = newBreaker(c.maxFailures, c.resetTimeout)
	return c
}

// SwitchVoice asks the server to synthesise speech with characterID's voice.
func (c *Controller) SwitchVoice(ctx context.Context, characterID string) error {
	return c.breaker.execute(ctx, "switch_voice", func(ctx context.Context) error {
		res, err := c.api.SwitchVoice(ctx, characterID)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("avatar: voice switch to %q refused: %s", characterID, res.Message)
		}
		slog.Debug("voice profile switched", "character_id", characterID)
		return nil
	})
}

// FollowCharacter tells the avatar to display characterID. It does nothing
// when the avatar is not known to be running.
func (c *Controller) FollowCharacter(ctx context.Context, characterID string) error {
	if !c.Running() {
		return nil
	}
	return c.breaker.execute(ctx, "switch_character", func(ctx context.Context) error {
		ok, err := c.api.SwitchAvatarCharacter(ctx, characterID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("avatar: character switch to %q refused", characterID)
		}
		slog.Debug("avatar switched character", "character_id", characterID)
		return nil
	})
}

// Status queries the avatar process and updates the cached running state.
func (c *Controller) Status(ctx context.Context) (*backend.AvatarStatus, error) {
	st, err := c.api.AvatarStatus(ctx)
	if err != nil {
		return nil, err
	}
	c.breaker.reset()
	c.setRunning(st.Running, st.PID)
	return st, nil
}

// Launch starts the avatar process showing characterID (empty lets the server
// choose).
func (c *Controller) Launch(ctx context.Context, characterID string) (*backend.AvatarAction, error) {
	res, err := c.api.LaunchAvatar(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if res.Success {
		c.breaker.reset()
		c.setRunning(true, res.PID)
		slog.Info("avatar launched", "character_id", characterID, "message", res.Message)
	} else {
		slog.Warn("avatar launch refused", "message", res.Message)
	}
	return res, nil
}

// Shutdown stops the avatar process.
func (c *Controller) Shutdown(ctx context.Context) (*backend.AvatarAction, error) {
	res, err := c.api.ShutdownAvatar(ctx)
	if err != nil {
		return nil, err
	}
	if res.Success {
		c.setRunning(false, nil)
		slog.Info("avatar shut down", "message", res.Message)
	}
	return res, nil
}

// Running reports the last known avatar process state.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PID returns the last known process id, or 0 when unknown.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid == nil {
		return 0
	}
	return *c.pid
}

// BreakerState reports the state of the side-channel circuit breaker.
func (c *Controller) BreakerState() State {
	return c.breaker.current()
}

func (c *Controller) setRunning(running bool, pid *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
	if running {
		c.pid = pid
	} else {
		c.pid = nil
	}
}
