// Package appctx runs an application as a stack of components started in
// dependency layers. A Context is the root the restarter closes on every
// stop.
package appctx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/metrics"
)

// State represents the current state of a component.
type State string

const (
	StateNone     State = "none"
	StateInit     State = "initializing"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

var ErrReadyTimeout = errors.New("start readiness timeout")

// Component is one unit of the application with lifecycle hooks and
// dependencies on other components of the same context.
type Component struct {
	Name   string
	Deps   []string
	mu     sync.Mutex
	state  State
	InitFn func(ctx context.Context) error
	// StartFn must not block for the lifetime of the component; long running
	// work belongs on a goroutine stopped by StopFn.
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
	// ReadyCh, when set, is closed by the component once it actually serves.
	// Start waits for it up to ReadyTimeout.
	ReadyCh      <-chan struct{}
	ReadyTimeout time.Duration
}

func NewComponent(name string, deps []string, start, stop func(context.Context) error) *Component {
	return &Component{Name: name, Deps: deps, state: StateNone, StartFn: start, StopFn: stop, ReadyTimeout: 15 * time.Second}
}

func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateNone
	}
	return c.state
}

func (c *Component) setState(s State) {
	metrics.ObserveComponentState(c.Name, string(c.state), string(s))
	c.state = s
	log.Debug().Str("component", c.Name).Str("state", string(s)).Msg("state change")
}

// Init runs the init hook once per stop/start round.
func (c *Component) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != "" && c.state != StateNone && c.state != StateStopped {
		return nil
	}
	c.setState(StateInit)
	if c.InitFn != nil {
		c.mu.Unlock()
		err := c.InitFn(ctx)
		c.mu.Lock()
		if err != nil {
			c.setState(StateFailed)
			return err
		}
	}
	c.setState(StateStopped)
	return nil
}

func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return nil
	}
	c.setState(StateStarting)
	if c.StartFn != nil {
		c.mu.Unlock()
		err := c.StartFn(ctx)
		c.mu.Lock()
		if err != nil {
			c.setState(StateFailed)
			return err
		}
	}
	if ch := c.ReadyCh; ch != nil {
		timeout := c.ReadyTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.mu.Unlock()
		var err error
		select {
		case <-ch:
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(timeout):
			err = ErrReadyTimeout
		}
		c.mu.Lock()
		if err != nil {
			c.setState(StateFailed)
			return err
		}
	}
	c.setState(StateRunning)
	return nil
}

// Stop runs the stop hook of a running or starting component.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StateStarting {
		return nil
	}
	c.setState(StateStopping)
	if c.StopFn != nil {
		c.mu.Unlock()
		err := c.StopFn(ctx)
		c.mu.Lock()
		if err != nil {
			c.setState(StateFailed)
			return err
		}
	}
	c.setState(StateStopped)
	return nil
}
