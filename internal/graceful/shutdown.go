// Package graceful stops a server from accepting work and waits, within a
// grace period, for its in-flight requests to drain.
package graceful

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/metrics"
)

const (
	DefaultGracePeriod  = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Result is the outcome of a shutdown attempt.
type Result string

const (
	// RequestsActive: requests were still active when waiting ended.
	RequestsActive Result = "requests_active"
	Idle           Result = "idle"
	// Immediate: the server has no graceful capability.
	Immediate Result = "immediate"
)

type State string

const (
	StateIdle         State = "idle"
	StateShuttingDown State = "shutting_down"
	StateDone         State = "done"
)

// Server is what the coordinator drives.
type Server interface {
	StopAccepting() error
	ActiveRequests() int64
}

type Option func(*Shutdown)

func WithGracePeriod(d time.Duration) Option {
	return func(s *Shutdown) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Shutdown) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Shutdown) {
		if c != nil {
			s.clock = c
		}
	}
}

// Shutdown coordinates one graceful shutdown of a server. A nil *Shutdown
// stands for a server without graceful capability.
type Shutdown struct {
	server Server
	grace  time.Duration
	poll   time.Duration
	clock  clockwork.Clock

	mu       sync.Mutex
	state    State
	result   Result
	abort    chan struct{}
	abortOne sync.Once
	done     chan struct{}
}

func New(server Server, opts ...Option) *Shutdown {
	s := &Shutdown{
		server: server,
		grace:  DefaultGracePeriod,
		poll:   DefaultPollInterval,
		clock:  clockwork.NewRealClock(),
		state:  StateIdle,
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ShutDownGracefully stops the server from accepting work and reports the
// outcome to cb exactly once, from another goroutine. Calls made while a
// shutdown is running or after it finished are ignored.
func (s *Shutdown) ShutDownGracefully(cb func(Result)) {
	if cb == nil {
		cb = func(Result) {}
	}
	if s == nil {
		metrics.IncShutdownResult(string(Immediate))
		cb(Immediate)
		return
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateShuttingDown
	s.mu.Unlock()

	log.Info().Dur("grace", s.grace).Msg("commencing graceful shutdown, waiting for active requests to complete")
	if err := s.server.StopAccepting(); err != nil {
		log.Warn().Err(err).Msg("stop accepting requests")
	}
	go s.await(cb)
}

func (s *Shutdown) await(cb func(Result)) {
	deadline := s.clock.Now().Add(s.grace)
	for {
		if s.server.ActiveRequests() <= 0 {
			s.complete(Idle, cb)
			return
		}
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			s.complete(RequestsActive, cb)
			return
		}
		wait := s.poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-s.abort:
			s.complete(RequestsActive, cb)
			return
		case <-s.clock.After(wait):
		}
	}
}

func (s *Shutdown) complete(r Result, cb func(Result)) {
	s.mu.Lock()
	if s.state == StateDone {
		s.mu.Unlock()
		return
	}
	s.state = StateDone
	s.result = r
	close(s.done)
	s.mu.Unlock()

	if r == Idle {
		log.Info().Msg("graceful shutdown complete")
	} else {
		log.Info().Str("result", string(r)).Msg("graceful shutdown aborted with one or more requests still active")
	}
	metrics.IncShutdownResult(string(r))
	cb(r)
}

// Abort stops waiting. A running shutdown reports RequestsActive.
func (s *Shutdown) Abort() {
	if s == nil {
		return
	}
	s.abortOne.Do(func() { close(s.abort) })
}

func (s *Shutdown) State() State {
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Shutdown) IsShuttingDown() bool { return s.State() == StateShuttingDown }

// Result returns the reported outcome once the state is StateDone.
func (s *Shutdown) Result() (Result, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.state == StateDone
}

// Done is closed when a result has been reported.
func (s *Shutdown) Done() <-chan struct{} {
	if s == nil {
		return closedDone
	}
	return s.done
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
