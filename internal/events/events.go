// Package events publishes classpath change and restart notifications, in
// process and to NATS or MQTT.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosprados/devloop/internal/filewatch"
)

const (
	SubjectClassPathChanged = "classpath.changed"
	SubjectRestart          = "restart"

	DefaultPrefix = "devloop"
)

var (
	ErrClosed         = errors.New("publisher closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Event is anything that can be published.
type Event interface {
	Subject() string
}

// ClassPathChangedEvent reports a settled change set and whether it calls for
// a restart.
type ClassPathChangedEvent struct {
	ID              string                   `json:"id"`
	Time            time.Time                `json:"time"`
	ChangeSet       []filewatch.ChangedFiles `json:"change_set"`
	RestartRequired bool                     `json:"restart_required"`
}

func (ClassPathChangedEvent) Subject() string { return SubjectClassPathChanged }

// RestartEvent reports a finished restart cycle.
type RestartEvent struct {
	CycleID  string    `json:"cycle_id"`
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

func (RestartEvent) Subject() string { return SubjectRestart }

// Publisher delivers events.
type Publisher interface {
	Publish(ev Event) error
	Close() error
}

// Handler receives events from a Memory publisher.
type Handler func(ev Event)

// Memory delivers events synchronously to in-process handlers, in
// subscription order.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]*memorySub
	closed   atomic.Bool
}

type memorySub struct {
	h      Handler
	closed atomic.Bool
}

func NewMemory() *Memory { return &Memory{handlers: map[string][]*memorySub{}} }

// Subscribe registers h for subject and returns a function removing it.
func (m *Memory) Subscribe(subject string, h Handler) (func(), error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler")
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{h: h}
	m.mu.Lock()
	m.handlers[subject] = append(m.handlers[subject], sub)
	m.mu.Unlock()
	return func() {
		sub.closed.Store(true)
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.handlers[subject]
		for i, s := range subs {
			if s == sub {
				m.handlers[subject] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (m *Memory) Publish(ev Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.RLock()
	subs := m.handlers[ev.Subject()]
	m.mu.RUnlock()
	for _, s := range subs {
		if !s.closed.Load() {
			s.h(ev)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	m.mu.Lock()
	m.handlers = map[string][]*memorySub{}
	m.mu.Unlock()
	return nil
}

// Multi publishes every event to all of its publishers.
type Multi []Publisher

func (m Multi) Publish(ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateSubject(s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n*>#+") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	return nil
}

// qualify joins prefix and subject with sep, mapping the dots of the subject
// to sep.
func qualify(prefix, subject, sep string) string {
	subject = strings.ReplaceAll(subject, ".", sep)
	if prefix == "" {
		return subject
	}
	return prefix + sep + subject
}

func encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Subject(), err)
	}
	return b, nil
}
