package devtools

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/restart"
)

// Restarter is the part of the restarter local restart support drives.
type Restarter interface {
	Restart(h restart.FailureHandler)
	InitialURLs() []string
}

// Local restarts the application whenever a classpath change requires it.
// Each launch creates its own ClassPathWatcher through NewClassPathWatcher.
type Local struct {
	ctx         context.Context
	restarter   Restarter
	factory     WatcherFactory
	strategy    RestartStrategy
	bus         *events.Memory
	publisher   events.Publisher
	unsubscribe func()
}

// NewLocal wires restart support. A nil strategy uses DefaultExcludes. Events
// are also sent to every publisher in external.
func NewLocal(ctx context.Context, r Restarter, s Settings, strategy RestartStrategy, external ...events.Publisher) (*Local, error) {
	if strategy == nil {
		ps, err := NewPatternStrategy(DefaultExcludes...)
		if err != nil {
			return nil, err
		}
		strategy = ps
	}
	bus := events.NewMemory()
	l := &Local{
		ctx:       ctx,
		restarter: r,
		factory:   NewWatcherFactory(s),
		strategy:  strategy,
		bus:       bus,
		publisher: append(events.Multi{bus}, external...),
	}
	unsubscribe, err := bus.Subscribe(events.SubjectClassPathChanged, l.onClassPathChanged)
	if err != nil {
		return nil, err
	}
	l.unsubscribe = unsubscribe
	return l, nil
}

func (l *Local) onClassPathChanged(ev events.Event) {
	cp, ok := ev.(events.ClassPathChangedEvent)
	if !ok || !cp.RestartRequired {
		return
	}
	log.Info().Str("event", cp.ID).Int("dirs", len(cp.ChangeSet)).Msg("classpath changed, restarting")
	l.restarter.Restart(l.FailureHandler())
}

// FailureHandler waits for the next classpath change after a failed launch.
func (l *Local) FailureHandler() restart.FailureHandler {
	return NewFileWatchingFailureHandler(l.ctx, l.factory, l.restarter.InitialURLs)
}

func (l *Local) Bus() *events.Memory { return l.bus }

func (l *Local) Publisher() events.Publisher { return l.publisher }

func (l *Local) Factory() WatcherFactory { return l.factory }

// NewClassPathWatcher returns an unstarted watcher over the initial URLs that
// stops itself once it has requested a restart.
func (l *Local) NewClassPathWatcher() (*ClassPathWatcher, error) {
	w, err := NewClassPathWatcher(l.factory, l.strategy, l.publisher, l.restarter.InitialURLs())
	if err != nil {
		return nil, err
	}
	w.SetStopWatcherOnRestart(true)
	return w, nil
}

// OnCycle publishes a finished restart cycle.
func (l *Local) OnCycle(rep restart.CycleReport) {
	ev := events.RestartEvent{
		CycleID:  rep.ID,
		Outcome:  rep.Outcome(),
		Attempts: rep.Attempts,
		Started:  rep.Started,
		Finished: rep.Finished,
	}
	if rep.Err != nil {
		ev.Error = rep.Err.Error()
	}
	if err := l.publisher.Publish(ev); err != nil {
		log.Warn().Err(err).Msg("publish restart event")
	}
}

func (l *Local) Close() error {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	return l.publisher.Close()
}
