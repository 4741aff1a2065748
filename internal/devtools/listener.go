package devtools

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/filewatch"
)

type stopper interface{ Stop() }

// ChangeListener turns settled change sets into classpath change events. When
// a restart is required it stops the watcher it was given, since the next
// launch brings its own.
type ChangeListener struct {
	publisher events.Publisher
	strategy  RestartStrategy
	toStop    stopper
}

func NewChangeListener(publisher events.Publisher, strategy RestartStrategy, watcherToStop stopper) *ChangeListener {
	return &ChangeListener{publisher: publisher, strategy: strategy, toStop: watcherToStop}
}

func (l *ChangeListener) OnChange(changeSet []filewatch.ChangedFiles) {
	ev := events.ClassPathChangedEvent{
		ID:              uuid.NewString(),
		Time:            time.Now(),
		ChangeSet:       changeSet,
		RestartRequired: l.isRestartRequired(changeSet),
	}
	if err := l.publisher.Publish(ev); err != nil {
		log.Warn().Err(err).Msg("publish classpath change")
	}
	if ev.RestartRequired && l.toStop != nil {
		l.toStop.Stop()
	}
}

func (l *ChangeListener) isRestartRequired(changeSet []filewatch.ChangedFiles) bool {
	for _, cf := range changeSet {
		for _, f := range cf.Files {
			if l.strategy.IsRestartRequired(f) {
				return true
			}
		}
	}
	return false
}
