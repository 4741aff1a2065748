package devtools

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/filewatch"
)

// Settings configure the watchers created for restart support.
type Settings struct {
	PollInterval time.Duration
	QuietPeriod  time.Duration
	// TriggerFile restricts restarts to changes of a file with this name.
	TriggerFile string
	// AdditionalPaths are watched on top of the classpath directories.
	AdditionalPaths []string
	Notify          bool
	ContentHash     bool
	// SnapshotState survives watcher recreation; nil means a process-wide
	// in-memory repository.
	SnapshotState filewatch.SnapshotStateRepository
}

// WatcherFactory returns a new, unstarted watcher.
type WatcherFactory func() (*filewatch.Watcher, error)

var staticState = filewatch.NewStaticSnapshotState()

// NewWatcherFactory builds watchers from s.
func NewWatcherFactory(s Settings) WatcherFactory {
	return func() (*filewatch.Watcher, error) {
		repo := s.SnapshotState
		if repo == nil {
			repo = staticState
		}
		opts := []filewatch.Option{
			filewatch.WithDaemon(true),
			filewatch.WithSnapshotStateRepository(repo),
			filewatch.WithNotify(s.Notify),
		}
		if s.PollInterval > 0 {
			opts = append(opts, filewatch.WithPollInterval(s.PollInterval))
		}
		if s.QuietPeriod > 0 {
			opts = append(opts, filewatch.WithQuietPeriod(s.QuietPeriod))
		}
		if s.ContentHash {
			opts = append(opts, filewatch.WithSnapshotOptions(filewatch.WithContentHash()))
		}
		w, err := filewatch.New(opts...)
		if err != nil {
			return nil, err
		}
		if s.TriggerFile != "" {
			w.SetTriggerFilter(TriggerFileFilter(s.TriggerFile))
		}
		for _, p := range s.AdditionalPaths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, err
			}
			if err := w.AddSourceDirectory(abs); err != nil {
				return nil, err
			}
		}
		return w, nil
	}
}

// ClassPathDirectories keeps the URLs that point at existing directories.
// Archives never change during development and are not watched.
func ClassPathDirectories(urls []string) []string {
	var dirs []string
	for _, u := range urls {
		p := u
		if rest, ok := cutFileScheme(u); ok {
			p = rest
		}
		p = filepath.Clean(filepath.FromSlash(p))
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

func cutFileScheme(u string) (string, bool) {
	const scheme = "file:"
	if len(u) < len(scheme) || u[:len(scheme)] != scheme {
		return "", false
	}
	u = u[len(scheme):]
	for len(u) > 1 && u[0] == '/' && u[1] == '/' {
		u = u[1:]
	}
	return u, true
}

// ClassPathWatcher watches the classpath directories of one launch and
// reports changes through a ChangeListener.
type ClassPathWatcher struct {
	watcher       *filewatch.Watcher
	publisher     events.Publisher
	strategy      RestartStrategy
	stopOnRestart bool
}

func NewClassPathWatcher(factory WatcherFactory, strategy RestartStrategy, publisher events.Publisher, urls []string) (*ClassPathWatcher, error) {
	w, err := factory()
	if err != nil {
		return nil, err
	}
	if err := w.AddSourceDirectories(ClassPathDirectories(urls)); err != nil {
		return nil, err
	}
	return &ClassPathWatcher{watcher: w, publisher: publisher, strategy: strategy}, nil
}

// SetStopWatcherOnRestart makes the listener stop the watcher as soon as a
// change requires a restart.
func (c *ClassPathWatcher) SetStopWatcherOnRestart(stop bool) { c.stopOnRestart = stop }

func (c *ClassPathWatcher) Watcher() *filewatch.Watcher { return c.watcher }

// Start registers the change listener and starts watching.
func (c *ClassPathWatcher) Start() error {
	if c.strategy != nil && c.publisher != nil {
		var toStop stopper
		if c.stopOnRestart {
			toStop = c.watcher
		}
		if err := c.watcher.AddListener(NewChangeListener(c.publisher, c.strategy, toStop)); err != nil {
			return err
		}
	}
	c.watcher.Start()
	log.Debug().Msg("classpath watcher started")
	return nil
}

// Close stops watching.
func (c *ClassPathWatcher) Close() error {
	c.watcher.Stop()
	return nil
}
