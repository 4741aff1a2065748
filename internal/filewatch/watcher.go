// Package filewatch detects changes below a set of source directories by
// polling snapshots and waiting for a quiet period before reporting them.
package filewatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/metrics"
)

const (
	DefaultPollInterval = 1000 * time.Millisecond
	DefaultQuietPeriod  = 400 * time.Millisecond
)

var (
	ErrInvalidConfig  = errors.New("invalid file watcher configuration")
	ErrAlreadyStarted = errors.New("file watcher already started")
)

// Listener receives settled change sets. It is called on the watcher
// goroutine, so a listener that blocks stalls the following scans.
type Listener interface {
	OnChange(changeSet []ChangedFiles)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(changeSet []ChangedFiles)

func (f ListenerFunc) OnChange(changeSet []ChangedFiles) { f(changeSet) }

// Option configures a Watcher.
type Option func(*Watcher)

func WithPollInterval(d time.Duration) Option { return func(w *Watcher) { w.pollInterval = d } }
func WithQuietPeriod(d time.Duration) Option  { return func(w *Watcher) { w.quietPeriod = d } }

// WithDaemon controls whether Wait blocks until the watcher is stopped.
// Daemon watchers (the default) never hold the host up.
func WithDaemon(daemon bool) Option { return func(w *Watcher) { w.daemon = daemon } }

func WithSnapshotStateRepository(repo SnapshotStateRepository) Option {
	return func(w *Watcher) {
		if repo != nil {
			w.repo = repo
		}
	}
}

func WithSnapshotOptions(opts ...SnapshotOption) Option {
	return func(w *Watcher) { w.snapOpts = append(w.snapOpts, opts...) }
}

// WithNotify cuts the poll interval short whenever the OS reports activity in
// a watched directory. The quiet period still applies.
func WithNotify(enabled bool) Option { return func(w *Watcher) { w.notify = enabled } }

// Watcher polls source directories and notifies listeners about changes.
type Watcher struct {
	mu            sync.Mutex
	daemon        bool
	notify        bool
	pollInterval  time.Duration
	quietPeriod   time.Duration
	repo          SnapshotStateRepository
	snapOpts      []SnapshotOption
	listeners     []Listener
	dirs          []string
	snapshots     map[string]*DirectorySnapshot
	triggerFilter TriggerFilter
	loop          *watchLoop
}

// New returns a stopped watcher.
func New(opts ...Option) (*Watcher, error) {
	w := &Watcher{
		daemon:       true,
		pollInterval: DefaultPollInterval,
		quietPeriod:  DefaultQuietPeriod,
		repo:         NoSnapshotState,
		snapshots:    map[string]*DirectorySnapshot{},
	}
	for _, o := range opts {
		o(w)
	}
	if w.pollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if w.quietPeriod <= 0 {
		return nil, fmt.Errorf("%w: quiet period must be positive", ErrInvalidConfig)
	}
	if w.pollInterval <= w.quietPeriod {
		return nil, fmt.Errorf("%w: poll interval must be greater than quiet period", ErrInvalidConfig)
	}
	return w, nil
}

// AddListener registers a listener. Only allowed before Start.
func (w *Watcher) AddListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: listener must not be nil", ErrInvalidConfig)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop != nil {
		return ErrAlreadyStarted
	}
	w.listeners = append(w.listeners, l)
	return nil
}

// AddSourceDirectories registers several directories. Only allowed before Start.
func (w *Watcher) AddSourceDirectories(dirs []string) error {
	for _, d := range dirs {
		if err := w.AddSourceDirectory(d); err != nil {
			return err
		}
	}
	return nil
}

// AddSourceDirectory registers a directory to watch. It does not need to
// exist yet but must not be a regular file.
func (w *Watcher) AddSourceDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: directory must not be empty", ErrInvalidConfig)
	}
	dir = filepath.Clean(dir)
	if st, err := os.Stat(dir); err == nil && !st.IsDir() {
		return fmt.Errorf("%w: directory %q must not be a file", ErrInvalidConfig, dir)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop != nil {
		return ErrAlreadyStarted
	}
	if _, ok := w.snapshots[dir]; !ok {
		w.dirs = append(w.dirs, dir)
		w.snapshots[dir] = nil
	}
	return nil
}

// SetTriggerFilter limits the files that trigger a change.
func (w *Watcher) SetTriggerFilter(f TriggerFilter) {
	w.mu.Lock()
	w.triggerFilter = f
	w.mu.Unlock()
}

// Start takes (or restores) the initial snapshots and launches the polling
// goroutine. Calling Start on a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop != nil {
		return
	}
	w.createOrRestoreInitialSnapshots()
	loop := &watchLoop{
		remaining: &atomic.Int64{},
		listeners: append([]Listener(nil), w.listeners...),
		filter:    w.triggerFilter,
		poll:      w.pollInterval,
		quiet:     w.quietPeriod,
		dirs:      append([]string(nil), w.dirs...),
		snapshots: copySnapshots(w.snapshots),
		repo:      w.repo,
		snapOpts:  w.snapOpts,
		interrupt: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	loop.remaining.Store(-1)
	if w.notify {
		loop.startNotify()
	}
	w.loop = loop
	log.Debug().Strs("dirs", loop.dirs).Dur("poll", loop.poll).Dur("quiet", loop.quiet).Msg("file watcher started")
	go loop.run()
}

func (w *Watcher) createOrRestoreInitialSnapshots() {
	restored, err := w.repo.Restore()
	if err != nil {
		log.Warn().Err(err).Msg("unable to restore snapshot state")
		restored = nil
	}
	for _, dir := range w.dirs {
		if snap := restored[dir]; snap != nil {
			w.snapshots[dir] = snap
			continue
		}
		w.snapshots[dir] = Capture(dir, w.snapOpts...)
	}
}

// Stop stops watching immediately.
func (w *Watcher) Stop() { w.StopAfter(0) }

// StopAfter lets n more scans run before the watcher stops; n <= 0 stops at
// once. It waits for the polling goroutine to exit unless called from it.
func (w *Watcher) StopAfter(n int) {
	w.mu.Lock()
	loop := w.loop
	if loop != nil {
		loop.remaining.Store(int64(n))
		if n <= 0 {
			loop.stop()
		}
	}
	w.loop = nil
	w.mu.Unlock()
	if loop != nil && goid.Get() != loop.gid.Load() {
		<-loop.done
	}
}

// Running reports whether the polling goroutine is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loop != nil
}

// Wait blocks until a non-daemon watcher is stopped.
func (w *Watcher) Wait() {
	w.mu.Lock()
	loop, daemon := w.loop, w.daemon
	w.mu.Unlock()
	if loop == nil || daemon {
		return
	}
	<-loop.done
}

type watchLoop struct {
	remaining *atomic.Int64
	gid       atomic.Int64
	listeners []Listener
	filter    TriggerFilter
	poll      time.Duration
	quiet     time.Duration
	dirs      []string
	snapshots map[string]*DirectorySnapshot
	repo      SnapshotStateRepository
	snapOpts  []SnapshotOption
	stopOnce  sync.Once
	interrupt chan struct{}
	wake      chan struct{}
	done      chan struct{}
	notifier  func()
}

func (l *watchLoop) stop() {
	l.stopOnce.Do(func() { close(l.interrupt) })
}

func (l *watchLoop) run() {
	l.gid.Store(goid.Get())
	defer close(l.done)
	defer func() {
		if l.notifier != nil {
			l.notifier()
		}
	}()
	for remaining := l.remaining.Load(); remaining > 0 || remaining == -1; remaining = l.remaining.Load() {
		if remaining > 0 {
			l.remaining.Add(-1)
		}
		l.scan()
	}
	log.Debug().Strs("dirs", l.dirs).Msg("file watcher stopped")
}

// sleep waits for d. It returns false when the loop was interrupted.
func (l *watchLoop) sleep(d time.Duration, wakeable bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = l.wake
	}
	select {
	case <-l.interrupt:
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}

func (l *watchLoop) scan() {
	if !l.sleep(l.poll-l.quiet, true) {
		return
	}
	var previous map[string]*DirectorySnapshot
	current := l.snapshots
	for {
		previous = current
		current = l.currentSnapshots()
		if !l.sleep(l.quiet, false) {
			return
		}
		if !l.isDifferent(previous, current) {
			break
		}
	}
	metrics.IncWatcherScans()
	if l.isDifferent(l.snapshots, current) {
		l.updateSnapshots(current)
	}
}

func (l *watchLoop) isDifferent(previous, current map[string]*DirectorySnapshot) bool {
	if len(previous) != len(current) {
		return true
	}
	for dir, prev := range previous {
		cur, ok := current[dir]
		if !ok || prev == nil || !prev.Equal(cur, l.filter) {
			return true
		}
	}
	return false
}

func (l *watchLoop) currentSnapshots() map[string]*DirectorySnapshot {
	out := make(map[string]*DirectorySnapshot, len(l.dirs))
	for _, dir := range l.dirs {
		out[dir] = Capture(dir, l.snapOpts...)
	}
	return out
}

func (l *watchLoop) updateSnapshots(current map[string]*DirectorySnapshot) {
	var changeSet []ChangedFiles
	for _, dir := range l.dirs {
		snap := current[dir]
		prev := l.snapshots[dir]
		if prev == nil {
			prev = &DirectorySnapshot{Dir: dir, Files: map[string]FileEntry{}}
		}
		changed, err := prev.ChangedFiles(snap, l.filter)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("unable to diff snapshots")
			continue
		}
		if changed.Len() > 0 {
			changeSet = append(changeSet, changed)
		}
	}
	l.snapshots = current
	if err := l.repo.Save(current); err != nil {
		log.Warn().Err(err).Msg("unable to save snapshot state")
	}
	if len(changeSet) == 0 {
		return
	}
	for _, cf := range changeSet {
		for t, n := range cf.CountByType() {
			metrics.AddChangedFiles(string(t), n)
		}
	}
	metrics.IncChangeBatches()
	log.Info().Int("dirs", len(changeSet)).Msg("file changes detected")
	for _, listener := range l.listeners {
		listener.OnChange(changeSet)
	}
}
