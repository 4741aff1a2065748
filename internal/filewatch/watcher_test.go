package filewatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPoll  = 100 * time.Millisecond
	testQuiet = 30 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	sets [][]ChangedFiles
	ch   chan []ChangedFiles
}

func newRecorder() *recorder { return &recorder{ch: make(chan []ChangedFiles, 16)} }

func (r *recorder) OnChange(cs []ChangedFiles) {
	r.mu.Lock()
	r.sets = append(r.sets, cs)
	r.mu.Unlock()
	r.ch <- cs
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *recorder) next(t *testing.T) []ChangedFiles {
	t.Helper()
	select {
	case cs := <-r.ch:
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("no change set received")
		return nil
	}
}

func newTestWatcher(t *testing.T, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(append([]Option{WithPollInterval(testPoll), WithQuietPeriod(testQuiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func TestNewRejectsInvalidIntervals(t *testing.T) {
	_, err := New(WithPollInterval(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(WithQuietPeriod(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(WithPollInterval(time.Second), WithQuietPeriod(time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(WithPollInterval(time.Second), WithQuietPeriod(2*time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAddSourceDirectoryRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	writeFile(t, file, "x")
	w := newTestWatcher(t)
	assert.ErrorIs(t, w.AddSourceDirectory(file), ErrInvalidConfig)
	assert.ErrorIs(t, w.AddSourceDirectory(""), ErrInvalidConfig)
	assert.NoError(t, w.AddSourceDirectory(filepath.Join(dir, "not-yet")))
}

func TestConfigurationRejectedAfterStart(t *testing.T) {
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(t.TempDir()))
	w.Start()
	assert.True(t, w.Running())
	assert.ErrorIs(t, w.AddSourceDirectory(t.TempDir()), ErrAlreadyStarted)
	assert.ErrorIs(t, w.AddListener(newRecorder()), ErrAlreadyStarted)
	w.Start()
	w.Stop()
	assert.False(t, w.Running())
}

func TestModifiedFileIsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A.class"), "v1")

	rec := newRecorder()
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(dir))
	require.NoError(t, w.AddListener(rec))
	w.Start()

	writeFile(t, filepath.Join(dir, "A.class"), "version two")

	cs := rec.next(t)
	require.Len(t, cs, 1)
	assert.Equal(t, dir, cs[0].SourceDir)
	require.Len(t, cs[0].Files, 1)
	assert.Equal(t, "A.class", cs[0].Files[0].RelativeName())
	assert.Equal(t, Modify, cs[0].Files[0].Type)
}

func TestIdleWatcherNeverNotifies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A.class"), "v1")

	rec := newRecorder()
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(dir))
	require.NoError(t, w.AddListener(rec))
	w.Start()
	w.StopAfter(3)
	assert.Equal(t, 0, rec.count())
}

func TestStopJoinsPromptly(t *testing.T) {
	w, err := New(WithPollInterval(10*time.Second), WithQuietPeriod(time.Second))
	require.NoError(t, err)
	require.NoError(t, w.AddSourceDirectory(t.TempDir()))
	w.Start()

	start := time.Now()
	w.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, w.Running())
}

func TestListenerMayStopItsWatcher(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(dir))

	stopped := make(chan struct{})
	require.NoError(t, w.AddListener(ListenerFunc(func([]ChangedFiles) {
		w.Stop()
		close(stopped)
	})))
	w.Start()
	writeFile(t, filepath.Join(dir, "B.class"), "b")

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("listener was not called")
	}
	assert.False(t, w.Running())
}

func TestTriggerFilterGatesNotifications(t *testing.T) {
	dir := t.TempDir()
	trigger := filepath.Join(dir, ".reloadtrigger")

	rec := newRecorder()
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(dir))
	require.NoError(t, w.AddListener(rec))
	w.SetTriggerFilter(func(p string) bool { return p == trigger })
	w.Start()

	writeFile(t, filepath.Join(dir, "A.class"), "a")
	time.Sleep(3 * testPoll)
	assert.Equal(t, 0, rec.count())

	writeFile(t, trigger, "go")
	cs := rec.next(t)
	require.Len(t, cs, 1)
	require.Len(t, cs[0].Files, 1)
	assert.Equal(t, "A.class", cs[0].Files[0].RelativeName())
	assert.Equal(t, Add, cs[0].Files[0].Type)
}

func TestRestoredSnapshotDetectsOfflineChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A.class"), "a")
	repo := NewStaticSnapshotState()

	first := newTestWatcher(t, WithSnapshotStateRepository(repo))
	require.NoError(t, first.AddSourceDirectory(dir))
	first.Start()
	writeFile(t, filepath.Join(dir, "A.class"), "aa")
	require.Eventually(t, func() bool {
		snaps, err := repo.Restore()
		return err == nil && snaps[dir] != nil
	}, 5*time.Second, 20*time.Millisecond)
	first.Stop()

	writeFile(t, filepath.Join(dir, "C.class"), "c")

	rec := newRecorder()
	second := newTestWatcher(t, WithSnapshotStateRepository(repo))
	require.NoError(t, second.AddSourceDirectory(dir))
	require.NoError(t, second.AddListener(rec))
	second.Start()

	cs := rec.next(t)
	require.Len(t, cs, 1)
	names := map[string]ChangeType{}
	for _, f := range cs[0].Files {
		names[f.RelativeName()] = f.Type
	}
	assert.Equal(t, map[string]ChangeType{"C.class": Add}, names)
}

func TestNotifyWakesEarly(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w, err := New(WithPollInterval(3*time.Second), WithQuietPeriod(50*time.Millisecond), WithNotify(true))
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	require.NoError(t, w.AddSourceDirectory(dir))
	require.NoError(t, w.AddListener(rec))
	w.Start()

	start := time.Now()
	writeFile(t, filepath.Join(dir, "A.class"), "a")
	cs := rec.next(t)
	require.Len(t, cs, 1)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitReturnsForDaemon(t *testing.T) {
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(t.TempDir()))
	w.Start()
	w.Wait()

	nd := newTestWatcher(t, WithDaemon(false))
	require.NoError(t, nd.AddSourceDirectory(t.TempDir()))
	nd.Start()
	done := make(chan struct{})
	go func() {
		nd.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("non-daemon Wait returned while running")
	case <-time.After(50 * time.Millisecond):
	}
	nd.Stop()
	<-done
}

func TestMissingDirectoryAppearing(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "later")
	rec := newRecorder()
	w := newTestWatcher(t)
	require.NoError(t, w.AddSourceDirectory(dir))
	require.NoError(t, w.AddListener(rec))
	w.Start()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeFile(t, filepath.Join(dir, "x.txt"), "x")
	cs := rec.next(t)
	require.Len(t, cs, 1)
	assert.Equal(t, Add, cs[0].Files[0].Type)
}
