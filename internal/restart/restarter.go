// Package restart tears down a running application and relaunches its entry
// point over a fresh layered resolution scope.
package restart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/metrics"
	"github.com/carlosprados/devloop/internal/overrides"
	"github.com/carlosprados/devloop/internal/resolver"
)

var ErrMainNotFound = errors.New("unable to find the main function to restart")

// MainFunc is the relaunchable entry point. It starts the application and
// returns; long-running parts register themselves through Prepare and
// KeepAlive. ctx carries the launch scope and is cancelled when the launch is
// stopped.
type MainFunc func(ctx context.Context, l *Launch) error

// Launch describes one attempt to start the entry point.
type Launch struct {
	CycleID   string
	Attempt   int
	Args      []string
	Scope     *resolver.Layered
	Restarter *Restarter
}

// ApplicationContext is a running root context closed on the next stop.
type ApplicationContext interface {
	Close() error
}

// CachePurger releases caches that may pin state from a discarded scope.
type CachePurger interface {
	PurgeCaches() error
}

type CachePurgerFunc func() error

func (f CachePurgerFunc) PurgeCaches() error { return f() }

// Options configure a Restarter.
type Options struct {
	Args                  []string
	ForceReferenceCleanup bool
	// Initializer supplies the static URLs; nil means EnvInitializer.
	Initializer         Initializer
	RestartOnInitialize bool
	Main                MainFunc
	// MainName overrides the name discovered from Main.
	MainName string
	// Parent is the launch scope every layered scope falls back to.
	Parent resolver.Scope
	// PanicHandler sees panics raised by Main before they turn into launch
	// failures.
	PanicHandler func(v any)
	// ExitCurrent ends the initializing goroutine after an immediate restart.
	// The default waits for the application and exits the process.
	ExitCurrent func()
	OnCycle     func(CycleReport)
}

// CycleReport summarizes one stop and start cycle.
type CycleReport struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
}

func (c CycleReport) Outcome() string {
	if c.Err != nil {
		return "aborted"
	}
	return "started"
}

type launchState struct {
	scope  *resolver.Layered
	cancel context.CancelFunc
}

// Restarter owns the static URLs, the override table and the running root
// contexts, and drives stop and relaunch on its worker goroutines.
type Restarter struct {
	opts        Options
	enabled     atomic.Bool
	shutdown    atomic.Bool
	mainName    string
	initialURLs []string

	mu      sync.Mutex
	urls    []string
	files   *overrides.Table
	current *launchState

	attrMu     sync.Mutex
	attributes map[string]any

	ctxMu    sync.Mutex
	contexts []ApplicationContext
	purgers  []CachePurger

	workers chan *worker
	cycleMu sync.Mutex
	stopMu  sync.Mutex

	aliveMu  sync.Mutex
	alive    *sync.Cond
	awaiting int
	cycling  int

	finishMu sync.Mutex
	finished bool
}

// New builds a restarter and runs its initialization. With
// RestartOnInitialize set and restart enabled it launches Main at once and
// then calls ExitCurrent.
func New(opts Options) *Restarter {
	r := newRestarter(opts)
	r.initialize(opts.RestartOnInitialize)
	return r
}

func newRestarter(opts Options) *Restarter {
	if opts.Initializer == nil {
		opts.Initializer = EnvInitializer{}
	}
	r := &Restarter{
		opts:       opts,
		files:      overrides.NewTable(),
		attributes: map[string]any{},
		workers:    make(chan *worker, 1),
	}
	r.alive = sync.NewCond(&r.aliveMu)
	r.mainName = opts.MainName
	if r.mainName == "" && opts.Main != nil {
		r.mainName = funcName(opts.Main)
	}
	r.initialURLs = opts.Initializer.InitialURLs()
	enabled := r.initialURLs != nil
	if enabled && opts.Main == nil {
		log.Warn().Err(ErrMainNotFound).Msg("restart disabled")
		enabled = false
	}
	r.enabled.Store(enabled)
	r.workers <- r.spawnWorker()
	return r
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

func (r *Restarter) initialize(restartOnInitialize bool) {
	if r.initialURLs == nil {
		return
	}
	r.mu.Lock()
	r.urls = append(r.urls, r.initialURLs...)
	r.mu.Unlock()
	if restartOnInitialize && r.enabled.Load() {
		log.Debug().Str("main", r.mainName).Msg("immediately restarting application")
		r.immediateRestart()
	}
}

func (r *Restarter) immediateRestart() {
	r.beginCycle()
	r.callAndWait(func() {
		defer r.endCycle()
		r.runCycle(NoFailureHandler, false)
		r.purgeCaches()
	})
	exit := r.opts.ExitCurrent
	if exit == nil {
		exit = func() {
			r.Wait()
			os.Exit(0)
		}
	}
	exit()
}

// Enabled reports whether restart support is active.
func (r *Restarter) Enabled() bool { return r.enabled.Load() }

func (r *Restarter) MainName() string { return r.mainName }

// InitialURLs returns the URLs supplied by the initializer, or nil when
// restart is disabled.
func (r *Restarter) InitialURLs() []string {
	if r.initialURLs == nil {
		return nil
	}
	out := make([]string, len(r.initialURLs))
	copy(out, r.initialURLs)
	return out
}

// AddURLs adds static URLs used from the next launch on.
func (r *Restarter) AddURLs(urls ...string) {
	r.mu.Lock()
	r.urls = append(r.urls, urls...)
	r.mu.Unlock()
}

func (r *Restarter) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// AddOverrideFiles merges recorded changes into the override table used by
// the next launch.
func (r *Restarter) AddOverrideFiles(t *overrides.Table) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.files.AddAll(t)
	n := r.files.Size()
	r.mu.Unlock()
	metrics.SetOverrideEntries(n)
}

// OverrideFiles returns a copy of the accumulated override table.
func (r *Restarter) OverrideFiles() *overrides.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files.Clone()
}

// Scope returns the scope of the running launch, if any.
func (r *Restarter) Scope() *resolver.Layered {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.scope
}

// Restart stops the application and launches it again on a worker goroutine.
// It returns before the cycle runs; relaunch failures go to h and the log.
func (r *Restarter) Restart(h FailureHandler) {
	if !r.enabled.Load() {
		log.Debug().Msg("application restart is disabled")
		return
	}
	log.Debug().Msg("restarting application")
	r.beginCycle()
	r.call(func() {
		defer r.endCycle()
		r.runCycle(h, true)
	})
}

// RestartAndWait is Restart that returns once the cycle has finished. It
// reports the cycle it ran; ok is false when restart is disabled or the
// restarter has been shut down.
func (r *Restarter) RestartAndWait(h FailureHandler) (rep CycleReport, ok bool) {
	if !r.enabled.Load() {
		log.Debug().Msg("application restart is disabled")
		return CycleReport{}, false
	}
	r.beginCycle()
	r.callAndWait(func() {
		defer r.endCycle()
		rep, ok = r.runCycle(h, true)
	})
	return rep, ok
}

func (r *Restarter) runCycle(h FailureHandler, stopFirst bool) (CycleReport, bool) {
	if h == nil {
		h = NoFailureHandler
	}
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	if r.shutdown.Load() {
		log.Debug().Msg("restarter shut down, skipping restart cycle")
		return CycleReport{}, false
	}
	report := CycleReport{ID: uuid.NewString(), Started: time.Now()}
	if stopFirst {
		r.stop()
	}
	report.Attempts, report.Err = r.start(report.ID, h)
	report.Finished = time.Now()
	metrics.IncRestartCycle(report.Outcome())
	ev := log.Info()
	if report.Err != nil {
		ev = log.Warn().Err(report.Err)
	}
	ev.Str("cycle", report.ID).Int("attempts", report.Attempts).Dur("took", report.Finished.Sub(report.Started)).Msg("restart cycle " + report.Outcome())
	if r.opts.OnCycle != nil {
		r.opts.OnCycle(report)
	}
	return report, true
}

// start launches until success or until h aborts.
func (r *Restarter) start(cycleID string, h FailureHandler) (int, error) {
	for attempt := 1; ; attempt++ {
		err := r.doStart(cycleID, attempt)
		if err == nil {
			return attempt, nil
		}
		log.Error().Err(err).Str("main", r.mainName).Int("attempt", attempt).Msg("application failed to start")
		r.closeContexts()
		if h.Handle(err) == Abort {
			return attempt, err
		}
	}
}

func (r *Restarter) doStart(cycleID string, attempt int) error {
	if r.opts.Main == nil {
		return ErrMainNotFound
	}
	r.mu.Lock()
	urls := append([]string(nil), r.urls...)
	files := r.files.Clone()
	r.mu.Unlock()

	scope, err := resolver.NewLayered(r.opts.Parent, urls, files)
	if err != nil {
		return fmt.Errorf("build scope: %w", err)
	}
	log.Debug().Str("main", r.mainName).Strs("urls", urls).Int("overrides", files.Size()).Msg("starting application")
	ctx, cancel := context.WithCancel(resolver.WithScope(context.Background(), scope))
	r.mu.Lock()
	r.current = &launchState{scope: scope, cancel: cancel}
	r.mu.Unlock()

	l := &Launch{CycleID: cycleID, Attempt: attempt, Args: append([]string(nil), r.opts.Args...), Scope: scope, Restarter: r}
	begin := time.Now()
	err = r.relaunch(ctx, l)
	metrics.ObserveRelaunch(time.Since(begin).Seconds(), err != nil)
	if err != nil {
		r.releaseLaunch()
	}
	return err
}

// relaunch runs Main on a goroutine of its own and waits for it, so that no
// stack that outlives the launch ever references its scope.
func (r *Restarter) relaunch(ctx context.Context, l *Launch) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				if r.opts.PanicHandler != nil {
					r.opts.PanicHandler(v)
				}
				done <- fmt.Errorf("%s panicked: %v", r.mainName, v)
			}
		}()
		done <- r.opts.Main(ctx, l)
	}()
	return <-done
}

func (r *Restarter) releaseLaunch() {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur == nil {
		return
	}
	cur.cancel()
	if err := cur.scope.Close(); err != nil {
		log.Debug().Err(err).Msg("closing launch scope")
	}
}

// Shutdown turns restart support off for good, lets a running cycle finish
// and stops the application. Cycles queued behind it are skipped.
func (r *Restarter) Shutdown() {
	r.enabled.Store(false)
	r.shutdown.Store(true)
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.stop()
}

// Stop runs the stop phase: close every tracked context, purge caches and
// release the launch scope. Errors are logged and dropped.
func (r *Restarter) Stop() { r.stop() }

func (r *Restarter) stop() {
	log.Debug().Msg("stopping application")
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	r.closeContexts()
	r.purgeCaches()
	r.releaseLaunch()
	if r.opts.ForceReferenceCleanup {
		forceReferenceCleanup()
	}
	if rss := metrics.SampleProcessMemory(context.Background()); rss > 0 {
		log.Debug().Uint64("rss", rss).Msg("application stopped")
	}
}

func (r *Restarter) closeContexts() {
	r.ctxMu.Lock()
	contexts := r.contexts
	r.contexts = nil
	r.ctxMu.Unlock()
	for i := len(contexts) - 1; i >= 0; i-- {
		if err := contexts[i].Close(); err != nil {
			log.Warn().Err(err).Msg("closing application context")
		}
	}
}

func (r *Restarter) purgeCaches() {
	r.ctxMu.Lock()
	purgers := append([]CachePurger(nil), r.purgers...)
	r.ctxMu.Unlock()
	for _, p := range purgers {
		if err := p.PurgeCaches(); err != nil {
			log.Warn().Err(err).Msg("purging caches")
		}
	}
}

func forceReferenceCleanup() {
	runtime.GC()
	debug.FreeOSMemory()
}

// RegisterCachePurger adds p to the purgers run on every stop.
func (r *Restarter) RegisterCachePurger(p CachePurger) {
	if p == nil {
		return
	}
	r.ctxMu.Lock()
	r.purgers = append(r.purgers, p)
	r.ctxMu.Unlock()
}

type hasParent interface{ HasParent() bool }

// OverridesAware contexts receive the override table when prepared.
type OverridesAware interface {
	UseOverrides(t *overrides.Table)
}

// Prepare tracks a root context so that the next stop closes it. Contexts
// that report a parent are not roots and are ignored.
func (r *Restarter) Prepare(c ApplicationContext) {
	if c == nil {
		return
	}
	if p, ok := c.(hasParent); ok && p.HasParent() {
		return
	}
	if oa, ok := c.(OverridesAware); ok {
		oa.UseOverrides(r.OverrideFiles())
	}
	r.ctxMu.Lock()
	defer r.ctxMu.Unlock()
	for _, existing := range r.contexts {
		if existing == c {
			return
		}
	}
	r.contexts = append(r.contexts, c)
}

func (r *Restarter) Remove(c ApplicationContext) {
	if c == nil {
		return
	}
	r.ctxMu.Lock()
	defer r.ctxMu.Unlock()
	for i, existing := range r.contexts {
		if existing == c {
			r.contexts = append(r.contexts[:i], r.contexts[i+1:]...)
			return
		}
	}
}

// GetOrAddAttribute returns the attribute stored under key, computing it with
// factory on first access.
func (r *Restarter) GetOrAddAttribute(key string, factory func() any) any {
	r.attrMu.Lock()
	defer r.attrMu.Unlock()
	if v, ok := r.attributes[key]; ok {
		return v
	}
	v := factory()
	r.attributes[key] = v
	return v
}

func (r *Restarter) RemoveAttribute(key string) any {
	r.attrMu.Lock()
	defer r.attrMu.Unlock()
	v := r.attributes[key]
	delete(r.attributes, key)
	return v
}

// Go starts fn on a goroutine created from a worker rather than from the
// caller's stack.
func (r *Restarter) Go(fn func()) {
	r.callAndWait(func() { go fn() })
}

// KeepAlive runs await on its own goroutine and counts it as a reason for
// Wait to block, typically a server's serve loop.
func (r *Restarter) KeepAlive(await func()) {
	r.aliveMu.Lock()
	r.awaiting++
	r.aliveMu.Unlock()
	go func() {
		defer func() {
			r.aliveMu.Lock()
			r.awaiting--
			r.alive.Broadcast()
			r.aliveMu.Unlock()
		}()
		await()
	}()
}

// Wait blocks while any keep-alive is running or a restart cycle is in flight.
func (r *Restarter) Wait() {
	r.aliveMu.Lock()
	defer r.aliveMu.Unlock()
	for r.awaiting > 0 || r.cycling > 0 {
		r.alive.Wait()
	}
}

func (r *Restarter) beginCycle() {
	r.aliveMu.Lock()
	r.cycling++
	r.aliveMu.Unlock()
}

func (r *Restarter) endCycle() {
	r.aliveMu.Lock()
	r.cycling--
	r.alive.Broadcast()
	r.aliveMu.Unlock()
}

// Finish marks the first launch as complete.
func (r *Restarter) Finish() {
	r.finishMu.Lock()
	defer r.finishMu.Unlock()
	if !r.finished {
		r.finished = true
		log.Info().Bool("enabled", r.enabled.Load()).Str("main", r.mainName).Msg("restarter ready")
	}
}

func (r *Restarter) IsFinished() bool {
	r.finishMu.Lock()
	defer r.finishMu.Unlock()
	return r.finished
}
