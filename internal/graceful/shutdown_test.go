package graceful

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	active  atomic.Int64
	stopped atomic.Int32
	err     error
}

func (f *fakeServer) StopAccepting() error {
	f.stopped.Add(1)
	return f.err
}

func (f *fakeServer) ActiveRequests() int64 { return f.active.Load() }

type results struct{ ch chan Result }

func newResults() *results { return &results{ch: make(chan Result, 4)} }

func (r *results) cb(res Result) { r.ch <- res }

func (r *results) next(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown result")
		return ""
	}
}

func (r *results) none(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.ch:
		t.Fatalf("unexpected second result %s", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilCoordinatorIsImmediate(t *testing.T) {
	var s *Shutdown
	got := newResults()
	s.ShutDownGracefully(got.cb)
	assert.Equal(t, Immediate, got.next(t))
	assert.Equal(t, StateIdle, s.State())
	s.Abort()
	select {
	case <-s.Done():
	default:
		t.Fatal("nil coordinator should report done")
	}
}

func TestIdleServerReportsAtOnce(t *testing.T) {
	srv := &fakeServer{}
	s := New(srv)
	got := newResults()
	s.ShutDownGracefully(got.cb)
	assert.Equal(t, Idle, got.next(t))
	assert.Equal(t, int32(1), srv.stopped.Load())
	res, ok := s.Result()
	assert.True(t, ok)
	assert.Equal(t, Idle, res)
	assert.Equal(t, StateDone, s.State())
}

func TestTimeoutReportsRequestsActiveAtDeadline(t *testing.T) {
	fc := clockwork.NewFakeClock()
	srv := &fakeServer{}
	srv.active.Store(1)
	s := New(srv, WithClock(fc), WithGracePeriod(time.Second), WithPollInterval(100*time.Millisecond))
	start := fc.Now()
	got := newResults()
	s.ShutDownGracefully(got.cb)
	assert.True(t, s.IsShuttingDown())

	for i := 0; i < 10; i++ {
		fc.BlockUntil(1)
		select {
		case res := <-got.ch:
			t.Fatalf("reported %s after %s", res, fc.Since(start))
		default:
		}
		fc.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, RequestsActive, got.next(t))
	assert.Equal(t, time.Second, fc.Since(start))
	got.none(t)
}

func TestDrainReportsIdleBeforeDeadline(t *testing.T) {
	fc := clockwork.NewFakeClock()
	srv := &fakeServer{}
	srv.active.Store(2)
	s := New(srv, WithClock(fc), WithGracePeriod(30*time.Second))
	start := fc.Now()
	got := newResults()
	s.ShutDownGracefully(got.cb)

	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(DefaultPollInterval)
	}
	fc.BlockUntil(1)
	srv.active.Store(0)
	fc.Advance(DefaultPollInterval)

	assert.Equal(t, Idle, got.next(t))
	assert.Equal(t, 4*DefaultPollInterval, fc.Since(start))
}

func TestAbortReportsOnce(t *testing.T) {
	srv := &fakeServer{}
	srv.active.Store(1)
	s := New(srv, WithGracePeriod(time.Minute))
	got := newResults()
	s.ShutDownGracefully(got.cb)
	s.Abort()
	s.Abort()
	assert.Equal(t, RequestsActive, got.next(t))
	got.none(t)
}

func TestSecondShutdownIgnored(t *testing.T) {
	srv := &fakeServer{err: errors.New("listener already closed")}
	srv.active.Store(1)
	s := New(srv, WithGracePeriod(time.Minute))
	got := newResults()
	s.ShutDownGracefully(got.cb)
	s.ShutDownGracefully(got.cb)
	assert.Equal(t, int32(1), srv.stopped.Load())

	srv.active.Store(0)
	assert.Equal(t, Idle, got.next(t))
	got.none(t)

	s.ShutDownGracefully(got.cb)
	got.none(t)
	<-s.Done()
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	s := New(&fakeServer{}, WithGracePeriod(0), WithPollInterval(-1), WithClock(nil))
	require.NotNil(t, s.clock)
	assert.Equal(t, DefaultGracePeriod, s.grace)
	assert.Equal(t, DefaultPollInterval, s.poll)
}
