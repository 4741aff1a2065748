package restart

// worker is a goroutine spawned ahead of time that runs exactly one job.
// Before running its job it hands a fresh successor to the pool, so the pool
// always holds one worker whose stack predates the current launch.
type worker struct {
	jobs chan func()
}

func (r *Restarter) spawnWorker() *worker {
	w := &worker{jobs: make(chan func(), 1)}
	go func() {
		job, ok := <-w.jobs
		if !ok {
			return
		}
		r.workers <- r.spawnWorker()
		job()
	}()
	return w
}

func (r *Restarter) takeWorker() *worker { return <-r.workers }

// call runs fn on the next worker without waiting for it.
func (r *Restarter) call(fn func()) {
	r.takeWorker().jobs <- fn
}

// callAndWait runs fn on the next worker and waits for it to return.
func (r *Restarter) callAndWait(fn func()) {
	done := make(chan struct{})
	r.takeWorker().jobs <- func() {
		defer close(done)
		fn()
	}
	<-done
}
