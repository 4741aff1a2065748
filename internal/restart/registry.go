package restart

import (
	"errors"
	"sync"
)

var ErrNotInitialized = errors.New("restarter has not been initialized")

var (
	instanceMu sync.Mutex
	instance   *Restarter
)

// Initialize creates the process-wide restarter. Only the first call has an
// effect; later calls return the existing instance.
func Initialize(opts Options) *Restarter {
	instanceMu.Lock()
	local := instance
	created := false
	if local == nil {
		local = newRestarter(opts)
		instance = local
		created = true
	}
	instanceMu.Unlock()
	if created {
		local.initialize(opts.RestartOnInitialize)
	}
	return local
}

// Disable makes sure a process-wide restarter exists and turns restart
// support off.
func Disable() *Restarter {
	r := Initialize(Options{Initializer: NoInitializer})
	r.enabled.Store(false)
	return r
}

// Instance returns the process-wide restarter.
func Instance() (*Restarter, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// MustInstance is Instance for callers that treat a missing restarter as a
// programming error.
func MustInstance() *Restarter {
	r, err := Instance()
	if err != nil {
		panic(err)
	}
	return r
}

// ClearInstance forgets the process-wide restarter. Tests use it for
// isolation.
func ClearInstance() {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()
}
