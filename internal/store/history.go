// Package store keeps the recent restart cycles in memory for the control
// API and persists the latest one to the state directory.
package store

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/restart"
	"github.com/carlosprados/devloop/internal/state"
)

// DefaultCapacity is the number of cycles kept when none is given.
const DefaultCapacity = 50

// History is a tiny in-memory store of restart cycles, newest last.
type History struct {
	mu       sync.RWMutex
	items    []state.RestartRecord
	capacity int
	pending  int
	stateDir string
}

// NewHistory keeps up to capacity records. When stateDir is not empty the
// latest record is also written there.
func NewHistory(capacity int, stateDir string) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity, stateDir: stateDir}
}

// NoteChanges adds n changed files to the next recorded cycle.
func (h *History) NoteChanges(n int) {
	h.mu.Lock()
	h.pending += n
	h.mu.Unlock()
}

// RecordCycle turns a finished cycle into a record and stores it.
func (h *History) RecordCycle(rep restart.CycleReport) state.RestartRecord {
	rec := state.RestartRecord{
		ID:        rep.ID,
		Outcome:   rep.Outcome(),
		Started:   rep.Started,
		Completed: rep.Finished,
	}
	if rep.Err != nil {
		rec.Error = rep.Err.Error()
	}
	h.mu.Lock()
	rec.Changed = h.pending
	h.pending = 0
	h.mu.Unlock()
	h.Upsert(rec)
	return rec
}

// Upsert replaces the record with the same ID or appends a new one,
// dropping the oldest beyond capacity.
func (h *History) Upsert(rec state.RestartRecord) {
	h.mu.Lock()
	replaced := false
	for i := range h.items {
		if h.items[i].ID == rec.ID {
			h.items[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		h.items = append(h.items, rec)
		if over := len(h.items) - h.capacity; over > 0 {
			h.items = append([]state.RestartRecord(nil), h.items[over:]...)
		}
	}
	dir := h.stateDir
	h.mu.Unlock()
	if dir != "" {
		if err := state.SaveRestart(dir, rec); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("persist restart record")
		}
	}
}

// List returns the records, newest first.
func (h *History) List() []state.RestartRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]state.RestartRecord, 0, len(h.items))
	for i := len(h.items) - 1; i >= 0; i-- {
		out = append(out, h.items[i])
	}
	return out
}

func (h *History) Get(id string) (state.RestartRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, rec := range h.items {
		if rec.ID == id {
			return rec, true
		}
	}
	return state.RestartRecord{}, false
}

func (h *History) Last() (state.RestartRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		return state.RestartRecord{}, false
	}
	return h.items[len(h.items)-1], true
}

// Restore loads the record persisted by a previous process, if any.
func (h *History) Restore() bool {
	if h.stateDir == "" {
		return false
	}
	rec, err := state.LoadRestart(h.stateDir)
	if err != nil {
		return false
	}
	h.mu.Lock()
	h.items = append(h.items, rec)
	h.mu.Unlock()
	return true
}
