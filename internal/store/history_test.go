package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/devloop/internal/restart"
	"github.com/carlosprados/devloop/internal/state"
)

func TestHistoryKeepsNewestWithinCapacity(t *testing.T) {
	h := NewHistory(3, "")
	for i := 0; i < 5; i++ {
		h.Upsert(state.RestartRecord{ID: fmt.Sprintf("c%d", i), Outcome: "started"})
	}
	list := h.List()
	require.Len(t, list, 3)
	assert.Equal(t, "c4", list[0].ID)
	assert.Equal(t, "c2", list[2].ID)
	_, ok := h.Get("c0")
	assert.False(t, ok)

	h.Upsert(state.RestartRecord{ID: "c3", Outcome: "aborted"})
	rec, ok := h.Get("c3")
	require.True(t, ok)
	assert.Equal(t, "aborted", rec.Outcome)
	assert.Len(t, h.List(), 3)
}

func TestRecordCycleConsumesPendingChanges(t *testing.T) {
	h := NewHistory(0, "")
	h.NoteChanges(2)
	h.NoteChanges(1)
	now := time.Now()
	rec := h.RecordCycle(restart.CycleReport{ID: "a", Started: now, Finished: now.Add(time.Second), Err: errors.New("boom")})
	assert.Equal(t, 3, rec.Changed)
	assert.Equal(t, "aborted", rec.Outcome)
	assert.Equal(t, "boom", rec.Error)

	rec = h.RecordCycle(restart.CycleReport{ID: "b"})
	assert.Equal(t, 0, rec.Changed)
	assert.Equal(t, "started", rec.Outcome)
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.ID)
}

func TestHistoryPersistsAndRestoresLast(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(10, dir)
	h.RecordCycle(restart.CycleReport{ID: "x"})

	again := NewHistory(10, dir)
	require.True(t, again.Restore())
	last, ok := again.Last()
	require.True(t, ok)
	assert.Equal(t, "x", last.ID)

	assert.False(t, NewHistory(10, t.TempDir()).Restore())
	assert.False(t, NewHistory(10, "").Restore())
}
