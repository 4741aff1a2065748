package filewatch

import "sync"

// SnapshotStateRepository keeps the published snapshots of a watcher so that
// a later watcher (for example the one created after a restart) starts from
// a warm baseline instead of missing changes made in between.
type SnapshotStateRepository interface {
	Save(snapshots map[string]*DirectorySnapshot) error
	Restore() (map[string]*DirectorySnapshot, error)
}

type noSnapshotState struct{}

func (noSnapshotState) Save(map[string]*DirectorySnapshot) error        { return nil }
func (noSnapshotState) Restore() (map[string]*DirectorySnapshot, error) { return nil, nil }

// NoSnapshotState neither saves nor restores anything.
var NoSnapshotState SnapshotStateRepository = noSnapshotState{}

// StaticSnapshotState holds snapshots in process memory.
type StaticSnapshotState struct {
	mu        sync.Mutex
	snapshots map[string]*DirectorySnapshot
}

func NewStaticSnapshotState() *StaticSnapshotState { return &StaticSnapshotState{} }

func (s *StaticSnapshotState) Save(snapshots map[string]*DirectorySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = copySnapshots(snapshots)
	return nil
}

func (s *StaticSnapshotState) Restore() (map[string]*DirectorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		return nil, nil
	}
	return copySnapshots(s.snapshots), nil
}

func copySnapshots(in map[string]*DirectorySnapshot) map[string]*DirectorySnapshot {
	out := make(map[string]*DirectorySnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
