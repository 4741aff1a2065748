// Package state persists devloop runtime state (watcher snapshots and the
// last restart report) under a state directory so that a relaunched process
// picks up where the previous one stopped.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carlosprados/devloop/internal/filewatch"
)

const (
	snapshotsFile = "snapshots.json"
	restartFile   = "restart.json"
)

// RestartRecord is the persisted summary of the last restart cycle.
type RestartRecord struct {
	ID        string    `json:"id"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error"`
	Changed   int       `json:"changed"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`
}

type snapshotsDoc struct {
	Saved     time.Time                               `json:"saved"`
	Snapshots map[string]*filewatch.DirectorySnapshot `json:"snapshots"`
}

// Save writes v as indented JSON to dir/name through a temporary file so a
// crash never leaves a half-written document behind.
func Save(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads dir/name into v.
func Load(dir, name string, v any) error {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SaveRestart records the outcome of the last restart cycle.
func SaveRestart(dir string, rec RestartRecord) error { return Save(dir, restartFile, rec) }

// LoadRestart returns the last recorded restart cycle.
func LoadRestart(dir string) (RestartRecord, error) {
	var rec RestartRecord
	err := Load(dir, restartFile, &rec)
	return rec, err
}

// FileSnapshotState is a filewatch.SnapshotStateRepository backed by a JSON
// document in a state directory.
type FileSnapshotState struct {
	mu  sync.Mutex
	dir string
}

func NewFileSnapshotState(dir string) *FileSnapshotState {
	return &FileSnapshotState{dir: dir}
}

func (s *FileSnapshotState) Save(snapshots map[string]*filewatch.DirectorySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Save(s.dir, snapshotsFile, snapshotsDoc{Saved: time.Now(), Snapshots: snapshots})
}

// Restore returns nil without error when nothing has been saved yet.
func (s *FileSnapshotState) Restore() (map[string]*filewatch.DirectorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc snapshotsDoc
	if err := Load(s.dir, snapshotsFile, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Snapshots, nil
}

var _ filewatch.SnapshotStateRepository = (*FileSnapshotState)(nil)
