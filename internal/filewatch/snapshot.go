package filewatch

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TriggerFilter matches files that act as restart triggers. When a filter is
// set, only matching files decide whether a directory changed, and matching
// files are left out of the reported changes.
type TriggerFilter func(path string) bool

// FileEntry is the recorded state of one file.
type FileEntry struct {
	Path         string    `json:"path"`
	Length       int64     `json:"length"`
	LastModified time.Time `json:"last_modified"`
	Hash         uint64    `json:"hash,omitempty"`
}

func (e FileEntry) same(other FileEntry) bool {
	if e.Length != other.Length || !e.LastModified.Equal(other.LastModified) {
		return false
	}
	if e.Hash != 0 && other.Hash != 0 {
		return e.Hash == other.Hash
	}
	return true
}

// DirectorySnapshot is a point-in-time inventory of the files below a
// directory.
type DirectorySnapshot struct {
	Dir   string               `json:"dir"`
	Time  time.Time            `json:"time"`
	Files map[string]FileEntry `json:"files"`
}

type snapshotConfig struct {
	hash bool
}

// SnapshotOption tunes how snapshots are captured.
type SnapshotOption func(*snapshotConfig)

// WithContentHash records an xxhash of every file so that rewrites keeping
// both size and modification time are still detected.
func WithContentHash() SnapshotOption {
	return func(c *snapshotConfig) { c.hash = true }
}

// Capture walks dir and records every regular file below it. A symlinked
// dir is followed; paths are still recorded under dir. Unreadable
// directories contribute no entries.
func Capture(dir string, opts ...SnapshotOption) *DirectorySnapshot {
	var cfg snapshotConfig
	for _, o := range opts {
		o(&cfg)
	}
	snap := &DirectorySnapshot{Dir: dir, Time: time.Now(), Files: map[string]FileEntry{}}
	root := dir
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		root = resolved
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		name := path
		if root != dir {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			name = filepath.Join(dir, rel)
		}
		entry := FileEntry{Path: name, Length: info.Size(), LastModified: info.ModTime()}
		if cfg.hash {
			entry.Hash = hashFile(path)
		}
		snap.Files[name] = entry
		return nil
	})
	return snap
}

func hashFile(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0
	}
	return h.Sum64()
}

// ChangedFiles diffs this (older) snapshot against a newer one of the same
// directory.
func (s *DirectorySnapshot) ChangedFiles(newer *DirectorySnapshot, filter TriggerFilter) (ChangedFiles, error) {
	if newer == nil {
		return ChangedFiles{}, fmt.Errorf("snapshot must not be nil")
	}
	if newer.Dir != s.Dir {
		return ChangedFiles{}, fmt.Errorf("snapshot source directory must be %q, got %q", s.Dir, newer.Dir)
	}
	previous := make(map[string]FileEntry, len(s.Files))
	for p, e := range s.Files {
		previous[p] = e
	}
	var changes []ChangedFile
	for p, cur := range newer.Files {
		if !acceptChange(filter, p) {
			continue
		}
		prev, ok := previous[p]
		delete(previous, p)
		switch {
		case !ok:
			changes = append(changes, ChangedFile{SourceDir: s.Dir, Path: p, Type: Add})
		case !prev.same(cur):
			changes = append(changes, ChangedFile{SourceDir: s.Dir, Path: p, Type: Modify})
		}
	}
	for p := range previous {
		if acceptChange(filter, p) {
			changes = append(changes, ChangedFile{SourceDir: s.Dir, Path: p, Type: Delete})
		}
	}
	return newChangedFiles(s.Dir, changes), nil
}

func acceptChange(filter TriggerFilter, path string) bool {
	return filter == nil || !filter(path)
}

// Equal compares the files of both snapshots that the filter accepts (all of
// them when filter is nil). Capture time is ignored.
func (s *DirectorySnapshot) Equal(other *DirectorySnapshot, filter TriggerFilter) bool {
	if other == nil || s.Dir != other.Dir {
		return false
	}
	ours := s.filtered(filter)
	theirs := other.filtered(filter)
	if len(ours) != len(theirs) {
		return false
	}
	for p, e := range ours {
		o, ok := theirs[p]
		if !ok || !e.same(o) {
			return false
		}
	}
	return true
}

func (s *DirectorySnapshot) filtered(filter TriggerFilter) map[string]FileEntry {
	if filter == nil {
		return s.Files
	}
	out := make(map[string]FileEntry)
	for p, e := range s.Files {
		if filter(p) {
			out[p] = e
		}
	}
	return out
}

func (s *DirectorySnapshot) String() string {
	return fmt.Sprintf("%s snapshot at %s", s.Dir, s.Time.Format(time.RFC3339))
}
