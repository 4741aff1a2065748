// Package overrides holds the accumulated add/modify/delete records that are
// layered over the static resource roots on every relaunch.
package overrides

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carlosprados/devloop/internal/filewatch"
)

// Kind is the kind of change recorded for a path.
type Kind string

const (
	Added    Kind = "ADDED"
	Modified Kind = "MODIFIED"
	Deleted  Kind = "DELETED"
)

// File is one recorded change. Contents is nil exactly when Kind is Deleted.
type File struct {
	Kind         Kind      `json:"kind"`
	LastModified time.Time `json:"last_modified"`
	Contents     []byte    `json:"contents,omitempty"`
}

// NewFile validates the contents invariant.
func NewFile(kind Kind, lastModified time.Time, contents []byte) (*File, error) {
	switch kind {
	case Deleted:
		if contents != nil {
			return nil, fmt.Errorf("deleted file must not carry contents")
		}
	case Added, Modified:
		if contents == nil {
			return nil, fmt.Errorf("%s file requires contents", strings.ToLower(string(kind)))
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return &File{Kind: kind, LastModified: lastModified, Contents: contents}, nil
}

// Entry is a flattened view of the latest record for one path.
type Entry struct {
	SourceDir    string    `json:"source_dir"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	LastModified time.Time `json:"last_modified"`
	Size         int       `json:"size"`
	Versions     int       `json:"versions"`
}

// Table maps source directory to relative path to the change history of that
// path, most recent last. It is safe for concurrent use.
type Table struct {
	mu   sync.RWMutex
	dirs map[string]map[string][]*File
}

func NewTable() *Table { return &Table{dirs: map[string]map[string][]*File{}} }

// AddFile appends f to the history of name under sourceDir. A name lives in a
// single source directory, so its records under other directories are dropped.
func (t *Table) AddFile(sourceDir, name string, f *File) {
	if f == nil {
		return
	}
	name = cleanName(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(sourceDir, name, f)
}

func (t *Table) addLocked(sourceDir, name string, files ...*File) {
	for dir, entries := range t.dirs {
		if dir != sourceDir {
			delete(entries, name)
		}
	}
	entries := t.dirs[sourceDir]
	if entries == nil {
		entries = map[string][]*File{}
		t.dirs[sourceDir] = entries
	}
	entries[name] = append(entries[name], files...)
}

// AddAll merges every record of other into t.
func (t *Table) AddAll(other *Table) {
	if other == nil || other == t {
		return
	}
	src := other.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dir := range sortedKeys(src.dirs) {
		for name, files := range src.dirs[dir] {
			t.addLocked(dir, name, files...)
		}
	}
}

// Get returns the most recent record for name, or nil. Names may be given
// relative to a source directory or prefixed with one.
func (t *Table) Get(name string) *File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name = strings.TrimPrefix(name, "/")
	for dir, entries := range t.dirs {
		key := name
		if prefix := strings.TrimPrefix(dirKey(dir), "/"); prefix != "" && strings.HasPrefix(name, prefix+"/") {
			key = strings.TrimPrefix(name, prefix+"/")
		}
		if files := entries[cleanName(key)]; len(files) > 0 {
			return files[len(files)-1]
		}
	}
	return nil
}

// History returns every record for name under sourceDir, oldest first.
func (t *Table) History(sourceDir, name string) []*File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*File(nil), t.dirs[sourceDir][cleanName(name)]...)
}

// Size returns the number of paths with at least one record.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, entries := range t.dirs {
		n += len(entries)
	}
	return n
}

func (t *Table) SourceDirectories() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.dirs)
}

// Entries lists the latest record of every path, sorted by directory then name.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, dir := range sortedKeys(t.dirs) {
		entries := t.dirs[dir]
		for _, name := range sortedKeys(entries) {
			files := entries[name]
			last := files[len(files)-1]
			out = append(out, Entry{
				SourceDir:    dir,
				Name:         name,
				Kind:         last.Kind,
				LastModified: last.LastModified,
				Size:         len(last.Contents),
				Versions:     len(files),
			})
		}
	}
	return out
}

// Clone returns a copy that later mutations of t do not affect. Records are
// immutable and shared.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := NewTable()
	for dir, entries := range t.dirs {
		cp := make(map[string][]*File, len(entries))
		for name, files := range entries {
			cp[name] = append([]*File(nil), files...)
		}
		out.dirs[dir] = cp
	}
	return out
}

type tableDoc struct {
	SourceDirectories map[string]map[string][]*File `json:"source_directories"`
}

func (t *Table) MarshalJSON() ([]byte, error) {
	c := t.Clone()
	return json.Marshal(tableDoc{SourceDirectories: c.dirs})
}

func (t *Table) UnmarshalJSON(b []byte) error {
	var doc tableDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	dirs := map[string]map[string][]*File{}
	for dir, entries := range doc.SourceDirectories {
		cp := map[string][]*File{}
		for name, files := range entries {
			for _, f := range files {
				if f == nil {
					return fmt.Errorf("%s/%s: empty record", dir, name)
				}
				// empty contents are dropped on the wire
				if f.Kind != Deleted && f.Contents == nil {
					f.Contents = []byte{}
				}
				if _, err := NewFile(f.Kind, f.LastModified, f.Contents); err != nil {
					return fmt.Errorf("%s/%s: %w", dir, name, err)
				}
			}
			if len(files) > 0 {
				cp[cleanName(name)] = files
			}
		}
		dirs[dir] = cp
	}
	t.mu.Lock()
	t.dirs = dirs
	t.mu.Unlock()
	return nil
}

// FromChangeSet reads the current contents of every changed file into a new
// table. Deleted files are recorded with the time of the call.
func FromChangeSet(changeSet []filewatch.ChangedFiles) (*Table, error) {
	t := NewTable()
	for _, cf := range changeSet {
		for _, f := range cf.Files {
			rec, err := fileFor(f)
			if err != nil {
				return nil, err
			}
			t.AddFile(cf.SourceDir, f.RelativeName(), rec)
		}
	}
	return t, nil
}

func fileFor(f filewatch.ChangedFile) (*File, error) {
	if f.Type == filewatch.Delete {
		return &File{Kind: Deleted, LastModified: time.Now()}, nil
	}
	kind := Modified
	if f.Type == filewatch.Add {
		kind = Added
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	if b == nil {
		b = []byte{}
	}
	lm := time.Now()
	if st, err := os.Stat(f.Path); err == nil {
		lm = st.ModTime()
	}
	return &File{Kind: kind, LastModified: lm, Contents: b}, nil
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
}

func dirKey(dir string) string { return strings.TrimSuffix(strings.ReplaceAll(dir, "\\", "/"), "/") }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
