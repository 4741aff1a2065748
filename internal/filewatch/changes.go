package filewatch

import (
	"path/filepath"
	"sort"
	"strings"
)

// ChangeType is the kind of change detected for a single file.
type ChangeType string

const (
	Add    ChangeType = "add"
	Modify ChangeType = "modify"
	Delete ChangeType = "delete"
)

// ChangedFile describes one file change within a watched source directory.
type ChangedFile struct {
	SourceDir string     `json:"source_dir"`
	Path      string     `json:"path"`
	Type      ChangeType `json:"type"`
}

// RelativeName returns the slash-separated path of the file relative to its
// source directory.
func (c ChangedFile) RelativeName() string {
	rel, err := filepath.Rel(c.SourceDir, c.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(c.Path)
	}
	return filepath.ToSlash(rel)
}

// Key identifies the file regardless of the change type.
func (c ChangedFile) Key() string {
	return c.SourceDir + "\x00" + c.RelativeName()
}

func (c ChangedFile) String() string {
	return string(c.Type) + " " + c.RelativeName()
}

// ChangedFiles is the batch of changes detected in one source directory.
type ChangedFiles struct {
	SourceDir string        `json:"source_dir"`
	Files     []ChangedFile `json:"files"`
}

func newChangedFiles(dir string, files []ChangedFile) ChangedFiles {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return ChangedFiles{SourceDir: dir, Files: files}
}

// Len returns the number of changed files.
func (c ChangedFiles) Len() int { return len(c.Files) }

// Equal reports whether both batches describe the same directory and the same
// set of changes, ignoring order.
func (c ChangedFiles) Equal(other ChangedFiles) bool {
	if c.SourceDir != other.SourceDir || len(c.Files) != len(other.Files) {
		return false
	}
	seen := make(map[string]ChangeType, len(c.Files))
	for _, f := range c.Files {
		seen[f.Key()] = f.Type
	}
	for _, f := range other.Files {
		t, ok := seen[f.Key()]
		if !ok || t != f.Type {
			return false
		}
	}
	return true
}

// CountByType returns how many changes of each type the batch holds.
func (c ChangedFiles) CountByType() map[ChangeType]int {
	out := make(map[ChangeType]int, 3)
	for _, f := range c.Files {
		out[f.Type]++
	}
	return out
}
