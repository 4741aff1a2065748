package overrides

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/devloop/internal/filewatch"
)

func modified(b string) *File {
	return &File{Kind: Modified, LastModified: time.Now(), Contents: []byte(b)}
}

func TestGetReturnsLatest(t *testing.T) {
	tbl := NewTable()
	tbl.AddFile("/app", "com/x/B.class", modified("one"))
	tbl.AddFile("/app", "com/x/B.class", &File{Kind: Deleted, LastModified: time.Now()})
	tbl.AddFile("/app", "com/x/B.class", modified("three"))

	got := tbl.Get("com/x/B.class")
	require.NotNil(t, got)
	assert.Equal(t, "three", string(got.Contents))
	assert.Len(t, tbl.History("/app", "com/x/B.class"), 3)
	assert.Equal(t, 1, tbl.Size())
}

func TestGetStripsSourceDirectoryPrefix(t *testing.T) {
	tbl := NewTable()
	tbl.AddFile("/app/classes", "a/A.class", modified("a"))
	assert.NotNil(t, tbl.Get("app/classes/a/A.class"))
	assert.NotNil(t, tbl.Get("/a/A.class"))
	assert.Nil(t, tbl.Get("missing"))
}

func TestAddFileMovesNameBetweenDirectories(t *testing.T) {
	tbl := NewTable()
	tbl.AddFile("/one", "A.class", modified("1"))
	tbl.AddFile("/two", "A.class", modified("2"))
	assert.Empty(t, tbl.History("/one", "A.class"))
	assert.Equal(t, "2", string(tbl.Get("A.class").Contents))
	assert.Equal(t, []string{"/one", "/two"}, tbl.SourceDirectories())
}

func TestAddAllAppendsHistory(t *testing.T) {
	base := NewTable()
	base.AddFile("/app", "A.class", modified("1"))
	delta := NewTable()
	delta.AddFile("/app", "A.class", modified("2"))
	delta.AddFile("/app", "B.class", &File{Kind: Deleted})

	base.AddAll(delta)
	assert.Len(t, base.History("/app", "A.class"), 2)
	assert.Equal(t, Deleted, base.Get("B.class").Kind)
	assert.Equal(t, 2, base.Size())
}

func TestCloneIsIsolated(t *testing.T) {
	tbl := NewTable()
	tbl.AddFile("/app", "A.class", modified("1"))
	c := tbl.Clone()
	tbl.AddFile("/app", "A.class", modified("2"))
	tbl.AddFile("/app", "C.class", modified("c"))

	assert.Equal(t, "1", string(c.Get("A.class").Contents))
	assert.Nil(t, c.Get("C.class"))
}

func TestJSONRoundTrip(t *testing.T) {
	tbl := NewTable()
	tbl.AddFile("/app", "A.class", modified("bytes"))
	tbl.AddFile("/app", "gone.txt", &File{Kind: Deleted, LastModified: time.Now()})

	b, err := json.Marshal(tbl)
	require.NoError(t, err)

	var back Table
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "bytes", string(back.Get("A.class").Contents))
	assert.Equal(t, Deleted, back.Get("gone.txt").Kind)
	assert.Nil(t, back.Get("gone.txt").Contents)
}

func TestUnmarshalRejectsDeletedWithContents(t *testing.T) {
	doc := `{"source_directories":{"/app":{"A.class":[{"kind":"DELETED","contents":"eA=="}]}}}`
	var tbl Table
	assert.Error(t, json.Unmarshal([]byte(doc), &tbl))
}

func TestNewFileInvariant(t *testing.T) {
	_, err := NewFile(Deleted, time.Now(), []byte("x"))
	assert.Error(t, err)
	_, err = NewFile(Added, time.Now(), nil)
	assert.Error(t, err)
	f, err := NewFile(Modified, time.Now(), []byte{})
	require.NoError(t, err)
	assert.Equal(t, Modified, f.Kind)
}

func TestFromChangeSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.class"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "M.class"), []byte("mod"), 0o644))

	cs := []filewatch.ChangedFiles{{SourceDir: dir, Files: []filewatch.ChangedFile{
		{SourceDir: dir, Path: filepath.Join(dir, "A.class"), Type: filewatch.Add},
		{SourceDir: dir, Path: filepath.Join(dir, "M.class"), Type: filewatch.Modify},
		{SourceDir: dir, Path: filepath.Join(dir, "D.class"), Type: filewatch.Delete},
	}}}
	tbl, err := FromChangeSet(cs)
	require.NoError(t, err)

	assert.Equal(t, Added, tbl.Get("A.class").Kind)
	assert.Equal(t, "mod", string(tbl.Get("M.class").Contents))
	assert.Equal(t, Deleted, tbl.Get("D.class").Kind)
	assert.Nil(t, tbl.Get("D.class").Contents)

	entries := tbl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "A.class", entries[0].Name)
}
