package resolver

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/devloop/internal/overrides"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func writeJar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func readAll(t *testing.T, r *Resource) string {
	t.Helper()
	b, err := r.Bytes()
	require.NoError(t, err)
	return string(b)
}

func newScopes(t *testing.T, files *overrides.Table) (*Layered, string, string) {
	t.Helper()
	own := t.TempDir()
	base := t.TempDir()
	parent, err := NewFSScope(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = parent.Close() })
	l, err := NewLayered(parent, []string{own}, files)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, own, base
}

func modified(b string) *overrides.File {
	return &overrides.File{Kind: overrides.Modified, LastModified: time.Now(), Contents: []byte(b)}
}

func TestOverrideWinsOverStaleRoot(t *testing.T) {
	tbl := overrides.NewTable()
	tbl.AddFile("/src", "B.class", modified("X"))
	l, own, _ := newScopes(t, tbl)
	write(t, own, "B.class", "stale")

	res, err := l.Resource("B.class")
	require.NoError(t, err)
	assert.Equal(t, KindOverride, res.Kind)
	assert.Equal(t, "reloaded:/B.class", res.URL)
	assert.Equal(t, "X", readAll(t, res))

	c, err := l.LoadClass("B")
	require.NoError(t, err)
	assert.Equal(t, []byte("X"), c.Bytes)
	assert.True(t, l.IsReloadable(c))
}

func TestDeletedOverrideHidesEverything(t *testing.T) {
	tbl := overrides.NewTable()
	tbl.AddFile("/src", "com/x/Gone.class", &overrides.File{Kind: overrides.Deleted, LastModified: time.Now()})
	l, own, base := newScopes(t, tbl)
	write(t, own, "com/x/Gone.class", "own")
	write(t, base, "com/x/Gone.class", "parent")

	_, err := l.Resource("com/x/Gone.class")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.LoadClass("com.x.Gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestOverrideWins(t *testing.T) {
	tbl := overrides.NewTable()
	tbl.AddFile("/src", "app.properties", modified("e1"))
	tbl.AddFile("/src", "app.properties", &overrides.File{Kind: overrides.Deleted})
	l, _, _ := newScopes(t, tbl)
	_, err := l.Resource("app.properties")
	assert.ErrorIs(t, err, ErrNotFound)

	tbl.AddFile("/src", "app.properties", modified("e3"))
	l2, err := NewLayered(nil, nil, tbl)
	require.NoError(t, err)
	res, err := l2.Resource("app.properties")
	require.NoError(t, err)
	assert.Equal(t, "e3", readAll(t, res))
}

func TestScopeSnapshotsOverrideTable(t *testing.T) {
	tbl := overrides.NewTable()
	l, _, _ := newScopes(t, tbl)
	tbl.AddFile("/src", "late.txt", modified("late"))
	_, err := l.Resource("late.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallsBackToRootThenParent(t *testing.T) {
	l, own, base := newScopes(t, nil)
	write(t, own, "a.txt", "own")
	write(t, base, "a.txt", "parent")
	write(t, base, "p.txt", "parent only")

	res, err := l.Resource("a.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, res.Kind)
	assert.Equal(t, "own", readAll(t, res))

	res, err = l.Resource("/p.txt")
	require.NoError(t, err)
	assert.Equal(t, "parent only", readAll(t, res))

	_, err = l.Resource("none.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := l.LoadClass("com.example.Missing")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParentClassIsNotReloadable(t *testing.T) {
	l, _, base := newScopes(t, nil)
	write(t, base, "lib/Util.class", "util")
	c, err := l.LoadClass("lib.Util")
	require.NoError(t, err)
	assert.False(t, l.IsReloadable(c))
	assert.Equal(t, "util", string(c.Bytes))
}

func TestResourcesReplacesFirstMatch(t *testing.T) {
	tbl := overrides.NewTable()
	tbl.AddFile("/src", "META-INF/x.txt", modified("override"))
	l, own, base := newScopes(t, tbl)
	write(t, own, "META-INF/x.txt", "own")
	write(t, base, "META-INF/x.txt", "parent")

	list, err := l.Resources("META-INF/x.txt")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "override", readAll(t, list[0]))
	assert.Equal(t, "parent", readAll(t, list[1]))

	tbl.AddFile("/src", "META-INF/x.txt", &overrides.File{Kind: overrides.Deleted})
	l2, err := NewLayered(l.parent, []string{own}, tbl)
	require.NoError(t, err)
	defer l2.Close()
	list, err = l2.Resources("META-INF/x.txt")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "parent", readAll(t, list[0]))
}

func TestJarRoot(t *testing.T) {
	jar := filepath.Join(t.TempDir(), "lib.jar")
	writeJar(t, jar, map[string]string{"com/lib/Thing.class": "thing"})

	l, err := NewLayered(nil, []string{"file:" + filepath.ToSlash(jar)}, nil)
	require.NoError(t, err)
	res, err := l.Resource("com/lib/Thing.class")
	require.NoError(t, err)
	assert.Equal(t, KindArchive, res.Kind)
	assert.Equal(t, "thing", readAll(t, res))

	require.NoError(t, l.Close())
	_, err = l.Resource("com/lib/Thing.class")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, l.Close())
}

func TestUnsupportedRootRejected(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "notes.txt", "x")
	_, err := NewLayered(nil, []string{filepath.Join(dir, "notes.txt")}, nil)
	assert.Error(t, err)
}

func TestConcurrentLoadDefinesOnce(t *testing.T) {
	l, own, _ := newScopes(t, nil)
	write(t, own, "app/Main.class", "main")

	const n = 32
	got := make([]*Class, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := l.LoadClass("app.Main")
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}

func TestScopeContext(t *testing.T) {
	l, _, _ := newScopes(t, nil)
	ctx := WithScope(context.Background(), l)
	s, ok := ScopeFrom(ctx)
	require.True(t, ok)
	assert.Same(t, l, s.(*Layered))
	_, ok = ScopeFrom(context.Background())
	assert.False(t, ok)
}
