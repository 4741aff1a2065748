// Package resolver resolves classes and resources through a layered scope:
// recorded overrides first, then the scope's own roots, then the parent.
package resolver

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/carlosprados/devloop/internal/overrides"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("resolver closed")
)

// ResourceKind tells where a resource was found.
type ResourceKind string

const (
	KindOverride ResourceKind = "override"
	KindFile     ResourceKind = "file"
	KindArchive  ResourceKind = "archive"
)

// Resource is a named piece of content found by a scope.
type Resource struct {
	Name string
	URL  string
	Kind ResourceKind
	open func() (io.ReadCloser, error)
}

func (r *Resource) Open() (io.ReadCloser, error) { return r.open() }

// Bytes reads the whole resource.
func (r *Resource) Bytes() ([]byte, error) {
	rc, err := r.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Class is a class defined by a scope from the bytes of its resource.
type Class struct {
	Name  string
	URL   string
	Bytes []byte
	Scope Scope
}

// Scope finds resources by slash-separated name.
type Scope interface {
	Resource(name string) (*Resource, error)
	Resources(name string) ([]*Resource, error)
}

// ClassScope also defines classes.
type ClassScope interface {
	Scope
	LoadClass(name string) (*Class, error)
}

// ClassResourceName maps a dotted class name to its resource path.
func ClassResourceName(className string) string {
	return strings.ReplaceAll(className, ".", "/") + ".class"
}

func notFound(name string) error { return fmt.Errorf("%s: %w", name, ErrNotFound) }

// root is one static location searched by a scope.
type root interface {
	find(name string) (*Resource, error)
	close() error
}

type dirRoot struct {
	dir  string
	fsys fs.FS
}

func (d *dirRoot) find(name string) (*Resource, error) {
	if name == "" || !fs.ValidPath(name) {
		return nil, nil
	}
	st, err := fs.Stat(d.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if st.IsDir() {
		return nil, nil
	}
	full := filepath.Join(d.dir, filepath.FromSlash(name))
	return &Resource{
		Name: name,
		URL:  (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(),
		Kind: KindFile,
		open: func() (io.ReadCloser, error) { return d.fsys.Open(name) },
	}, nil
}

func (d *dirRoot) close() error { return nil }

type zipRoot struct {
	path string
	rc   *zip.ReadCloser
}

func (z *zipRoot) find(name string) (*Resource, error) {
	for _, f := range z.rc.File {
		if f.Name != name || f.FileInfo().IsDir() {
			continue
		}
		zf := f
		return &Resource{
			Name: name,
			URL:  "jar:file:" + filepath.ToSlash(z.path) + "!/" + name,
			Kind: KindArchive,
			open: func() (io.ReadCloser, error) { return zf.Open() },
		}, nil
	}
	return nil, nil
}

func (z *zipRoot) close() error { return z.rc.Close() }

func openRoots(urls []string) ([]root, error) {
	var roots []root
	for _, raw := range urls {
		p, err := pathFromURL(raw)
		if err != nil {
			closeRoots(roots)
			return nil, err
		}
		st, err := os.Stat(p)
		switch {
		case err != nil && errors.Is(err, fs.ErrNotExist):
			// a root may appear later; directories are read lazily
			roots = append(roots, &dirRoot{dir: p, fsys: os.DirFS(p)})
		case err != nil:
			closeRoots(roots)
			return nil, fmt.Errorf("open root %s: %w", raw, err)
		case st.IsDir():
			roots = append(roots, &dirRoot{dir: p, fsys: os.DirFS(p)})
		default:
			ext := strings.ToLower(filepath.Ext(p))
			if ext != ".jar" && ext != ".zip" {
				closeRoots(roots)
				return nil, fmt.Errorf("open root %s: unsupported file type", raw)
			}
			rc, err := zip.OpenReader(p)
			if err != nil {
				closeRoots(roots)
				return nil, fmt.Errorf("open root %s: %w", raw, err)
			}
			roots = append(roots, &zipRoot{path: p, rc: rc})
		}
	}
	return roots, nil
}

func closeRoots(roots []root) error {
	var errs []error
	for _, r := range roots {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func pathFromURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "file:") {
		return filepath.Clean(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %s: %w", raw, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}

// FSScope is a plain scope over static roots. It is the launch scope that
// layered scopes use as parent.
type FSScope struct {
	mu     sync.RWMutex
	roots  []root
	closed bool
}

// NewFSScope opens the given directories and archives.
func NewFSScope(urls ...string) (*FSScope, error) {
	roots, err := openRoots(urls)
	if err != nil {
		return nil, err
	}
	return &FSScope{roots: roots}, nil
}

func (s *FSScope) Resource(name string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return findFirst(s.roots, cleanName(name))
}

func (s *FSScope) Resources(name string) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return findAll(s.roots, cleanName(name))
}

func (s *FSScope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return closeRoots(s.roots)
}

func findFirst(roots []root, name string) (*Resource, error) {
	for _, r := range roots {
		res, err := r.find(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, notFound(name)
}

func findAll(roots []root, name string) ([]*Resource, error) {
	var out []*Resource
	for _, r := range roots {
		res, err := r.find(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

type scopeKey struct{}

// WithScope returns a context carrying s as the current resolution scope.
func WithScope(ctx context.Context, s ClassScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the resolution scope carried by ctx, if any.
func ScopeFrom(ctx context.Context) (ClassScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(ClassScope)
	return s, ok
}

// overrideResource materializes an override record as an in-memory resource.
func overrideResource(name string, f *overrides.File) *Resource {
	contents := f.Contents
	return &Resource{
		Name: name,
		URL:  "reloaded:/" + name,
		Kind: KindOverride,
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(contents)), nil },
	}
}
