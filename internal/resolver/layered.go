package resolver

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/carlosprados/devloop/internal/overrides"
)

// Layered is the resolution scope built for one launch. It consults, in
// order, the override table, its own roots and the parent scope.
type Layered struct {
	parent Scope
	urls   []string
	files  *overrides.Table

	mu      sync.RWMutex
	roots   []root
	closed  bool
	defines singleflight.Group
	classes sync.Map // class name -> *Class
}

// NewLayered opens the static roots. files is cloned so that later additions
// to the caller's table never show through an existing scope.
func NewLayered(parent Scope, urls []string, files *overrides.Table) (*Layered, error) {
	roots, err := openRoots(urls)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = overrides.NewTable()
	} else {
		files = files.Clone()
	}
	return &Layered{
		parent: parent,
		urls:   append([]string(nil), urls...),
		files:  files,
		roots:  roots,
	}, nil
}

func (l *Layered) URLs() []string { return append([]string(nil), l.urls...) }

// Overrides returns the table this scope was built over.
func (l *Layered) Overrides() *overrides.Table { return l.files }

func (l *Layered) Resource(name string) (*Resource, error) {
	name = cleanName(name)
	if f := l.files.Get(name); f != nil {
		if f.Kind == overrides.Deleted {
			return nil, notFound(name)
		}
		return overrideResource(name, f), nil
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	res, err := findFirst(l.roots, name)
	l.mu.RUnlock()
	if err == nil || !errors.Is(err, ErrNotFound) {
		return res, err
	}
	if l.parent == nil {
		return nil, notFound(name)
	}
	return l.parent.Resource(name)
}

// Resources lists every match of name, own roots before the parent's. An
// override replaces the first match; a deleted one just removes it.
func (l *Layered) Resources(name string) ([]*Resource, error) {
	name = cleanName(name)
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	out, err := findAll(l.roots, name)
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if l.parent != nil {
		more, err := l.parent.Resources(name)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	f := l.files.Get(name)
	if f == nil {
		return out, nil
	}
	if len(out) > 0 {
		out = out[1:]
	}
	if f.Kind == overrides.Deleted {
		return out, nil
	}
	return append([]*Resource{overrideResource(name, f)}, out...), nil
}

// LoadClass returns the class for a dotted name, defining it at most once.
// Concurrent loads of the same name share one definition; different names
// never wait on each other.
func (l *Layered) LoadClass(name string) (*Class, error) {
	if c, ok := l.classes.Load(name); ok {
		return c.(*Class), nil
	}
	v, err, _ := l.defines.Do(name, func() (any, error) {
		if c, ok := l.classes.Load(name); ok {
			return c, nil
		}
		c, err := l.findClass(name)
		if err != nil {
			return nil, err
		}
		l.classes.Store(name, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Class), nil
}

func (l *Layered) findClass(name string) (*Class, error) {
	resName := ClassResourceName(name)
	if f := l.files.Get(resName); f != nil {
		if f.Kind == overrides.Deleted {
			return nil, notFound(name)
		}
		return &Class{Name: name, URL: "reloaded:/" + resName, Bytes: f.Contents, Scope: l}, nil
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	res, err := findFirst(l.roots, resName)
	l.mu.RUnlock()
	switch {
	case err == nil:
		return l.define(name, res, l)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if cs, ok := l.parent.(ClassScope); ok {
		return cs.LoadClass(name)
	}
	if l.parent == nil {
		return nil, notFound(name)
	}
	res, err = l.parent.Resource(resName)
	if err != nil {
		return nil, err
	}
	return l.define(name, res, l.parent)
}

func (l *Layered) define(name string, res *Resource, owner Scope) (*Class, error) {
	b, err := res.Bytes()
	if err != nil {
		return nil, fmt.Errorf("define %s: %w", name, err)
	}
	return &Class{Name: name, URL: res.URL, Bytes: b, Scope: owner}, nil
}

// IsReloadable reports whether c was defined by this scope rather than
// inherited from the parent.
func (l *Layered) IsReloadable(c *Class) bool {
	return c != nil && c.Scope == Scope(l)
}

// Close releases archive handles. Overrides stay resolvable; roots do not.
func (l *Layered) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return closeRoots(l.roots)
}

var _ ClassScope = (*Layered)(nil)
