package appctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/overrides"
)

// Env overrides for the per-component phase timeouts.
const (
	EnvInitTimeout = "DEVLOOP_INIT_TIMEOUT"
	EnvStopTimeout = "DEVLOOP_STOP_TIMEOUT"
)

var ErrClosed = errors.New("application context closed")

// Graph is a simple dependency graph.
type Graph struct {
	Nodes map[string]*Component
	Edges map[string][]string // from -> to (dependency -> dependent)
	InDeg map[string]int
}

// BuildGraph creates a DAG from the components' dependencies. A dependency on
// a component outside comps is an error.
func BuildGraph(comps []*Component) (*Graph, error) {
	g := &Graph{Nodes: map[string]*Component{}, Edges: map[string][]string{}, InDeg: map[string]int{}}
	for _, c := range comps {
		if _, dup := g.Nodes[c.Name]; dup {
			return nil, fmt.Errorf("duplicate component %q", c.Name)
		}
		g.Nodes[c.Name] = c
		g.InDeg[c.Name] = 0
	}
	for _, c := range comps {
		for _, dep := range c.Deps {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, fmt.Errorf("component %q depends on unknown %q", c.Name, dep)
			}
			g.Edges[dep] = append(g.Edges[dep], c.Name)
			g.InDeg[c.Name]++
		}
	}
	return g, nil
}

// TopoLayers returns ordered layers where each layer can start in parallel.
func (g *Graph) TopoLayers() ([][]string, error) {
	in := make(map[string]int, len(g.InDeg))
	for k, v := range g.InDeg {
		in[k] = v
	}
	var q []string
	for n, d := range in {
		if d == 0 {
			q = append(q, n)
		}
	}
	var layers [][]string
	visited := 0
	for len(q) > 0 {
		layer := append([]string{}, q...)
		layers = append(layers, layer)
		q = q[:0]
		for _, u := range layer {
			visited++
			for _, v := range g.Edges[u] {
				in[v]--
				if in[v] == 0 {
					q = append(q, v)
				}
			}
		}
	}
	if visited != len(g.Nodes) {
		return nil, errors.New("cycle detected in component graph")
	}
	return layers, nil
}

// ComponentInfo is the reported state of one component.
type ComponentInfo struct {
	Name  string   `json:"name"`
	Deps  []string `json:"deps,omitempty"`
	State State    `json:"state"`
}

// Context is a running application: its components, the layers they were
// started in and the override table of the launch that created it.
type Context struct {
	name   string
	parent *Context
	comps  []*Component

	mu        sync.Mutex
	layers    [][]string
	started   map[string]*Component
	overrides *overrides.Table
	closed    bool
}

// New returns an unstarted context. A context with a parent is not a root
// and is left alone by the restarter.
func New(name string, parent *Context, comps ...*Component) *Context {
	return &Context{name: name, parent: parent, comps: comps, started: map[string]*Component{}}
}

func (c *Context) Name() string { return c.name }

func (c *Context) HasParent() bool { return c.parent != nil }

func (c *Context) UseOverrides(t *overrides.Table) {
	c.mu.Lock()
	c.overrides = t
	c.mu.Unlock()
}

// Overrides returns the table handed over when the context was prepared.
func (c *Context) Overrides() *overrides.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overrides
}

// Start initializes and starts the components layer by layer. When a layer
// fails, everything started so far is stopped in reverse order.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	g, err := BuildGraph(c.comps)
	if err != nil {
		return err
	}
	layers, err := g.TopoLayers()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.layers = layers
	c.mu.Unlock()

	initTimeout := timeoutFromEnv(EnvInitTimeout, 2*time.Minute)
	for i, layer := range layers {
		log.Info().Str("context", c.name).Int("layer", i).Strs("components", layer).Msg("starting layer")
		var wg sync.WaitGroup
		errCh := make(chan error, len(layer))
		for _, name := range layer {
			comp := g.Nodes[name]
			wg.Add(1)
			go func(comp *Component) {
				defer wg.Done()
				initCtx, cancelInit := context.WithTimeout(ctx, initTimeout)
				defer cancelInit()
				if err := comp.Init(initCtx); err != nil {
					errCh <- fmt.Errorf("%s init: %w", comp.Name, err)
					return
				}
				if err := comp.Start(ctx); err != nil {
					errCh <- fmt.Errorf("%s start: %w", comp.Name, err)
					return
				}
				c.mu.Lock()
				c.started[comp.Name] = comp
				c.mu.Unlock()
			}(comp)
		}
		wg.Wait()
		close(errCh)
		if first := <-errCh; first != nil {
			log.Error().Str("context", c.name).Int("layer", i).Err(first).Msg("layer failed")
			_ = c.stopLayers(i)
			return first
		}
	}
	log.Info().Str("context", c.name).Int("components", len(c.comps)).Msg("all components running")
	return nil
}

// Close stops the started components in reverse layer order. Stop errors
// are collected; Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	last := len(c.layers) - 1
	c.mu.Unlock()
	err := c.stopLayers(last)
	log.Info().Str("context", c.name).Msg("application context closed")
	return err
}

func (c *Context) stopLayers(from int) error {
	stopTimeout := timeoutFromEnv(EnvStopTimeout, 30*time.Second)
	var errs []error
	for j := from; j >= 0; j-- {
		c.mu.Lock()
		var toStop []*Component
		for _, n := range c.layers[j] {
			if s, ok := c.started[n]; ok {
				toStop = append(toStop, s)
				delete(c.started, n)
			}
		}
		c.mu.Unlock()
		for _, s := range toStop {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s stop: %w", s.Name, err))
			}
			cancel()
		}
	}
	return errors.Join(errs...)
}

func (c *Context) Components() []ComponentInfo {
	out := make([]ComponentInfo, 0, len(c.comps))
	for _, comp := range c.comps {
		out = append(out, ComponentInfo{Name: comp.Name, Deps: comp.Deps, State: comp.State()})
	}
	return out
}

// timeoutFromEnv reads a duration such as "90s" or "5m" from env, falling
// back to def when unset or invalid.
func timeoutFromEnv(env string, def time.Duration) time.Duration {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}
