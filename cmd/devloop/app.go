package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/appctx"
	"github.com/carlosprados/devloop/internal/config"
	"github.com/carlosprados/devloop/internal/devtools"
	"github.com/carlosprados/devloop/internal/graceful"
	"github.com/carlosprados/devloop/internal/resolver"
	"github.com/carlosprados/devloop/internal/restart"
)

// demoApp is the relaunchable application: an HTTP server that serves the
// resources and classes visible from the current launch scope.
type demoApp struct {
	cfg *config.Config

	mu      sync.Mutex
	local   *devtools.Local
	current *appctx.Context
}

func (a *demoApp) setLocal(l *devtools.Local) {
	a.mu.Lock()
	a.local = l
	a.mu.Unlock()
}

func (a *demoApp) getLocal() *devtools.Local {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

func (a *demoApp) onCycle(rep restart.CycleReport) {
	if l := a.getLocal(); l != nil {
		l.OnCycle(rep)
	}
}

func (a *demoApp) components() []appctx.ComponentInfo {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Components()
}

// Main starts one launch of the application.
func (a *demoApp) Main(ctx context.Context, l *restart.Launch) error {
	mode, err := graceful.ParseMode(a.cfg.Server.Shutdown)
	if err != nil {
		return err
	}
	srv := graceful.NewHTTPServer(a.cfg.Server.Addr, scopeHandler(l, a.cfg.Server.Root), mode,
		graceful.WithGracePeriod(a.cfg.Server.GracePeriod.Duration))

	httpComp := appctx.NewComponent("http", nil,
		func(context.Context) error { return srv.Start() },
		func(context.Context) error { return srv.Close() })
	httpComp.InitFn = func(context.Context) error { return checkRoot(a.cfg.Server.Root) }
	httpComp.ReadyCh = srv.Ready()
	comps := []*appctx.Component{httpComp}

	if local := a.getLocal(); local != nil && l.Restarter.Enabled() {
		var w *devtools.ClassPathWatcher
		watchComp := appctx.NewComponent("classpath-watcher", []string{"http"},
			func(context.Context) error { return w.Start() },
			func(context.Context) error { return w.Close() })
		watchComp.InitFn = func(context.Context) error {
			var err error
			if w, err = local.NewClassPathWatcher(); err != nil {
				return fmt.Errorf("classpath watcher: %w", err)
			}
			return nil
		}
		comps = append(comps, watchComp)
	}

	app := appctx.New("devloop/"+l.CycleID, nil, comps...)
	l.Restarter.Prepare(app)
	if err := app.Start(ctx); err != nil {
		l.Restarter.Remove(app)
		_ = app.Close()
		return err
	}
	a.mu.Lock()
	a.current = app
	a.mu.Unlock()

	l.Restarter.KeepAlive(srv.Await)
	log.Info().Str("cycle", l.CycleID).Int("attempt", l.Attempt).Int("port", srv.Port()).Msg("application started")
	return nil
}

// checkRoot fails when a configured document root is not a directory.
func checkRoot(root string) error {
	if root == "" {
		return nil
	}
	st, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("server root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("server root %s is not a directory", root)
	}
	return nil
}

// runStatic launches the application once, outside the restarter's cycles.
func (a *demoApp) runStatic(ctx context.Context, r *restart.Restarter) error {
	scope, err := staticScope(a.cfg.Restart.URLs)
	if err != nil {
		return err
	}
	return a.Main(ctx, &restart.Launch{CycleID: "static", Scope: scope, Restarter: r})
}

// scopeHandler serves the launch scope:
//
//	GET /res/{name...}    resource bytes, first match wins
//	GET /classes/{name}   class bytes, X-Reloadable tells whether the launch
//	                      scope defined it
//	GET /healthz          the launch this server belongs to
//	GET /                 files under root, when set
func scopeHandler(l *restart.Launch, root string) http.Handler {
	started := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","cycle":%q,"attempt":%d,"since":%q}`,
			l.CycleID, l.Attempt, started.UTC().Format(time.RFC3339))
	})

	mux.HandleFunc("GET /res/{name...}", func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Scope.Resource(r.PathValue("name"))
		if err != nil {
			writeScopeError(w, err)
			return
		}
		b, err := res.Bytes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Resource-Kind", string(res.Kind))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b)
	})

	mux.HandleFunc("GET /classes/{name}", func(w http.ResponseWriter, r *http.Request) {
		c, err := l.Scope.LoadClass(r.PathValue("name"))
		if err != nil {
			writeScopeError(w, err)
			return
		}
		w.Header().Set("X-Class-URL", c.URL)
		w.Header().Set("X-Reloadable", fmt.Sprint(l.Scope.IsReloadable(c)))
		w.Header().Set("Content-Type", "application/java-vm")
		_, _ = w.Write(c.Bytes)
	})

	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		mux.Handle("/", http.FileServer(http.Dir(abs)))
	}
	return mux
}

func writeScopeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusNotFound)
	case errors.Is(err, resolver.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
