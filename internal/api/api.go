// Package api serves the local control API of a devloop host.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/appctx"
	"github.com/carlosprados/devloop/internal/overrides"
	"github.com/carlosprados/devloop/internal/remote"
	"github.com/carlosprados/devloop/internal/restart"
	"github.com/carlosprados/devloop/internal/state"
	"github.com/carlosprados/devloop/internal/store"
)

// Restarter is the part of the restarter the API drives.
type Restarter interface {
	Enabled() bool
	IsFinished() bool
	MainName() string
	URLs() []string
	OverrideFiles() *overrides.Table
	Restart(h restart.FailureHandler)
	RestartAndWait(h restart.FailureHandler) (restart.CycleReport, bool)
}

type Options struct {
	Restarter Restarter
	History   *store.History
	// Components lists the components of the running application.
	Components func() []appctx.ComponentInfo
	// Remote, when set, is mounted at RemotePath, remote.DefaultPath when
	// empty.
	Remote     http.Handler
	RemotePath string
	// FailureHandler builds the handler for API-triggered restarts; nil
	// means restart.NoFailureHandler.
	FailureHandler func() restart.FailureHandler
}

type Server struct {
	opts  Options
	start time.Time
}

func New(opts Options) *Server {
	return &Server{opts: opts, start: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) failureHandler() restart.FailureHandler {
	if s.opts.FailureHandler != nil {
		return s.opts.FailureHandler()
	}
	return restart.NoFailureHandler
}

// Router returns the HTTP handler for the local API.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(s.start).String(),
			"enabled":  s.opts.Restarter.Enabled(),
			"finished": s.opts.Restarter.IsFinished(),
			"main":     s.opts.Restarter.MainName(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	// POST /v1/restart[?wait=true]
	mux.HandleFunc("/v1/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.opts.Restarter.Enabled() {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "restart disabled"})
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("restart requested over API")
		if r.URL.Query().Get("wait") != "true" {
			s.opts.Restarter.Restart(s.failureHandler())
			w.WriteHeader(http.StatusAccepted)
			return
		}
		rep, ok := s.opts.Restarter.RestartAndWait(s.failureHandler())
		if !ok {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "restart skipped"})
			return
		}
		if s.opts.History != nil {
			if rec, found := s.opts.History.Get(rep.ID); found {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		rec := state.RestartRecord{ID: rep.ID, Outcome: rep.Outcome(), Started: rep.Started, Completed: rep.Finished}
		if rep.Err != nil {
			rec.Error = rep.Err.Error()
		}
		writeJSON(w, http.StatusOK, rec)
	})

	// GET /v1/restarts and /v1/restarts/{id}
	restarts := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.opts.History == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/restarts"), "/")
		if id == "" {
			writeJSON(w, http.StatusOK, s.opts.History.List())
			return
		}
		rec, ok := s.opts.History.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
	mux.HandleFunc("/v1/restarts", restarts)
	mux.HandleFunc("/v1/restarts/", restarts)

	mux.HandleFunc("/v1/overrides", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		t := s.opts.Restarter.OverrideFiles()
		entries := t.Entries()
		if entries == nil {
			entries = []overrides.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"size":    t.Size(),
			"urls":    s.opts.Restarter.URLs(),
			"entries": entries,
		})
	})

	mux.HandleFunc("/v1/components", func(w http.ResponseWriter, r *http.Request) {
		list := []appctx.ComponentInfo{}
		if s.opts.Components != nil {
			list = append(list, s.opts.Components()...)
		}
		writeJSON(w, http.StatusOK, list)
	})

	if s.opts.Remote != nil {
		path := s.opts.RemotePath
		if path == "" {
			path = remote.DefaultPath
		}
		mux.Handle(path, s.opts.Remote)
	}

	// Root handler with tiny landing
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("devloop is running. See /healthz, /metrics and /v1/restarts\n"))
	})

	return mux
}
