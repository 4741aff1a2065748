package remote

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/overrides"
	"github.com/carlosprados/devloop/internal/restart"
)

const (
	// DefaultPath is where the control API mounts the handler.
	DefaultPath = "/.~~devloop~/restart"
	// MaxUploadBytes bounds the size of one uploaded table.
	MaxUploadBytes = 64 << 20
)

// Target is the restarter the handler applies uploads to.
type Target interface {
	AddOverrideFiles(t *overrides.Table)
	Restart(h restart.FailureHandler)
}

// Handler accepts override tables and restarts the target with them.
type Handler struct {
	target Target
	access *AccessChecker
}

func NewHandler(target Target, secret string) (*Handler, error) {
	access, err := NewAccessChecker(secret)
	if err != nil {
		return nil, err
	}
	return &Handler{target: target, access: access}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.access.IsAllowed(r) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("rejected upload with invalid secret")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxUploadBytes+1))
	if err != nil || len(body) > MaxUploadBytes {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t := overrides.NewTable()
	if err := json.Unmarshal(body, t); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	log.Info().Int("files", t.Size()).Strs("dirs", t.SourceDirectories()).Msg("received class resources")
	h.target.AddOverrideFiles(t)
	h.target.Restart(restart.NoFailureHandler)
	w.WriteHeader(http.StatusOK)
}
