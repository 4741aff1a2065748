package restart

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvRestartURLs    = "DEVLOOP_RESTART_URLS"
	EnvRestartEnabled = "DEVLOOP_RESTART_ENABLED"
)

// Initializer supplies the static URLs of the first launch. A nil result
// disables restart support.
type Initializer interface {
	InitialURLs() []string
}

// StaticInitializer always returns the same URLs.
type StaticInitializer []string

// InitialURLs never returns nil, so an empty set keeps restart enabled.
func (s StaticInitializer) InitialURLs() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

type noInitializer struct{}

func (noInitializer) InitialURLs() []string { return nil }

// NoInitializer disables restart support.
var NoInitializer Initializer = noInitializer{}

// EnvInitializer reads a path list from DEVLOOP_RESTART_URLS. Setting
// DEVLOOP_RESTART_ENABLED=false disables restart support.
type EnvInitializer struct{}

func (EnvInitializer) InitialURLs() []string {
	if v := strings.TrimSpace(os.Getenv(EnvRestartEnabled)); strings.EqualFold(v, "false") || v == "0" {
		return nil
	}
	urls := []string{}
	for _, p := range filepath.SplitList(os.Getenv(EnvRestartURLs)) {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}
