// Package devtools connects file watching to the restarter: it decides which
// changes need a restart, announces them and retries failed launches once the
// sources change again.
package devtools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/carlosprados/devloop/internal/filewatch"
)

// DefaultExcludes are paths that never need a restart: static resources,
// templates, tests and build metadata.
var DefaultExcludes = []string{
	"META-INF/maven/**",
	"META-INF/resources/**",
	"resources/**",
	"static/**",
	"public/**",
	"templates/**",
	"**/*Test.class",
	"**/*Tests.class",
	"git.properties",
	"META-INF/build-info.properties",
}

// RestartStrategy decides whether a changed file needs a full restart.
type RestartStrategy interface {
	IsRestartRequired(f filewatch.ChangedFile) bool
}

// PatternStrategy requires a restart for every file that matches none of
// its exclude patterns. Patterns are matched against the slash-separated path
// relative to the source directory; "**" spans directories.
type PatternStrategy struct {
	patterns []string
	excludes []glob.Glob
}

func NewPatternStrategy(patterns ...string) (*PatternStrategy, error) {
	s := &PatternStrategy{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.excludes = append(s.excludes, g)
		// a leading "**/" also matches at the top level
		if rest, ok := strings.CutPrefix(p, "**/"); ok {
			g, err := glob.Compile(rest, '/')
			if err != nil {
				return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
			}
			s.excludes = append(s.excludes, g)
		}
	}
	return s, nil
}

func (s *PatternStrategy) Patterns() []string { return append([]string(nil), s.patterns...) }

func (s *PatternStrategy) IsRestartRequired(f filewatch.ChangedFile) bool {
	name := f.RelativeName()
	for _, g := range s.excludes {
		if g.Match(name) {
			return false
		}
	}
	return true
}

// TriggerFileFilter matches files whose base name is name.
func TriggerFileFilter(name string) filewatch.TriggerFilter {
	return func(path string) bool { return filepath.Base(path) == name }
}
