//go:build linux

// Package runtime adjusts process limits for large watch sets.
package runtime

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const rlimInfinity = ^uint64(0)

// ApplyRlimits raises the soft NOFILE limit to noFile, capped at the hard
// limit. Zero leaves the limit alone.
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("getrlimit NOFILE: %w", err)
	}
	want := noFile
	if cur.Max != rlimInfinity && want > cur.Max {
		log.Warn().Uint64("requested", noFile).Uint64("hard", cur.Max).Msg("open files capped at hard limit")
		want = cur.Max
	}
	if want == cur.Cur {
		return nil
	}
	lim := &unix.Rlimit{Cur: want, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	log.Debug().Uint64("open_files", want).Msg("rlimit applied")
	return nil
}

// OpenFilesLimit returns the current soft NOFILE limit.
func OpenFilesLimit() (uint64, error) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return 0, err
	}
	return cur.Cur, nil
}
