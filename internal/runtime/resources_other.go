//go:build !linux

package runtime

// ApplyRlimits is a no-op outside Linux.
func ApplyRlimits(noFile uint64) error { return nil }

func OpenFilesLimit() (uint64, error) { return 0, nil }
