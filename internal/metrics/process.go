package metrics

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var procRSS = prometheus.NewGauge(
	prometheus.GaugeOpts{Namespace: "devloop", Subsystem: "process", Name: "memory_rss_bytes", Help: "Resident memory sampled after the last stop phase"},
)

func init() {
	prometheus.MustRegister(procRSS)
}

// SampleProcessMemory records the resident set size of the current process
// and returns it. It returns 0 when the platform does not expose it.
func SampleProcessMemory(ctx context.Context) uint64 {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil {
		return 0
	}
	procRSS.Set(float64(mi.RSS))
	return mi.RSS
}
