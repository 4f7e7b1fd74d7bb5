package runtime

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

const defaultTelemetryInterval = 30 * time.Second

// Stats is the engine-level counters reported alongside process metrics.
type Stats struct {
	Conversations int
	Messages      int
	Pending       int
	Status        string
}

// TelemetryWorker periodically logs process resource usage and engine
// counters. It is a worker under the supervisor like everything else.
type TelemetryWorker struct {
	log      *slog.Logger
	interval time.Duration
	stats    func() Stats
}

func NewTelemetryWorker(log *slog.Logger, interval time.Duration, stats func() Stats) *TelemetryWorker {
	if interval == 0 {
		interval = defaultTelemetryInterval
	}
	return &TelemetryWorker{log: log, interval: interval, stats: stats}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.report(proc)
		}
	}
}

func (w *TelemetryWorker) report(proc *process.Process) {
	st := w.stats()
	attrs := []any{
		"status", st.Status,
		"conversations", st.Conversations,
		"messages", st.Messages,
		"pending", st.Pending,
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		attrs = append(attrs, "rss_mb", mem.RSS/1024/1024)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		attrs = append(attrs, "cpu_pct", cpu)
	}
	w.log.Info("Engine telemetry", attrs...)
}
