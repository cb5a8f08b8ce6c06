// Package hostprobe samples resource usage of the controller host while
// workloads run, so controller-side saturation is visible next to results.
package hostprobe

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/otel"
)

// Sample is one observation of the controller host.
type Sample struct {
	Timestamp    time.Time
	CPUPercent   float64
	MemTotal     uint64
	MemUsed      uint64
	MemAvailable uint64
	MemPercent   float64
	SwapUsed     uint64
	LoadAvg1     float64
	LoadAvg5     float64
	LoadAvg15    float64
	NetBytesSent uint64
	NetBytesRecv uint64
	Process      *ProcessSample
}

// ProcessSample is resource usage of the controller process itself.
type ProcessSample struct {
	PID        int
	CPUPercent float64
	MemRSS     uint64
	NumThreads int
	NumFDs     int
}

// SampleFunc collects one Sample.
type SampleFunc func() Sample

// Collect samples host and own-process metrics with gopsutil. Metrics a
// platform does not provide are left zero.
func Collect() Sample {
	sample := Sample{Timestamp: time.Now()}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		sample.MemTotal = memInfo.Total
		sample.MemUsed = memInfo.Used
		sample.MemAvailable = memInfo.Available
		sample.MemPercent = memInfo.UsedPercent
	}
	if swapInfo, err := mem.SwapMemory(); err == nil && swapInfo != nil {
		sample.SwapUsed = swapInfo.Used
	}
	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		sample.LoadAvg1 = loadAvg.Load1
		sample.LoadAvg5 = loadAvg.Load5
		sample.LoadAvg15 = loadAvg.Load15
	}
	if counters, err := psnet.IOCounters(false); err == nil && len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	}

	pid := os.Getpid()
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		ps := &ProcessSample{PID: pid}
		ps.CPUPercent, _ = proc.CPUPercent()
		if n, err := proc.NumThreads(); err == nil {
			ps.NumThreads = int(n)
		}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			ps.MemRSS = memInfo.RSS
		}
		if n, err := proc.NumFDs(); err == nil {
			ps.NumFDs = int(n)
		}
		sample.Process = ps
	}
	return sample
}

// Probe samples on an interval and reports each sample as a log record
// labelled kind=host_probe and as metric gauges.
type Probe struct {
	interval time.Duration
	sample   SampleFunc
	logger   *slog.Logger
	metrics  *otel.Metrics

	mu   sync.Mutex
	last Sample
	n    int
}

// New creates a Probe. A nil sample func uses Collect.
func New(interval time.Duration, sample SampleFunc, logger *slog.Logger, metrics *otel.Metrics) *Probe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if sample == nil {
		sample = Collect
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		interval: interval,
		sample:   sample,
		logger:   logger.With("component", "hostprobe"),
		metrics:  metrics,
	}
}

// Run samples until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.observe(ctx)
		}
	}
}

// Last returns the most recent sample and how many were taken.
func (p *Probe) Last() (Sample, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.n
}

func (p *Probe) observe(ctx context.Context) {
	s := p.sample()

	p.mu.Lock()
	p.last = s
	p.n++
	p.mu.Unlock()

	p.metrics.SetHostUsage(s.CPUPercent, s.MemPercent)

	attrs := []any{
		slog.Group(logsink.LabelsKey, slog.String("kind", "host_probe")),
		"cpu_percent", s.CPUPercent,
		"mem_used", s.MemUsed,
		"mem_available", s.MemAvailable,
		"mem_percent", s.MemPercent,
		"swap_used", s.SwapUsed,
		"load1", s.LoadAvg1,
		"load5", s.LoadAvg5,
		"load15", s.LoadAvg15,
		"net_bytes_sent", s.NetBytesSent,
		"net_bytes_recv", s.NetBytesRecv,
	}
	if s.Process != nil {
		attrs = append(attrs, slog.Group("process",
			slog.Int("pid", s.Process.PID),
			slog.Float64("cpu_percent", s.Process.CPUPercent),
			slog.Uint64("mem_rss", s.Process.MemRSS),
			slog.Int("threads", s.Process.NumThreads),
			slog.Int("fds", s.Process.NumFDs),
		))
	}
	p.logger.InfoContext(ctx, "host_probe", attrs...)
}
