package agent

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gamedock/gamedock/pkg/protocol"
)

// Version is stamped into metrics snapshots; overridden at build time.
var Version = "dev"

// Sampler periodically reads host telemetry from /proc and the data
// directory's filesystem, and pushes snapshots to subscribers.
type Sampler struct {
	procRoot string
	diskPath string

	mu       sync.Mutex
	prevIdle uint64
	prevBusy uint64
}

// NewSampler reads from /proc and reports disk usage for diskPath.
func NewSampler(diskPath string) *Sampler {
	return &Sampler{procRoot: "/proc", diskPath: diskPath}
}

// Snapshot reads one telemetry sample. CPU usage is computed against the
// previous call, so the first snapshot reports zero CPU.
func (s *Sampler) Snapshot(serverRunning bool) protocol.MetricsSnapshot {
	snap := protocol.MetricsSnapshot{
		ServerRunning: serverRunning,
		AgentVersion:  Version,
		SampledAt:     time.Now(),
	}

	if data, err := os.ReadFile(s.procRoot + "/stat"); err == nil {
		idle, busy, ok := parseCPUStat(string(data))
		if ok {
			s.mu.Lock()
			dIdle := idle - s.prevIdle
			dBusy := busy - s.prevBusy
			if s.prevIdle > 0 && dIdle+dBusy > 0 {
				snap.CPUPercent = 100 * float64(dBusy) / float64(dBusy+dIdle)
			}
			s.prevIdle = idle
			s.prevBusy = busy
			s.mu.Unlock()
		}
	}

	if data, err := os.ReadFile(s.procRoot + "/meminfo"); err == nil {
		total, available := parseMeminfo(string(data))
		snap.MemoryTotal = total
		if total >= available {
			snap.MemoryUsed = total - available
		}
	}

	if data, err := os.ReadFile(s.procRoot + "/loadavg"); err == nil {
		snap.Load1 = parseLoadavg(string(data))
	}

	if data, err := os.ReadFile(s.procRoot + "/uptime"); err == nil {
		snap.UptimeSeconds = parseUptime(string(data))
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(s.diskPath, &fs); err == nil {
		snap.DiskTotal = fs.Blocks * uint64(fs.Bsize)
		snap.DiskUsed = (fs.Blocks - fs.Bavail) * uint64(fs.Bsize)
	}

	return snap
}

// Run samples on the given interval until the context ends.
func (s *Sampler) Run(ctx context.Context, interval time.Duration, serverRunning func() bool, publish func(protocol.MetricsSnapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime the CPU counters so the first published sample is meaningful.
	s.Snapshot(serverRunning())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish(s.Snapshot(serverRunning()))
		}
	}
}

// parseCPUStat extracts the aggregate idle and busy jiffies from the first
// "cpu" line of /proc/stat.
func parseCPUStat(data string) (idle, busy uint64, ok bool) {
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		// user nice system idle iowait irq softirq steal ...
		var values []uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			values = append(values, v)
		}
		for i, v := range values {
			if i == 3 || i == 4 { // idle + iowait
				idle += v
			} else {
				busy += v
			}
		}
		return idle, busy, true
	}
	return 0, 0, false
}

// parseMeminfo returns MemTotal and MemAvailable in bytes.
func parseMeminfo(data string) (total, available uint64) {
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemAvailable:":
			available = v * 1024
		}
	}
	return total, available
}

// parseLoadavg returns the one-minute load average.
func parseLoadavg(data string) float64 {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}

// parseUptime returns whole seconds of host uptime.
func parseUptime(data string) int64 {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(v)
}
