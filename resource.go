package selaras

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceProvider supplies resource snapshots for controller samples.
type ResourceProvider interface {
	Snapshot() ResourceSnapshot
}

// ResourceMonitor samples process and host resource usage. Snapshots are
// cached for a refresh interval so calling it per sample stays cheap.
// Collection errors degrade to zero fields rather than failing the caller.
type ResourceMonitor struct {
	mu       sync.Mutex
	interval time.Duration
	last     ResourceSnapshot
	lastAt   time.Time
	proc     *process.Process
	now      func() time.Time
}

// NewResourceMonitor creates a monitor refreshing at most once per
// interval. A non-positive interval defaults to one second.
func NewResourceMonitor(interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	// A nil proc just leaves the FD fields zero.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &ResourceMonitor{
		interval: interval,
		proc:     proc,
		now:      time.Now,
	}
}

// Snapshot returns current resource usage, reusing the cached sample when
// it is younger than the refresh interval.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastAt.IsZero() && now.Sub(m.lastAt) < m.interval {
		return m.last
	}

	snap := ResourceSnapshot{Timestamp: now}

	// Interval 0 compares against the previous call instead of sleeping.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	if m.proc != nil {
		if fds, err := m.proc.NumFDs(); err == nil {
			snap.FDUsed = int(fds)
		}
		if limits, err := m.proc.RlimitUsage(false); err == nil {
			for _, l := range limits {
				if l.Resource == process.RLIMIT_NOFILE {
					snap.FDLimit = int(l.Soft)
					break
				}
			}
		}
	}

	m.last = snap
	m.lastAt = now
	return snap
}

// staticResources is a fixed-snapshot provider for tests and for callers
// that feed externally measured pressure.
type staticResources struct {
	snap ResourceSnapshot
}

// StaticResources returns a provider that always reports the given
// snapshot.
func StaticResources(snap ResourceSnapshot) ResourceProvider {
	return &staticResources{snap: snap}
}

func (s *staticResources) Snapshot() ResourceSnapshot {
	return s.snap
}

var _ ResourceProvider = (*ResourceMonitor)(nil)
