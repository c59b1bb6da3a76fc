package shipper

import (
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemContext is the device snapshot attached to every shipped event so
// the remote side sees the system state at send time, not at event time.
type SystemContext struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemUsedPct    float64 `json:"mem_used_pct"`
	MemAvailMB    uint64  `json:"mem_available_mb"`
	DiskUsedPct   float64 `json:"disk_used_pct"`
	DiskFreeMB    uint64  `json:"disk_free_mb"`
	CollectedAt   string  `json:"collected_at"`
}

// collectSystemContext gathers the snapshot. Collected fresh per send,
// never cached. Individual probe failures leave their fields zero rather
// than failing the ship; a partial context still beats none.
func collectSystemContext(now time.Time) SystemContext {
	sc := SystemContext{CollectedAt: now.UTC().Format(time.RFC3339)}

	if info, err := host.Info(); err == nil {
		sc.Hostname = info.Hostname
		sc.UptimeSeconds = info.Uptime
	}
	if avg, err := load.Avg(); err == nil {
		sc.Load1 = round2(avg.Load1)
		sc.Load5 = round2(avg.Load5)
		sc.Load15 = round2(avg.Load15)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.MemUsedPct = round2(vm.UsedPercent)
		sc.MemAvailMB = vm.Available / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		sc.DiskUsedPct = round2(du.UsedPercent)
		sc.DiskFreeMB = du.Free / 1024 / 1024
	}
	return sc
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
