package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthCheck probes one monitored symptom. A nil error means healthy; the
// error describes the symptom otherwise.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// BrowserCheck polls the kiosk backend's health endpoint and judges the
// display heartbeat. An unreachable endpoint is itself a critical signal:
// the backend hanging is exactly the failure this system recovers from.
type BrowserCheck struct {
	URL    string
	MaxAge time.Duration
	Client *http.Client

	now func() time.Time
}

// NewBrowserCheck builds a heartbeat check with the given probe staleness
// bound and request timeout.
func NewBrowserCheck(url string, maxAge, timeout time.Duration) *BrowserCheck {
	return &BrowserCheck{
		URL:    url,
		MaxAge: maxAge,
		Client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (c *BrowserCheck) Name() string { return "browser" }

// Check fetches /api/health and validates the display probe timestamp.
func (c *BrowserCheck) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("health endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}

	var body struct {
		DisplayProbe string `json:"display_probe"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("parse health response: %w", err)
	}
	if body.DisplayProbe == "" {
		return fmt.Errorf("health response missing display_probe")
	}

	probe, err := time.Parse(time.RFC3339, body.DisplayProbe)
	if err != nil {
		return fmt.Errorf("unparsable display_probe %q: %w", body.DisplayProbe, err)
	}
	if age := c.now().Sub(probe); age > c.MaxAge {
		return fmt.Errorf("display heartbeat stale: %s old (max %s)", age.Round(time.Second), c.MaxAge)
	}
	return nil
}

// SystemCheck judges local resource health from gopsutil: memory, root
// filesystem, CPU and load per core against configured ceilings.
type SystemCheck struct {
	MemCriticalPct  float64
	DiskCriticalPct float64
	CPUCriticalPct  float64
	LoadPerCPU      float64

	// probes are swapped out in tests.
	memUsedPct  func() (float64, error)
	diskUsedPct func() (float64, error)
	cpuUsedPct  func() (float64, error)
	load1       func() (float64, error)
}

// NewSystemCheck builds a resource check with the given thresholds.
func NewSystemCheck(memPct, diskPct, cpuPct, loadPerCPU float64) *SystemCheck {
	return &SystemCheck{
		MemCriticalPct:  memPct,
		DiskCriticalPct: diskPct,
		CPUCriticalPct:  cpuPct,
		LoadPerCPU:      loadPerCPU,
		memUsedPct: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		diskUsedPct: func() (float64, error) {
			du, err := disk.Usage("/")
			if err != nil {
				return 0, err
			}
			return du.UsedPercent, nil
		},
		cpuUsedPct: func() (float64, error) {
			// Interval 0 measures utilization since the previous call, which
			// on the fixed check tick is exactly the window we want.
			pcts, err := cpu.Percent(0, false)
			if err != nil {
				return 0, err
			}
			if len(pcts) == 0 {
				return 0, fmt.Errorf("no cpu sample")
			}
			return pcts[0], nil
		},
		load1: func() (float64, error) {
			avg, err := load.Avg()
			if err != nil {
				return 0, err
			}
			return avg.Load1, nil
		},
	}
}

func (c *SystemCheck) Name() string { return "system" }

// Check returns an error describing the first resource past its ceiling.
// Probe failures are reported as symptoms too: a box that cannot answer
// /proc reads is not a healthy box.
func (c *SystemCheck) Check(ctx context.Context) error {
	if used, err := c.memUsedPct(); err != nil {
		return fmt.Errorf("memory probe failed: %w", err)
	} else if used >= c.MemCriticalPct {
		return fmt.Errorf("memory usage critical: %.1f%% (max %.1f%%)", used, c.MemCriticalPct)
	}

	if used, err := c.diskUsedPct(); err != nil {
		return fmt.Errorf("disk probe failed: %w", err)
	} else if used >= c.DiskCriticalPct {
		return fmt.Errorf("disk usage critical: %.1f%% (max %.1f%%)", used, c.DiskCriticalPct)
	}

	if used, err := c.cpuUsedPct(); err != nil {
		return fmt.Errorf("cpu probe failed: %w", err)
	} else if used >= c.CPUCriticalPct {
		return fmt.Errorf("cpu usage critical: %.1f%% (max %.1f%%)", used, c.CPUCriticalPct)
	}

	if l1, err := c.load1(); err != nil {
		return fmt.Errorf("load probe failed: %w", err)
	} else if perCPU := l1 / float64(runtime.NumCPU()); perCPU >= c.LoadPerCPU {
		return fmt.Errorf("load critical: %.2f per core (max %.2f)", perCPU, c.LoadPerCPU)
	}

	return nil
}
