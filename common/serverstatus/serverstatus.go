// Package serverstatus collects host statistics for the status surface.
package serverstatus

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// GetSystemInfo reports CPU, memory and disk usage percentages plus the
// host uptime in seconds.
func GetSystemInfo() (cpuPercent float64, memPercent float64, diskPercent float64, uptime uint64, err error) {
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("get cpu usage: %w", err)
	}
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("get memory usage: %w", err)
	}
	memPercent = vm.UsedPercent

	du, err := disk.Usage("/")
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("get disk usage: %w", err)
	}
	diskPercent = du.UsedPercent

	uptime, err = host.Uptime()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("get uptime: %w", err)
	}

	return cpuPercent, memPercent, diskPercent, uptime, nil
}
