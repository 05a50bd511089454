package guard

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/serverstatus"
)

// Status is the operator-facing snapshot of the guard.
type Status struct {
	Uptime          time.Duration
	ActiveUsers     int
	ActiveWarnings  int
	DisabledUsers   int
	GroupBackups    int
	CPUPercent      float64
	MemPercent      float64
	DiskPercent     float64
	HostUptimeHours float64
}

// Status collects counters from the aggregates plus host statistics.
func (g *Guard) Status() Status {
	s := Status{
		Uptime:        time.Since(g.startAt),
		ActiveUsers:   g.table.Len(),
		DisabledUsers: g.disabled.Len(),
		GroupBackups:  g.groups.Len(),
	}

	g.mu.Lock()
	s.ActiveWarnings = len(g.warnings)
	g.mu.Unlock()

	cpuP, memP, diskP, uptime, err := serverstatus.GetSystemInfo()
	if err != nil {
		log.WithError(err).Debug("host statistics unavailable")
	} else {
		s.CPUPercent = cpuP
		s.MemPercent = memP
		s.DiskPercent = diskP
		s.HostUptimeHours = float64(uptime) / 3600
	}
	return s
}
