package guard

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/common/tracker"
)

// monitoringWindowSeconds is how long a user stays under observation
// after the first violation before a disable decision is made.
const monitoringWindowSeconds = 180

// Persistence thresholds for counting an IP as a real device at the end
// of the monitoring window.
const (
	persistMinDurationSeconds = 120
	persistMinSeenCount       = 2
	persistRecencySeconds     = 120
)

// Warning is the monitoring record for one user. warning_time and
// monitoring_end_time are immutable after creation; everything else is
// refreshed while the window runs.
type Warning struct {
	Username          string   `json:"username"`
	IPCount           int      `json:"ip_count"`
	IPs               []string `json:"ips"`
	WarningTime       float64  `json:"warning_time"`
	MonitoringEndTime float64  `json:"monitoring_end_time"`

	IPFirstSeen map[string]float64 `json:"ip_first_seen"`
	IPLastSeen  map[string]float64 `json:"ip_last_seen"`
	IPSeenCount map[string]int     `json:"ip_seen_count"`

	TrustScore          int                 `json:"trust_score"`
	InboundProtocols    []string            `json:"inbound_protocols"`
	ISPNames            []string            `json:"isp_names"`
	IPSubnets           []string            `json:"ip_subnets"`
	IPToInbounds        map[string][]string `json:"ip_to_inbounds"`
	PreviousDisables12h int                 `json:"previous_disables_12h"`
	PreviousDisables24h int                 `json:"previous_disables_24h"`

	ConnectionDetails []*tracker.Connection `json:"connection_details"`
}

func newWarning(username string, ips []string, now float64) *Warning {
	w := &Warning{
		Username:          username,
		WarningTime:       now,
		MonitoringEndTime: now + monitoringWindowSeconds,
		IPFirstSeen:       make(map[string]float64),
		IPLastSeen:        make(map[string]float64),
		IPSeenCount:       make(map[string]int),
		IPToInbounds:      make(map[string][]string),
	}
	w.observeIPs(ips, now)
	return w
}

// observeIPs folds this cycle's IPs into the per-IP activity bookkeeping.
func (w *Warning) observeIPs(ips []string, now float64) {
	for _, ip := range ips {
		if _, ok := w.IPFirstSeen[ip]; !ok {
			w.IPFirstSeen[ip] = now
			w.IPs = append(w.IPs, ip)
		}
		w.IPLastSeen[ip] = now
		w.IPSeenCount[ip]++
	}
	w.IPCount = len(w.IPs)
}

// mergeInbounds unions the observed per-IP inbound sets.
func (w *Warning) mergeInbounds(ipToInbounds map[string][]string) {
	for ip, inbounds := range ipToInbounds {
		for _, ib := range inbounds {
			found := false
			for _, have := range w.IPToInbounds[ip] {
				if have == ib {
					found = true
					break
				}
			}
			if !found {
				w.IPToInbounds[ip] = append(w.IPToInbounds[ip], ib)
			}
		}
	}

	set := make(map[string]struct{})
	for _, inbounds := range w.IPToInbounds {
		for _, ib := range inbounds {
			set[ib] = struct{}{}
		}
	}
	w.InboundProtocols = sortedKeys(set)
}

func (w *Warning) mergeStrings(into []string, add []string) []string {
	set := make(map[string]struct{}, len(into))
	for _, s := range into {
		set[s] = struct{}{}
	}
	for _, s := range add {
		if _, ok := set[s]; !ok {
			set[s] = struct{}{}
			into = append(into, s)
		}
	}
	return into
}

// persistentDevices returns the IPs that confirmed themselves as real
// devices: active long enough or seen repeatedly, and still recent.
func (w *Warning) persistentDevices(now float64) []string {
	var devices []string
	for _, ip := range w.IPs {
		first, last := w.IPFirstSeen[ip], w.IPLastSeen[ip]
		confirmed := last-first >= persistMinDurationSeconds || w.IPSeenCount[ip] >= persistMinSeenCount
		recent := now-last <= persistRecencySeconds
		if confirmed && recent {
			devices = append(devices, ip)
		}
	}
	return devices
}

func (w *Warning) expired(now float64) bool {
	return now >= w.MonitoringEndTime
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// snapshotWarnings flushes the warning map to disk so a restart resumes
// in-flight monitoring windows.
func (g *Guard) snapshotWarnings() {
	g.mu.Lock()
	snapshot := make(map[string]*Warning, len(g.warnings))
	for u, w := range g.warnings {
		snapshot[u] = w
	}
	g.mu.Unlock()

	if err := storage.WriteJSONAtomic(g.warningsPath, snapshot); err != nil {
		log.WithError(err).Error("warning snapshot failed")
	}
}

func (g *Guard) loadWarnings() {
	var snapshot map[string]*Warning
	ok, err := storage.ReadJSON(g.warningsPath, &snapshot)
	if err != nil {
		g.logger.WithError(err).Warn("warning snapshot unreadable, starting empty")
		return
	}
	if !ok || len(snapshot) == 0 {
		return
	}
	g.mu.Lock()
	g.warnings = snapshot
	g.mu.Unlock()
	g.logger.WithField("count", len(snapshot)).Info("resumed monitoring windows from snapshot")
}
