// Package guard runs the violation evaluator: once per check interval it
// drains the active-user table, monitors users over their IP limit, and
// drives the panel client to disable confirmed multi-device users and
// re-enable expired ones.
package guard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/isp"
	"github.com/Mtoly/XrayIPGuard/common/punish"
	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/common/tracker"
	"github.com/Mtoly/XrayIPGuard/common/trust"
	"github.com/Mtoly/XrayIPGuard/config"
	"github.com/Mtoly/XrayIPGuard/panel"
)

// PanelAPI is the slice of the panel client the guard drives.
type PanelAPI interface {
	ListUsers(ctx context.Context) ([]string, error)
	GetUserDetails(ctx context.Context, username string) (*panel.UserDetails, error)
	UpdateUserStatus(ctx context.Context, username, status string) error
	UpdateUserGroups(ctx context.Context, username string, groupIDs []int) error
	CheckUserExists(ctx context.Context, username string) bool
}

// ISPLookup resolves provider evidence for trust scoring. Optional.
type ISPLookup interface {
	Lookup(ctx context.Context, ip string) (isp.Info, error)
}

// HistoryEntry is one decision the evaluator took, kept for the operator
// surface.
type HistoryEntry struct {
	Username        string  `json:"username"`
	Time            float64 `json:"time"`
	Action          string  `json:"action"`
	TrustScore      int     `json:"trust_score"`
	StepIndex       int     `json:"step_index"`
	DurationMinutes int     `json:"duration_minutes"`
}

const historyCap = 256

type Guard struct {
	cfg      *config.Config
	panel    PanelAPI
	table    *tracker.Table
	engine   *punish.Engine
	disabled *storage.DisabledStore
	groups   *storage.GroupBackupStore
	isp      ISPLookup

	mu       sync.Mutex
	warnings map[string]*Warning
	history  []HistoryEntry

	warningsPath string
	startAt      time.Time
	lastEval     time.Time
	now          func() time.Time
	logger       *log.Entry
}

type Options struct {
	Config   *config.Config
	Panel    PanelAPI
	Table    *tracker.Table
	Engine   *punish.Engine
	Disabled *storage.DisabledStore
	Groups   *storage.GroupBackupStore
	// ISP may be nil; trust evidence then carries unknown providers.
	ISP ISPLookup
	// WarningsPath is the warning snapshot file.
	WarningsPath string
}

func New(opts Options) *Guard {
	g := &Guard{
		cfg:          opts.Config,
		panel:        opts.Panel,
		table:        opts.Table,
		engine:       opts.Engine,
		disabled:     opts.Disabled,
		groups:       opts.Groups,
		isp:          opts.ISP,
		warnings:     make(map[string]*Warning),
		warningsPath: opts.WarningsPath,
		startAt:      time.Now(),
		now:          time.Now,
		logger:       log.WithField("component", "guard"),
	}
	g.loadWarnings()
	return g
}

// SetClock injects a time source. Only used by tests.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func (g *Guard) nowSec() float64 {
	return float64(g.now().UnixNano()) / float64(time.Second)
}

// Run drives the evaluator and the re-enable scan from one control loop.
// The evaluator always runs before the re-enable scan within a beat, so a
// disable decided this beat can never race its own re-enable.
func (g *Guard) Run(ctx context.Context) {
	const beat = 30 * time.Second
	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	g.logger.WithField("check_interval", g.cfg.Timing.CheckInterval).Info("guard started")
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guard stopped")
			return
		case <-ticker.C:
			interval := time.Duration(g.cfg.Timing.CheckInterval) * time.Second
			if g.now().Sub(g.lastEval) >= interval {
				g.lastEval = g.now()
				g.Tick(ctx)
			}
			g.reenableDue(ctx)
		}
	}
}

// Tick runs one evaluator cycle.
func (g *Guard) Tick(ctx context.Context) {
	users := g.table.SnapshotAndClear()
	except := g.cfg.ExceptSet()
	now := g.nowSec()

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, whitelisted := except[name]; whitelisted {
			continue
		}
		if g.disabled.Contains(name) {
			continue
		}
		u := users[name]
		ips := u.UniqueIPs()
		limit := g.cfg.LimitFor(name)
		if len(ips) <= limit {
			continue
		}
		g.handleViolation(ctx, u, ips, limit, now)
	}

	g.sweepWarnings(ctx, now)
	g.snapshotWarnings()
}

// handleViolation starts or refreshes the monitoring window for a user
// seen over its limit this cycle.
func (g *Guard) handleViolation(ctx context.Context, u *tracker.User, ips []string, limit int, now float64) {
	ipToInbounds := u.IPToInbounds()
	ispNames, subnets, ispByIP, subnetByIP := g.providerEvidence(ctx, ips)

	g.mu.Lock()
	w, active := g.warnings[u.Username]
	if active {
		w.observeIPs(ips, now)
		w.mergeInbounds(ipToInbounds)
		w.ISPNames = w.mergeStrings(w.ISPNames, ispNames)
		w.IPSubnets = w.mergeStrings(w.IPSubnets, subnets)
		w.ConnectionDetails = u.Devices.Connections
	} else {
		w = newWarning(u.Username, ips, now)
		w.mergeInbounds(ipToInbounds)
		w.ISPNames = ispNames
		w.IPSubnets = subnets
		w.ConnectionDetails = u.Devices.Connections
		w.PreviousDisables12h = g.engine.CountDisablesSince(u.Username, 12*time.Hour)
		w.PreviousDisables24h = g.engine.CountDisablesSince(u.Username, 24*time.Hour)
		g.warnings[u.Username] = w
	}

	score, reasons := trust.Score(trust.Evidence{
		IPs:              w.IPs,
		IPToInbounds:     w.IPToInbounds,
		ISPByIP:          ispByIP,
		SubnetByIP:       subnetByIP,
		PriorDisables12h: w.PreviousDisables12h,
		PriorDisables24h: w.PreviousDisables24h,
	})
	w.TrustScore = score
	g.mu.Unlock()

	entry := g.logger.WithFields(log.Fields{
		"user":  u.Username,
		"ips":   len(w.IPs),
		"limit": limit,
		"trust": score,
		"level": trust.Level(score),
	})
	if !active {
		entry.WithField("reasons", reasons).Warn("user over IP limit, monitoring started")
	} else {
		entry.Debug("monitoring window updated")
	}

	if score <= g.cfg.Punishment.InstantDisableScore {
		g.instantDisable(ctx, w)
	}
}

// providerEvidence resolves ISP and subnet facts for the given IPs. The
// lookups run before any guard lock is taken; they are network I/O.
func (g *Guard) providerEvidence(ctx context.Context, ips []string) (names, subnets []string, ispByIP, subnetByIP map[string]string) {
	ispByIP = make(map[string]string, len(ips))
	subnetByIP = make(map[string]string, len(ips))
	nameSet := make(map[string]struct{})
	subnetSet := make(map[string]struct{})

	for _, ip := range ips {
		subnet := isp.SubnetOf(ip)
		name := "Unknown"
		if g.isp != nil {
			info, err := g.isp.Lookup(ctx, ip)
			if err == nil {
				name = info.ISP
				subnet = info.Subnet
			}
		}
		ispByIP[ip] = name
		subnetByIP[ip] = subnet
		if name != "" && name != "Unknown" {
			if _, ok := nameSet[name]; !ok {
				nameSet[name] = struct{}{}
				names = append(names, name)
			}
		}
		if _, ok := subnetSet[subnet]; !ok {
			subnetSet[subnet] = struct{}{}
			subnets = append(subnets, subnet)
		}
	}
	return names, subnets, ispByIP, subnetByIP
}

// sweepWarnings decides every expired monitoring window: count the
// persistent devices and either escalate or clear without penalty.
func (g *Guard) sweepWarnings(ctx context.Context, now float64) {
	g.mu.Lock()
	var expired []*Warning
	for _, w := range g.warnings {
		if w.expired(now) {
			expired = append(expired, w)
		}
	}
	g.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].Username < expired[j].Username })

	for _, w := range expired {
		devices := w.persistentDevices(now)
		limit := g.cfg.LimitFor(w.Username)
		entry := g.logger.WithFields(log.Fields{
			"user":    w.Username,
			"devices": len(devices),
			"limit":   limit,
		})

		if len(devices) <= limit {
			entry.Info("monitoring ended, devices within limit")
			g.dropWarning(w.Username)
			g.recordHistory(HistoryEntry{
				Username: w.Username, Time: now, Action: "cleared", TrustScore: w.TrustScore,
			})
			continue
		}
		g.applyNextStep(ctx, w, devices)
	}
}

func (g *Guard) dropWarning(username string) {
	g.mu.Lock()
	delete(g.warnings, username)
	g.mu.Unlock()
}

func (g *Guard) recordHistory(e HistoryEntry) {
	g.mu.Lock()
	g.history = append(g.history, e)
	if len(g.history) > historyCap {
		g.history = g.history[len(g.history)-historyCap:]
	}
	g.mu.Unlock()
}

// History returns a copy of the recent decisions, newest last.
func (g *Guard) History() []HistoryEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]HistoryEntry, len(g.history))
	copy(out, g.history)
	return out
}

// ActiveWarnings returns a copy of the current warning map.
func (g *Guard) ActiveWarnings() map[string]*Warning {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*Warning, len(g.warnings))
	for u, w := range g.warnings {
		out[u] = w
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, panel.ErrNotFound)
}
