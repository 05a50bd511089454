// Package punish keeps the windowed violation history and decides the
// next escalation step for a user.
package punish

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/config"
)

// Record is one executed violation. Field names follow the on-disk shape.
type Record struct {
	Username    string  `json:"username"`
	Timestamp   float64 `json:"timestamp"`
	StepApplied int     `json:"step_applied"`
	// DisableDuration is in minutes; 0 means unlimited for disable steps.
	DisableDuration int      `json:"disable_duration"`
	EnabledAt       *float64 `json:"enabled_at,omitempty"`
}

type violationsFile struct {
	Violations map[string][]Record `json:"violations"`
}

type Engine struct {
	mu         sync.Mutex
	violations map[string][]Record

	windowHours int
	steps       []config.Step
	enabled     bool

	path string
	now  func() float64
}

func New(cfg config.PunishmentConfig, path string) *Engine {
	e := &Engine{
		violations:  make(map[string][]Record),
		windowHours: cfg.WindowHours,
		steps:       cfg.Steps,
		enabled:     cfg.IsEnabled(),
		path:        path,
		now:         func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
	var file violationsFile
	ok, err := storage.ReadJSON(path, &file)
	if err != nil {
		log.WithError(err).Warn("violation history unreadable, starting empty")
		return e
	}
	if ok && file.Violations != nil {
		e.violations = file.Violations
	}
	return e
}

// SetClock injects a wall-clock source. Only used by tests.
func (e *Engine) SetClock(now func() float64) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

func (e *Engine) windowSeconds() float64 {
	return float64(e.windowHours) * 3600
}

func (e *Engine) trimLocked(username string) {
	cutoff := e.now() - e.windowSeconds()
	records := e.violations[username]
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp > cutoff {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(e.violations, username)
		return
	}
	e.violations[username] = kept
}

func (e *Engine) saveLocked() {
	if err := storage.WriteJSONAtomic(e.path, violationsFile{Violations: e.violations}); err != nil {
		log.WithError(err).Error("violation history snapshot failed")
	}
}

// CountInWindow reports the violations inside the sliding window.
func (e *Engine) CountInWindow(username string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(username)
	return len(e.violations[username])
}

// CountDisablesSince counts executed disables within the last `within`
// duration. Warning-step records do not count as disables.
func (e *Engine) CountDisablesSince(username string, within time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now() - within.Seconds()
	count := 0
	for _, r := range e.violations[username] {
		if r.Timestamp <= cutoff {
			continue
		}
		if e.stepKindLocked(r.StepApplied) == config.StepWarning {
			continue
		}
		count++
	}
	return count
}

func (e *Engine) stepKindLocked(index int) string {
	if index >= 0 && index < len(e.steps) {
		return e.steps[index].Type
	}
	return config.StepDisable
}

// NextStep returns the step to apply for the user's next confirmed
// violation. The index is capped at the last configured rung. With
// escalation disabled every violation maps to a single unlimited disable.
func (e *Engine) NextStep(username string) (int, config.Step) {
	if !e.enabled {
		return 0, config.Step{Type: config.StepDisable, Duration: 0}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(username)

	index := len(e.violations[username])
	if index > len(e.steps)-1 {
		index = len(e.steps) - 1
	}
	return index, e.steps[index]
}

// Add appends an executed violation and trims the window.
func (e *Engine) Add(username string, stepIndex, durationMinutes int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.violations[username] = append(e.violations[username], Record{
		Username:        username,
		Timestamp:       e.now(),
		StepApplied:     stepIndex,
		DisableDuration: durationMinutes,
	})
	e.trimLocked(username)
	e.saveLocked()
}

// ClearUser drops one user's history.
func (e *Engine) ClearUser(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.violations[username]; !ok {
		return
	}
	delete(e.violations, username)
	e.saveLocked()
}

// ClearAll drops every user's history.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violations = make(map[string][]Record)
	e.saveLocked()
}

// Users returns every username with history, sorted.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.violations))
	for u := range e.violations {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
