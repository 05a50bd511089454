package guard

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/config"
)

// applyNextStep escalates a user whose monitoring window confirmed more
// devices than allowed.
func (g *Guard) applyNextStep(ctx context.Context, w *Warning, devices []string) {
	stepIndex, step := g.engine.NextStep(w.Username)
	entry := g.logger.WithFields(log.Fields{
		"user":    w.Username,
		"step":    stepIndex,
		"kind":    step.Type,
		"devices": len(devices),
	})

	if step.Type == config.StepWarning {
		entry.Warn("violation confirmed, warning step applied")
		g.engine.Add(w.Username, stepIndex, 0)
		g.dropWarning(w.Username)
		g.recordHistory(HistoryEntry{
			Username: w.Username, Time: g.nowSec(), Action: "warning",
			TrustScore: w.TrustScore, StepIndex: stepIndex,
		})
		return
	}

	g.executeDisable(ctx, w, stepIndex, step, "disable")
}

// instantDisable skips the rest of the monitoring window for users whose
// trust score fell to the instant-disable threshold.
func (g *Guard) instantDisable(ctx context.Context, w *Warning) {
	stepIndex, step := g.disableStep(w.Username)
	g.logger.WithFields(log.Fields{
		"user":  w.Username,
		"trust": w.TrustScore,
		"step":  stepIndex,
	}).Warn("trust score below instant-disable threshold")
	g.executeDisable(ctx, w, stepIndex, step, "instant_disable")
}

// disableStep returns the next step, skipping forward past warning rungs:
// an instant disable always disables. Falls back to a permanent disable
// when the ladder has no disable rung left.
func (g *Guard) disableStep(username string) (int, config.Step) {
	index, step := g.engine.NextStep(username)
	if step.Type != config.StepWarning {
		return index, step
	}
	steps := g.cfg.Punishment.Steps
	for i := index + 1; i < len(steps); i++ {
		if steps[i].Type != config.StepWarning {
			return i, steps[i]
		}
	}
	return index, config.Step{Type: config.StepDisable, Duration: 0}
}

// executeDisable performs the panel mutation and, only on success, the
// bookkeeping: store insert, violation record, warning removal. A panel
// failure leaves the warning in place so the next tick retries.
func (g *Guard) executeDisable(ctx context.Context, w *Warning, stepIndex int, step config.Step, action string) {
	permanent := step.Duration == 0
	if step.Type == config.StepRevoke {
		// The panel has no revoke operation; a revoke rung is executed as
		// a permanent disable.
		g.logger.WithField("user", w.Username).Warn("revoke step treated as permanent disable")
		permanent = true
	}

	if err := g.disableOnPanel(ctx, w.Username); err != nil {
		if isNotFound(err) {
			g.logger.WithField("user", w.Username).Warn("disable skipped, user no longer on panel")
			g.dropWarning(w.Username)
			return
		}
		g.logger.WithError(err).WithField("user", w.Username).Error("disable failed, will retry next cycle")
		return
	}

	g.disabled.Add(w.Username, int64(step.Duration)*60, permanent)
	g.engine.Add(w.Username, stepIndex, step.Duration)
	g.dropWarning(w.Username)
	g.recordHistory(HistoryEntry{
		Username: w.Username, Time: g.nowSec(), Action: action,
		TrustScore: w.TrustScore, StepIndex: stepIndex, DurationMinutes: step.Duration,
	})

	g.logger.WithFields(log.Fields{
		"user":      w.Username,
		"step":      stepIndex,
		"duration":  step.Duration,
		"permanent": permanent,
	}).Warn("user disabled")
}

// disableOnPanel mutates the user on the panel using the configured
// method. In group mode the original membership is backed up first so the
// disable is reversible.
func (g *Guard) disableOnPanel(ctx context.Context, username string) error {
	if g.cfg.DisableMethod != config.DisableMethodGroup {
		return g.panel.UpdateUserStatus(ctx, username, "disabled")
	}

	details, err := g.panel.GetUserDetails(ctx, username)
	if err != nil {
		return err
	}
	g.groups.Save(username, details.GroupIDs)
	return g.panel.UpdateUserGroups(ctx, username, []int{g.cfg.DisabledGroupID})
}

// reenableDue reactivates every user whose disable window has expired.
// Per-user failures are logged and do not block the batch.
func (g *Guard) reenableDue(ctx context.Context) {
	due := g.disabled.DueForEnable(int64(g.cfg.Timing.TimeToActiveUsers))
	for _, username := range due {
		if err := g.ReenableOne(ctx, username); err != nil {
			g.logger.WithError(err).WithField("user", username).Error("re-enable failed")
		}
	}
}

// ReenableOne reactivates one disabled user: group restore first in group
// mode, then status. The stores are only cleaned up after the panel
// accepted the mutation.
func (g *Guard) ReenableOne(ctx context.Context, username string) error {
	if g.cfg.DisableMethod == config.DisableMethodGroup {
		if saved, ok := g.groups.Get(username); ok {
			if err := g.panel.UpdateUserGroups(ctx, username, saved); err != nil {
				if !isNotFound(err) {
					return err
				}
			}
		}
	}

	if err := g.panel.UpdateUserStatus(ctx, username, "active"); err != nil {
		if !isNotFound(err) {
			return err
		}
		// The user vanished from the panel; nothing left to re-enable.
		g.logger.WithField("user", username).Warn("re-enable: user no longer on panel")
	}

	g.disabled.Remove(username)
	g.groups.Remove(username)
	g.logger.WithField("user", username).Info("user re-enabled")
	return nil
}

// EnableAll reactivates every disabled user and reports the failures.
func (g *Guard) EnableAll(ctx context.Context) (enabled int, failed []string) {
	for _, e := range g.disabled.List() {
		if err := g.ReenableOne(ctx, e.Username); err != nil {
			g.logger.WithError(err).WithField("user", e.Username).Error("enable-all: re-enable failed")
			failed = append(failed, e.Username)
			continue
		}
		enabled++
	}
	return enabled, failed
}
