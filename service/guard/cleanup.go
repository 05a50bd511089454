package guard

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ConfigStore lets the cleanup pass drop config entries that reference
// users deleted from the panel. Implemented by the CLI's config editor;
// may be nil, in which case config entries are left alone.
type ConfigStore interface {
	RemoveSpecialLimit(username string) error
	RemoveExceptUser(username string) error
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	PanelUsers      int
	RemovedLimits   []string
	RemovedExcept   []string
	RemovedDisabled []string
	RemovedHistory  []string
}

// Cleanup removes state that references users no longer present on the
// panel: special limits, whitelist entries, disabled records, group
// backups and violation history.
//
// Two guards protect against a lying panel: an empty user list aborts the
// pass outright, and when the special-limits map is large a pass that
// would remove more than half of it aborts as well.
func (g *Guard) Cleanup(ctx context.Context, configStore ConfigStore) (*CleanupReport, error) {
	usernames, err := g.panel.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	if len(usernames) == 0 {
		return nil, fmt.Errorf("cleanup aborted: panel returned no users")
	}

	exists := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		exists[u] = struct{}{}
	}

	// confirmGone double-checks each candidate with the existence probe,
	// which fails open: a flaky panel never gets a real user cleaned up.
	confirmGone := func(username string) bool {
		if _, ok := exists[username]; ok {
			return false
		}
		return !g.panel.CheckUserExists(ctx, username)
	}

	report := &CleanupReport{PanelUsers: len(usernames)}

	var staleLimits []string
	for username := range g.cfg.Limits.Special {
		if confirmGone(username) {
			staleLimits = append(staleLimits, username)
		}
	}
	if n := len(g.cfg.Limits.Special); n > 5 && len(staleLimits)*2 > n {
		return nil, fmt.Errorf("cleanup aborted: would remove %d of %d special limits", len(staleLimits), n)
	}

	if configStore != nil {
		for _, username := range staleLimits {
			if err := configStore.RemoveSpecialLimit(username); err != nil {
				log.WithError(err).WithField("user", username).Error("cleanup: remove special limit failed")
				continue
			}
			delete(g.cfg.Limits.Special, username)
			report.RemovedLimits = append(report.RemovedLimits, username)
		}

		for username := range g.cfg.ExceptSet() {
			if !confirmGone(username) {
				continue
			}
			if err := configStore.RemoveExceptUser(username); err != nil {
				log.WithError(err).WithField("user", username).Error("cleanup: remove whitelist entry failed")
				continue
			}
			report.RemovedExcept = append(report.RemovedExcept, username)
		}
	}

	for _, e := range g.disabled.List() {
		if confirmGone(e.Username) {
			g.disabled.Remove(e.Username)
			g.groups.Remove(e.Username)
			report.RemovedDisabled = append(report.RemovedDisabled, e.Username)
		}
	}

	for _, username := range g.engine.Users() {
		if confirmGone(username) {
			g.engine.ClearUser(username)
			report.RemovedHistory = append(report.RemovedHistory, username)
		}
	}

	g.logger.WithFields(log.Fields{
		"panel_users": report.PanelUsers,
		"limits":      len(report.RemovedLimits),
		"except":      len(report.RemovedExcept),
		"disabled":    len(report.RemovedDisabled),
		"history":     len(report.RemovedHistory),
	}).Info("cleanup finished")
	return report, nil
}
