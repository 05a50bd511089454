package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mtoly/XrayIPGuard/config"
)

type fakeConfigStore struct {
	removedLimits []string
	removedExcept []string
	limitErr      error
}

func (f *fakeConfigStore) RemoveSpecialLimit(username string) error {
	if f.limitErr != nil {
		return f.limitErr
	}
	f.removedLimits = append(f.removedLimits, username)
	return nil
}

func (f *fakeConfigStore) RemoveExceptUser(username string) error {
	f.removedExcept = append(f.removedExcept, username)
	return nil
}

func TestCleanupRemovesDeletedUsers(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Limits.Special = map[string]int{"ghost": 5, "alive": 3}
		c.ExceptUsers = []string{"ghost", "alive"}
	}, nil)
	h.panel.users = []string{"alive", "other"}
	h.panel.missing["ghost"] = true

	h.disabled.Add("ghost", 600, false)
	h.groups.Save("ghost", []int{1})
	h.engine.Add("ghost", 1, 10)
	h.engine.Add("alive", 1, 10)

	store := &fakeConfigStore{}
	report, err := h.guard.Cleanup(context.Background(), store)
	require.NoError(t, err)

	require.Equal(t, 2, report.PanelUsers)
	require.Equal(t, []string{"ghost"}, report.RemovedLimits)
	require.Equal(t, []string{"ghost"}, report.RemovedExcept)
	require.Equal(t, []string{"ghost"}, report.RemovedDisabled)
	require.Equal(t, []string{"ghost"}, report.RemovedHistory)

	require.False(t, h.disabled.Contains("ghost"))
	_, ok := h.groups.Get("ghost")
	require.False(t, ok)
	require.Equal(t, []string{"alive"}, h.engine.Users())
	require.NotContains(t, h.cfg.Limits.Special, "ghost")
	require.Contains(t, h.cfg.Limits.Special, "alive")
}

func TestCleanupAbortsOnEmptyUserList(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.disabled.Add("ghost", 600, false)
	h.panel.users = nil

	_, err := h.guard.Cleanup(context.Background(), nil)
	require.Error(t, err)
	require.True(t, h.disabled.Contains("ghost"))
}

func TestCleanupAbortsOnListError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.panel.listErr = errors.New("panel down")

	_, err := h.guard.Cleanup(context.Background(), nil)
	require.Error(t, err)
}

// A pass that would drop most of a large special-limits map smells like a
// lying panel and must abort.
func TestCleanupAbortsOnMassRemoval(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Limits.Special = map[string]int{
			"g1": 1, "g2": 1, "g3": 1, "g4": 1, "u1": 1, "u2": 1,
		}
	}, nil)
	h.panel.users = []string{"u1", "u2"}
	for _, ghost := range []string{"g1", "g2", "g3", "g4"} {
		h.panel.missing[ghost] = true
	}

	store := &fakeConfigStore{}
	_, err := h.guard.Cleanup(context.Background(), store)
	require.Error(t, err)
	require.Empty(t, store.removedLimits)
	require.Len(t, h.cfg.Limits.Special, 6)
}

func TestCleanupExistenceProbeFailsOpen(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Limits.Special = map[string]int{"maybe": 5}
	}, nil)
	// Not in the list response, but the probe still confirms existence.
	h.panel.users = []string{"someone-else"}

	store := &fakeConfigStore{}
	report, err := h.guard.Cleanup(context.Background(), store)
	require.NoError(t, err)
	require.Empty(t, report.RemovedLimits)
	require.Contains(t, h.cfg.Limits.Special, "maybe")
}

func TestCleanupNilConfigStoreSkipsConfigEntries(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Limits.Special = map[string]int{"ghost": 5}
	}, nil)
	h.panel.users = []string{"alive"}
	h.panel.missing["ghost"] = true
	h.disabled.Add("ghost", 600, false)

	report, err := h.guard.Cleanup(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, report.RemovedLimits)
	require.Contains(t, h.cfg.Limits.Special, "ghost")
	require.Equal(t, []string{"ghost"}, report.RemovedDisabled)
}
