package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*DisabledStore, *float64, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disabled_users.json")
	clock := float64(1_000_000)
	s := NewDisabledStore(path)
	s.SetClock(func() float64 { return clock })
	return s, &clock, path
}

func TestAddRemoveContains(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.False(t, s.Contains("alice"))
	s.Add("alice", 600, false)
	require.True(t, s.Contains("alice"))
	require.Equal(t, 1, s.Len())

	s.Remove("alice")
	require.False(t, s.Contains("alice"))
	s.Remove("alice") // idempotent
	require.Equal(t, 0, s.Len())
}

func TestDueForEnable(t *testing.T) {
	s, clock, _ := newTestStore(t)

	s.Add("timed", 600, false)
	s.Add("forever", 0, true)
	s.Add("default", 0, false)

	require.Empty(t, s.DueForEnable(1800))

	*clock += 601
	require.Equal(t, []string{"timed"}, s.DueForEnable(1800))

	*clock += 1200 // default-delay user crosses 1800s
	require.Equal(t, []string{"default", "timed"}, s.DueForEnable(1800))
}

func TestRemainingSeconds(t *testing.T) {
	s, clock, _ := newTestStore(t)

	require.EqualValues(t, RemainingNotDisabled, s.RemainingSeconds("ghost", 1800))

	s.Add("timed", 600, false)
	s.Add("forever", 0, true)
	s.Add("default", 0, false)

	require.EqualValues(t, 600, s.RemainingSeconds("timed", 1800))
	require.EqualValues(t, RemainingPermanent, s.RemainingSeconds("forever", 1800))
	require.EqualValues(t, 1800, s.RemainingSeconds("default", 1800))

	*clock += 700
	require.EqualValues(t, 0, s.RemainingSeconds("timed", 1800))
	require.EqualValues(t, 1100, s.RemainingSeconds("default", 1800))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled_users.json")

	s := NewDisabledStore(path)
	s.Add("alice", 600, false)
	s.Add("bob", 0, true)

	reloaded := NewDisabledStore(path)
	require.True(t, reloaded.Contains("alice"))
	require.True(t, reloaded.Contains("bob"))
	require.EqualValues(t, RemainingPermanent, reloaded.RemainingSeconds("bob", 1800))
}

func TestLegacyListMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled_users.json")
	legacy := `{"disable_user": ["alice", "bob"]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := NewDisabledStore(path)
	require.True(t, s.Contains("alice"))
	require.True(t, s.Contains("bob"))

	// Migration rewrites the file into the map shape.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "disabled_users")

	reloaded := NewDisabledStore(path)
	require.Equal(t, 2, reloaded.Len())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled_users.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	s := NewDisabledStore(path)
	require.Equal(t, 0, s.Len())
}

func TestList(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Add("bob", 600, false)
	s.Add("alice", 0, true)

	entries := s.List()
	require.Len(t, entries, 2)
	require.Equal(t, "alice", entries[0].Username)
	require.NotNil(t, entries[0].EnableAt)
	require.EqualValues(t, PermanentEnableAt, *entries[0].EnableAt)
	require.Equal(t, "bob", entries[1].Username)
}

func TestClear(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Add("alice", 600, false)
	s.Add("bob", 0, true)

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.False(t, s.Contains("alice"))
}
