package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupBackupSaveGetRemove(t *testing.T) {
	s := NewGroupBackupStore(filepath.Join(t.TempDir(), "group_backup.json"))

	_, ok := s.Get("dave")
	require.False(t, ok)

	s.Save("dave", []int{5, 7})
	got, ok := s.Get("dave")
	require.True(t, ok)
	require.Equal(t, []int{5, 7}, got)
	require.Equal(t, 1, s.Len())

	s.Remove("dave")
	_, ok = s.Get("dave")
	require.False(t, ok)
	s.Remove("dave") // idempotent
}

func TestGroupBackupFirstSnapshotWins(t *testing.T) {
	s := NewGroupBackupStore(filepath.Join(t.TempDir(), "group_backup.json"))

	s.Save("dave", []int{5, 7})
	// A second disable while already backed up must not overwrite the
	// original membership with the disabled group.
	s.Save("dave", []int{99})

	got, _ := s.Get("dave")
	require.Equal(t, []int{5, 7}, got)
}

func TestGroupBackupGetReturnsCopy(t *testing.T) {
	s := NewGroupBackupStore(filepath.Join(t.TempDir(), "group_backup.json"))
	s.Save("dave", []int{5, 7})

	got, _ := s.Get("dave")
	got[0] = 42

	again, _ := s.Get("dave")
	require.Equal(t, []int{5, 7}, again)
}

func TestGroupBackupPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group_backup.json")

	s := NewGroupBackupStore(path)
	s.Save("dave", []int{5, 7})

	reloaded := NewGroupBackupStore(path)
	got, ok := reloaded.Get("dave")
	require.True(t, ok)
	require.Equal(t, []int{5, 7}, got)
}

func TestGroupBackupCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group_backup.json")
	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o644))

	s := NewGroupBackupStore(path)
	require.Equal(t, 0, s.Len())
}

func TestWriteJSONAtomicReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"b": 2}))

	var got map[string]int
	ok, err := ReadJSON(path, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]int{"b": 2}, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadJSONMissingFile(t *testing.T) {
	var got map[string]int
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	require.NoError(t, err)
	require.False(t, ok)
}
