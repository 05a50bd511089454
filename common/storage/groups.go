package storage

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// GroupBackupStore remembers the original group membership of users that
// were disabled by group swap, so the re-enable path can restore it.
type GroupBackupStore struct {
	mu     sync.Mutex
	groups map[string][]int
	path   string
}

func NewGroupBackupStore(path string) *GroupBackupStore {
	s := &GroupBackupStore{
		groups: make(map[string][]int),
		path:   path,
	}
	var file map[string][]int
	ok, err := ReadJSON(path, &file)
	if err != nil {
		log.WithError(err).Warn("group backup store unreadable, starting empty")
		return s
	}
	if ok && file != nil {
		s.groups = file
	}
	return s
}

func (s *GroupBackupStore) saveLocked() {
	if err := WriteJSONAtomic(s.path, s.groups); err != nil {
		log.WithError(err).Error("group backup snapshot failed")
	}
}

// Save records the pre-disable groups. An existing backup is kept: the
// first snapshot is the authoritative original membership.
func (s *GroupBackupStore) Save(username string, groupIDs []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[username]; exists {
		return
	}
	ids := make([]int, len(groupIDs))
	copy(ids, groupIDs)
	s.groups[username] = ids
	s.saveLocked()
}

func (s *GroupBackupStore) Get(username string) ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.groups[username]
	if !ok {
		return nil, false
	}
	out := make([]int, len(ids))
	copy(out, ids)
	return out, true
}

// Remove is idempotent.
func (s *GroupBackupStore) Remove(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[username]; !ok {
		return
	}
	delete(s.groups, username)
	s.saveLocked()
}

func (s *GroupBackupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}
