package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PermanentEnableAt marks a user that never re-enables automatically.
const PermanentEnableAt = -1

// RemainingSeconds sentinel results.
const (
	RemainingNotDisabled = -1
	RemainingPermanent   = -2
)

// DisabledStore is the durable set of currently-disabled users. Every
// mutation is snapshotted to disk before it returns.
type DisabledStore struct {
	mu         sync.Mutex
	disabledAt map[string]float64
	enableAt   map[string]float64
	path       string
	now        func() float64
}

type disabledFile struct {
	DisabledUsers map[string]float64 `json:"disabled_users"`
	EnableAt      map[string]float64 `json:"enable_at"`
	// LegacyList is the old on-disk shape: a bare list of usernames under
	// "disable_user". It is upgraded in place on first load.
	LegacyList []string `json:"disable_user,omitempty"`
}

func NewDisabledStore(path string) *DisabledStore {
	s := &DisabledStore{
		disabledAt: make(map[string]float64),
		enableAt:   make(map[string]float64),
		path:       path,
		now:        func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
	s.load()
	return s
}

// SetClock injects a wall-clock source. Only used by tests.
func (s *DisabledStore) SetClock(now func() float64) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *DisabledStore) load() {
	var file disabledFile
	ok, err := ReadJSON(s.path, &file)
	if err != nil {
		log.WithError(err).Warn("disabled store unreadable, starting empty")
		return
	}
	if !ok {
		return
	}

	migrated := false
	if file.DisabledUsers != nil {
		s.disabledAt = file.DisabledUsers
	}
	if file.EnableAt != nil {
		s.enableAt = file.EnableAt
	}
	for _, u := range file.LegacyList {
		if _, exists := s.disabledAt[u]; !exists {
			s.disabledAt[u] = s.now()
			migrated = true
		}
	}
	if migrated {
		log.WithField("users", len(file.LegacyList)).Info("migrated legacy disabled-user list")
		s.saveLocked()
	}
}

func (s *DisabledStore) saveLocked() {
	file := disabledFile{
		DisabledUsers: s.disabledAt,
		EnableAt:      s.enableAt,
	}
	if err := WriteJSONAtomic(s.path, file); err != nil {
		log.WithError(err).Error("disabled store snapshot failed")
	}
}

// Add disables a user. durationSeconds > 0 sets an explicit enable time;
// permanent pins the user until an operator intervenes; otherwise the
// default re-enable delay applies at scan time.
func (s *DisabledStore) Add(username string, durationSeconds int64, permanent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disabledAt[username] = s.now()
	switch {
	case permanent:
		s.enableAt[username] = PermanentEnableAt
	case durationSeconds > 0:
		s.enableAt[username] = s.now() + float64(durationSeconds)
	default:
		delete(s.enableAt, username)
	}
	s.saveLocked()
}

// Remove is idempotent.
func (s *DisabledStore) Remove(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, had := s.disabledAt[username]
	delete(s.disabledAt, username)
	delete(s.enableAt, username)
	if had {
		s.saveLocked()
	}
}

func (s *DisabledStore) Contains(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.disabledAt[username]
	return ok
}

// DueForEnable returns the users whose disable window has expired, in
// lexicographic order.
func (s *DisabledStore) DueForEnable(defaultSeconds int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []string
	for u, disabledAt := range s.disabledAt {
		enableAt, ok := s.enableAt[u]
		switch {
		case ok && enableAt == PermanentEnableAt:
		case ok && now >= enableAt:
			due = append(due, u)
		case !ok && now-disabledAt >= float64(defaultSeconds):
			due = append(due, u)
		}
	}
	sort.Strings(due)
	return due
}

// RemainingSeconds reports how long a user stays disabled:
// RemainingNotDisabled when not disabled, RemainingPermanent for
// permanent disables, otherwise the non-negative remainder.
func (s *DisabledStore) RemainingSeconds(username string, defaultSeconds int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	disabledAt, ok := s.disabledAt[username]
	if !ok {
		return RemainingNotDisabled
	}

	now := s.now()
	enableAt, hasExplicit := s.enableAt[username]
	if hasExplicit {
		if enableAt == PermanentEnableAt {
			return RemainingPermanent
		}
	} else {
		enableAt = disabledAt + float64(defaultSeconds)
	}
	remaining := int64(enableAt - now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Entry is one disabled user as seen by operators.
type Entry struct {
	Username   string
	DisabledAt float64
	// EnableAt is nil when the default delay applies.
	EnableAt *float64
}

// List returns the disabled users sorted by username.
func (s *DisabledStore) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.disabledAt))
	for u, at := range s.disabledAt {
		e := Entry{Username: u, DisabledAt: at}
		if enableAt, ok := s.enableAt[u]; ok {
			v := enableAt
			e.EnableAt = &v
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries
}

func (s *DisabledStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disabledAt)
}

// Clear drops every entry. Used by the operator "clear" command.
func (s *DisabledStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabledAt = make(map[string]float64)
	s.enableAt = make(map[string]float64)
	s.saveLocked()
}

// MarshalJSON exposes the on-disk shape, mostly for the status surface.
func (s *DisabledStore) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(disabledFile{
		DisabledUsers: s.disabledAt,
		EnableAt:      s.enableAt,
	})
}
