package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
)

// configStore edits the operator config file in place. It backs the
// limit and whitelist subcommands and the cleanup pass.
type configStore struct {
	v *viper.Viper
}

func newConfigStore() *configStore {
	return &configStore{v: getViper()}
}

func (s *configStore) SpecialLimits() map[string]int {
	raw := s.v.GetStringMap("limits.special")
	out := make(map[string]int, len(raw))
	for user := range raw {
		out[user] = s.v.GetInt("limits.special." + user)
	}
	return out
}

func (s *configStore) SetSpecialLimit(username string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("limit must be >= 1, got %d", limit)
	}
	limits := s.SpecialLimits()
	limits[username] = limit
	s.v.Set("limits.special", limits)
	return s.v.WriteConfig()
}

func (s *configStore) RemoveSpecialLimit(username string) error {
	limits := s.SpecialLimits()
	if _, ok := limits[username]; !ok {
		return fmt.Errorf("no special limit for %s", username)
	}
	delete(limits, username)
	s.v.Set("limits.special", limits)
	return s.v.WriteConfig()
}

// ExceptUsers returns the merged whitelist, sorted.
func (s *configStore) ExceptUsers() []string {
	set := make(map[string]struct{})
	for _, u := range s.v.GetStringSlice("users.except") {
		set[u] = struct{}{}
	}
	for _, u := range s.v.GetStringSlice("except_users") {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *configStore) AddExceptUser(username string) error {
	current := s.v.GetStringSlice("users.except")
	for _, u := range current {
		if u == username {
			return fmt.Errorf("%s is already whitelisted", username)
		}
	}
	s.v.Set("users.except", append(current, username))
	return s.v.WriteConfig()
}

func (s *configStore) RemoveExceptUser(username string) error {
	removed := false

	var kept []string
	for _, u := range s.v.GetStringSlice("users.except") {
		if u == username {
			removed = true
			continue
		}
		kept = append(kept, u)
	}
	s.v.Set("users.except", kept)

	var keptLegacy []string
	for _, u := range s.v.GetStringSlice("except_users") {
		if u == username {
			removed = true
			continue
		}
		keptLegacy = append(keptLegacy, u)
	}
	s.v.Set("except_users", keptLegacy)

	if !removed {
		return fmt.Errorf("%s is not whitelisted", username)
	}
	return s.v.WriteConfig()
}
