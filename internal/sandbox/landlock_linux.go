//go:build linux

package sandbox

import (
	"fmt"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

const supported = true

// systemPaths are read by the resolver and the time package at runtime
func systemPaths() []string {
	return []string{
		"/etc/hosts",
		"/etc/resolv.conf",
		"/etc/nsswitch.conf",
		"/etc/localtime",
		"/usr/share/zoneinfo",
	}
}

// Restrict applies Landlock restrictions to the current process and all
// threads and children it starts afterwards.
func (s *Sandbox) Restrict() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Disabled || s.applied {
		return nil
	}

	perms := s.Permissions()

	// Landlock rejects directory access rights on regular files
	rules := make([]landlock.Rule, 0, len(perms))
	var ro, rw int
	for _, perm := range perms {
		switch {
		case perm.Access == AccessReadWrite && perm.Dir:
			rules = append(rules, landlock.RWDirs(perm.Path))
			rw++
		case perm.Access == AccessReadWrite:
			rules = append(rules, landlock.RWFiles(perm.Path))
			rw++
		case perm.Dir:
			rules = append(rules, landlock.RODirs(perm.Path))
			ro++
		default:
			rules = append(rules, landlock.ROFiles(perm.Path))
			ro++
		}
	}

	config := landlock.V6
	if s.cfg.BestEffort {
		config = config.BestEffort()
	}
	if err := config.RestrictPaths(rules...); err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	s.applied = true
	s.log.Info("Landlock restrictions applied: %d read-only, %d read-write paths", ro, rw)
	return nil
}
