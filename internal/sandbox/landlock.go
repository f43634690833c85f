// Package sandbox restricts the filesystem view of the shell daemon using
// Linux Landlock. Once the socket is bound and the history database is open
// the daemon only needs its state directory, its configuration and a few
// system files; everything else is taken away from it and from every
// command it runs. On non-Linux systems restricting is a no-op.
package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codefionn/sockshell/internal/logger"
)

// AccessLevel represents the type of filesystem access granted to a path.
type AccessLevel int

const (
	// AccessReadOnly grants read-only access (read files, list directories)
	AccessReadOnly AccessLevel = iota
	// AccessReadWrite grants read and write access, including creating sockets
	AccessReadWrite
)

// String returns the short name of the access level
func (a AccessLevel) String() string {
	if a == AccessReadWrite {
		return "rw"
	}
	return "ro"
}

// DirectoryPermission represents a path with its access level.
type DirectoryPermission struct {
	Path   string
	Access AccessLevel
	Dir    bool
}

// Config lists the paths that stay visible once the sandbox is applied.
type Config struct {
	ReadOnlyPaths  []string
	ReadWritePaths []string
	Disabled       bool
	// BestEffort degrades to the strongest Landlock ABI the kernel offers
	// instead of failing on older kernels
	BestEffort bool
}

// Sandbox applies a Config to the current process. Landlock restrictions
// cannot be lifted, so Restrict takes effect at most once.
type Sandbox struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	applied bool
}

// New creates a sandbox for cfg
func New(cfg Config) *Sandbox {
	return &Sandbox{
		cfg: cfg,
		log: logger.Global().WithPrefix("sandbox"),
	}
}

// Enabled reports whether Restrict would do anything
func (s *Sandbox) Enabled() bool {
	return !s.cfg.Disabled && supported
}

// Applied reports whether the restriction is in effect
func (s *Sandbox) Applied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Permissions resolves the configured and system paths to absolute paths.
// Missing paths are skipped. A path listed both read-only and read-write is
// granted read-write. The result is sorted by path.
func (s *Sandbox) Permissions() []DirectoryPermission {
	byPath := make(map[string]DirectoryPermission)

	add := func(path string, access AccessLevel) {
		if path == "" {
			return
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = filepath.Clean(path)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			s.log.Debug("Skipping sandbox path %s: %v", absPath, err)
			return
		}
		if prev, ok := byPath[absPath]; ok && prev.Access >= access {
			return
		}
		byPath[absPath] = DirectoryPermission{Path: absPath, Access: access, Dir: info.IsDir()}
	}

	for _, path := range systemPaths() {
		add(path, AccessReadOnly)
	}
	for _, path := range s.cfg.ReadOnlyPaths {
		add(path, AccessReadOnly)
	}
	for _, path := range s.cfg.ReadWritePaths {
		add(path, AccessReadWrite)
	}

	perms := make([]DirectoryPermission, 0, len(byPath))
	for _, perm := range byPath {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Path < perms[j].Path })
	return perms
}
