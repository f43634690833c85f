package socketutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/codefionn/sockshell/internal/logger"
)

// Listener is a net.Listener whose Accept can be bounded by a deadline, so
// an accept loop can wake up periodically and check for shutdown.
type Listener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// ListenOptions tunes Listen
type ListenOptions struct {
	// FileMode is applied to a Unix socket file; zero keeps the umask default
	FileMode os.FileMode
	// Logger receives transport diagnostics; nil uses the global logger
	Logger *logger.Logger
}

// Listen binds ep. An existing file at a Unix socket path is removed first.
func Listen(ep Endpoint, opts ListenOptions) (Listener, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Global().WithPrefix("socketutil")
	}

	switch ep.Network {
	case NetworkUnix:
		return listenUnix(ep.Address, opts)
	case NetworkTCP:
		addr, err := net.ResolveTCPAddr("tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", ep.Address, err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", ep.Address, err)
		}
		return ln, nil
	case NetworkWebSocket:
		return ListenWebSocket(ep, opts)
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnsupportedEndpoint, ep.Network)
	}
}

func listenUnix(socketPath string, opts ListenOptions) (Listener, error) {
	absPath, err := PrepareSocketPath(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare socket path: %w", err)
	}

	// Remove existing socket file if it exists
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: absPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket %s: %w", absPath, err)
	}

	if opts.FileMode != 0 {
		if err := os.Chmod(absPath, opts.FileMode); err != nil {
			opts.Logger.Warn("Failed to set socket permissions: %v", err)
		}
	}

	return ln, nil
}

// PrepareSocketPath makes socketPath absolute and creates its directory
func PrepareSocketPath(socketPath string) (string, error) {
	absPath, err := filepath.Abs(socketPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	parentDir := filepath.Dir(absPath)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory %s: %w", parentDir, err)
	}

	return absPath, nil
}

// IsTimeout reports whether err is a deadline expiry rather than a failure
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
