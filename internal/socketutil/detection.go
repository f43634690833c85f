package socketutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/codefionn/sockshell/internal/logger"
)

// DetectionTimeout is how long to wait for a server to answer
const DetectionTimeout = 1 * time.Second

// DetectServer reports whether a server accepts connections at endpoint.
// For Unix sockets the file must exist and be a socket before a connection
// is attempted.
func DetectServer(endpoint string) bool {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		logger.Debug("Server detection skipped: %v", err)
		return false
	}

	if ep.Network == NetworkUnix {
		stat, err := os.Stat(ep.Address)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debug("Socket file does not exist: %s", ep.Address)
			} else {
				logger.Debug("Error checking socket file: %v", err)
			}
			return false
		}
		if stat.Mode()&os.ModeSocket == 0 {
			logger.Debug("File exists but is not a socket: %s", ep.Address)
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), DetectionTimeout)
	defer cancel()

	conn, err := Dial(ctx, ep)
	if err != nil {
		logger.Debug("Endpoint %s exists but connection failed: %v", ep, err)
		return false
	}
	conn.Close()

	logger.Info("Detected active shell server at: %s", ep)
	return true
}

// DescribeEndpoint returns a human-readable status line for endpoint
func DescribeEndpoint(endpoint string) string {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return fmt.Sprintf("Endpoint: %s (invalid: %v)", endpoint, err)
	}

	info := fmt.Sprintf("Endpoint: %s (%s)", ep, ep.Network)
	if ep.Network == NetworkUnix {
		if _, err := os.Stat(ep.Address); err != nil {
			if os.IsNotExist(err) {
				return info + " not found"
			}
			return info + fmt.Sprintf(" error: %v", err)
		}
	}

	if DetectServer(endpoint) {
		return info + " active server detected"
	}
	return info + " not responding"
}
