// Package socketutil provides the transports the shell is served over:
// endpoint parsing, listeners with accept deadlines for Unix-domain, TCP and
// WebSocket endpoints, dialing, and detection of a running server.
package socketutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnsupportedEndpoint is returned for endpoints that cannot be served
var ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

// Network identifies the transport of an endpoint
type Network string

const (
	// NetworkUnix is a Unix-domain stream socket bound to a filesystem path
	NetworkUnix Network = "unix"
	// NetworkTCP is a TCP host:port
	NetworkTCP Network = "tcp"
	// NetworkWebSocket carries the line protocol in WebSocket text frames
	NetworkWebSocket Network = "ws"
)

const (
	wsScheme      = "ws://"
	defaultWSPath = "/"
)

// Endpoint is a parsed listen or dial address
type Endpoint struct {
	Network Network
	// Address is the socket path for NetworkUnix and host:port otherwise
	Address string
	// Path is the HTTP path of a NetworkWebSocket endpoint
	Path string
}

// ParseEndpoint classifies s:
//   - "ws://host:port/path" is a WebSocket endpoint
//   - a string starting with '/', or with no ':' after its last '/', is a
//     Unix socket path
//   - anything else must be host:port for TCP
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty endpoint", ErrUnsupportedEndpoint)
	}

	if strings.Contains(s, "://") {
		return parseURLEndpoint(s)
	}

	lastColon := strings.LastIndex(s, ":")
	if strings.HasPrefix(s, "/") || lastColon < strings.LastIndex(s, "/") || lastColon < 0 {
		return Endpoint{Network: NetworkUnix, Address: s}, nil
	}

	if err := checkHostPort(s); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Network: NetworkTCP, Address: s}, nil
}

func parseURLEndpoint(s string) (Endpoint, error) {
	if !strings.HasPrefix(s, wsScheme) {
		return Endpoint{}, fmt.Errorf("%w: %s (only ws:// is served)", ErrUnsupportedEndpoint, s)
	}

	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrUnsupportedEndpoint, err)
	}
	if err := checkHostPort(u.Host); err != nil {
		return Endpoint{}, err
	}

	path := u.Path
	if path == "" {
		path = defaultWSPath
	}
	return Endpoint{Network: NetworkWebSocket, Address: u.Host, Path: path}, nil
}

func checkHostPort(hostport string) error {
	_, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrUnsupportedEndpoint, portStr)
	}
	return nil
}

// String formats the endpoint the way ParseEndpoint accepts it
func (e Endpoint) String() string {
	switch e.Network {
	case NetworkWebSocket:
		return wsScheme + e.Address + e.Path
	default:
		return e.Address
	}
}

// Bound returns the endpoint with its address replaced by the address a
// listener actually bound, which differs for port 0 and relative socket paths
func (e Endpoint) Bound(addr net.Addr) Endpoint {
	if addr == nil || addr.String() == "" {
		return e
	}
	e.Address = addr.String()
	return e
}
