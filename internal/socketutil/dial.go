package socketutil

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Dial connects to ep. WebSocket endpoints come back wrapped as a net.Conn
// carrying the same byte stream as the other transports.
func Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Network {
	case NetworkUnix, NetworkTCP:
		var d net.Dialer
		return d.DialContext(ctx, string(ep.Network), ep.Address)
	case NetworkWebSocket:
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, ep.String(), nil)
		if err != nil {
			return nil, err
		}
		return NewWebSocketConn(ws), nil
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnsupportedEndpoint, ep.Network)
	}
}
