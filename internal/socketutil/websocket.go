package socketutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// HealthPath answers GET requests on every WebSocket listener
	HealthPath = "/healthz"

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize64KB

	// Time allowed to write the close frame.
	closeWait = time.Second

	// Queued inbound messages per connection.
	inboundQueue = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  consts.RecvBufferSize,
	WriteBufferSize: consts.RecvBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsListener turns upgraded HTTP requests into accepted connections
type wsListener struct {
	ln         net.Listener
	httpServer *http.Server
	path       string
	log        *logger.Logger

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

// ListenWebSocket serves ep over HTTP and hands every successful upgrade on
// ep.Path to Accept. GET HealthPath reports liveness.
func ListenWebSocket(ep Endpoint, opts ListenOptions) (Listener, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Global().WithPrefix("socketutil")
	}

	ln, err := net.Listen("tcp", ep.Address)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:     ln,
		path:   ep.Path,
		log:    opts.Logger.WithPrefix("ws"),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}

	router := httprouter.New()
	router.GET(ep.Path, l.handleUpgrade)
	if ep.Path != HealthPath {
		router.GET(HealthPath, l.handleHealth)
	}

	l.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(l.log), slog.LevelError),
	}

	go func() {
		if err := l.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("HTTP server error: %v", err)
		}
	}()

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	select {
	case <-l.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := NewWebSocketConn(ws)
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *wsListener) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"path":   l.path,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Accept waits for the next upgraded connection, the deadline or Close
func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	l.mu.Lock()
	deadline := l.deadline
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

// SetDeadline bounds subsequent Accept calls; the zero time removes the bound
func (l *wsListener) SetDeadline(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline = t
	return nil
}

// Close stops accepting and shuts the HTTP server down. Connections already
// accepted stay open; their owner closes them.
func (l *wsListener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.closed)

		ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		err = l.httpServer.Shutdown(ctx)
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn adapts a WebSocket to net.Conn. Each text or binary message is a
// chunk of the byte stream. Read deadlines are enforced here rather than on
// the WebSocket, because an expired WebSocket read deadline breaks the
// connection for good while a shell client polls with short deadlines.
type wsConn struct {
	ws *websocket.Conn

	incoming chan []byte
	readErr  error
	pending  []byte

	mu           sync.Mutex
	readDeadline time.Time

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConn wraps ws as a net.Conn and starts reading from it
func NewWebSocketConn(ws *websocket.Conn) net.Conn {
	c := &wsConn{
		ws:       ws,
		incoming: make(chan []byte, inboundQueue),
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	go c.readPump()
	return c
}

func (c *wsConn) readPump() {
	defer close(c.incoming)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = translateWebSocketError(err)
			return
		}

		select {
		case c.incoming <- data:
		case <-c.done:
			c.readErr = net.ErrClosed
			return
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case data, ok := <-c.incoming:
			if !ok {
				return 0, c.readErr
			}
			c.pending = data
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, translateWebSocketError(err)
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// translateWebSocketError maps close frames to io.EOF so callers can treat
// every transport alike
func translateWebSocketError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return io.EOF
	}
	if errors.Is(err, net.ErrClosed) {
		return net.ErrClosed
	}
	return err
}
