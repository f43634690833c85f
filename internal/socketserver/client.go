package socketserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/evaluator"
	"github.com/codefionn/sockshell/internal/history"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/codefionn/sockshell/internal/socketutil"
)

// State is the lifecycle stage of a client
type State int32

const (
	StateConnected State = iota
	StateRunning
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Client represents one connected shell session. Each client runs on its
// own goroutine and has its own copy of the environment.
type Client struct {
	id     int
	conn   net.Conn
	server *Server
	log    *logger.Logger
	since  time.Time

	envMu sync.RWMutex
	env   map[string]string

	eval    *evaluator.Evaluator
	pending []byte

	writeMu sync.Mutex

	state  atomic.Int32
	exit   atomic.Bool
	done   chan struct{}
	joined bool // guarded by server.mu
}

func newClient(s *Server, id int, conn net.Conn, env map[string]string) *Client {
	c := &Client{
		id:     id,
		conn:   conn,
		server: s,
		log:    s.log.WithPrefix("client " + strconv.Itoa(id)),
		since:  time.Now(),
		env:    env,
		done:   make(chan struct{}),
	}
	c.eval = evaluator.New(c, c)
	c.eval.SetMaxDepth(consts.MaxSubstitutionDepth)
	return c
}

// ID returns the connection number, unique within the server run
func (c *Client) ID() int {
	return c.id
}

// Server returns the server the client is connected to
func (c *Client) Server() *Server {
	return c.server
}

// RemoteAddr returns the peer address
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectedAt returns when the connection was admitted
func (c *Client) ConnectedAt() time.Time {
	return c.since
}

// State returns the lifecycle stage
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(st State) {
	c.state.Store(int32(st))
}

// GetEnv returns name from the client environment, or "" when unset
func (c *Client) GetEnv(name string) string {
	c.envMu.RLock()
	defer c.envMu.RUnlock()
	return c.env[name]
}

// SetEnv sets name in the client environment
func (c *Client) SetEnv(name, value string) {
	c.envMu.Lock()
	defer c.envMu.Unlock()
	c.env[name] = value
}

// UnsetEnv removes name from the client environment
func (c *Client) UnsetEnv(name string) {
	c.envMu.Lock()
	defer c.envMu.Unlock()
	delete(c.env, name)
}

// Environ returns the client environment as sorted NAME=value pairs
func (c *Client) Environ() []string {
	c.envMu.RLock()
	pairs := make([]string, 0, len(c.env))
	for k, v := range c.env {
		pairs = append(pairs, k+"="+v)
	}
	c.envMu.RUnlock()

	sort.Strings(pairs)
	return pairs
}

// Send writes text to the connection as is
func (c *Client) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(consts.WriteTimeout))
	if _, err := io.WriteString(c.conn, text); err != nil {
		c.log.Debug("Send failed: %v", err)
		c.server.msink.IncrCounterWithLabels(MetricClientSendErrorCount, 1, c.server.labels())
		return err
	}
	return nil
}

// Close asks the client loop to stop. The loop notices within one receive
// timeout; lines already buffered are dropped.
func (c *Client) Close() {
	c.exit.Store(true)
}

// Closing reports whether Close was called
func (c *Client) Closing() bool {
	return c.exit.Load()
}

// Execute evaluates line in this client's environment and returns its
// output without sending it
func (c *Client) Execute(line string) string {
	return c.eval.Execute(line)
}

// LastStatus returns the exit code of the last stage executed
func (c *Client) LastStatus() int {
	return c.eval.LastStatus()
}

// Dispatch runs one pipeline stage. It makes the client an
// evaluator.Dispatcher.
func (c *Client) Dispatch(args []string, in string) (string, int) {
	var out strings.Builder
	p := &Process{
		Args:   args,
		In:     strings.NewReader(in),
		Out:    &out,
		Client: c,
	}
	code := c.server.Execute(p)
	return out.String(), code
}

func (c *Client) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// join waits for the client goroutine once. server.mu must be held.
func (c *Client) join() {
	if c.joined {
		return
	}
	<-c.done
	c.joined = true
}

func (c *Client) closeConn() {
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("Error closing connection: %v", err)
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.server.clientDone(c)

	c.setState(StateRunning)

	onConnect, _ := c.server.hooks()
	if onConnect != nil {
		onConnect(c)
		c.Send("\n" + c.GetEnv("PROMPT"))
	}

	c.readLoop()

	c.setState(StateClosing)
	if _, onDisconnect := c.server.hooks(); onDisconnect != nil {
		onDisconnect(c)
	}
	c.closeConn()
	c.setState(StateTerminated)

	c.log.Info("Client %d disconnected after %s", c.id, time.Since(c.since).Round(time.Millisecond))
}

func (c *Client) readLoop() {
	buf := make([]byte, consts.RecvBufferSize)
	for !c.exit.Load() {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.recvTimeout))

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.receive(buf[:n])
		}
		if err != nil {
			if socketutil.IsTimeout(err) {
				continue
			}
			switch {
			case errors.Is(err, io.EOF):
				c.log.Debug("Client %d disconnected (EOF)", c.id)
			case errors.Is(err, net.ErrClosed):
				c.log.Debug("Client %d connection closed", c.id)
			default:
				c.log.Warn("Client %d read error: %v", c.id, err)
			}
			return
		}
	}
}

// receive frames data into lines. A line longer than the receive buffer is
// executed as it is once the buffer fills up.
func (c *Client) receive(data []byte) {
	c.pending = append(c.pending, data...)

	for !c.exit.Load() {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := string(c.pending[:i+1])
		c.pending = c.pending[i+1:]
		c.parse(line)
	}

	if !c.exit.Load() && len(c.pending) >= consts.RecvBufferSize {
		line := string(c.pending)
		c.pending = nil
		c.parse(line)
	}
	if len(c.pending) == 0 || c.exit.Load() {
		c.pending = nil
	}
}

// parse executes one received line and answers with its output followed by
// the prompt. Empty lines only redraw the prompt.
func (c *Client) parse(raw string) {
	c.server.msink.IncrCounterWithLabels(MetricLineInBytes, float32(len(raw)), c.server.labels())

	line := evaluator.TrimNewline(raw)
	if strings.TrimSpace(line) == "" {
		c.Send(c.GetEnv("PROMPT"))
		return
	}

	out := c.Execute(line)
	status := c.eval.LastStatus()
	c.SetEnv("LAST_CMD", line)
	c.SetEnv("STATUS", strconv.Itoa(status))
	c.record(line, status)

	if c.exit.Load() {
		if out != "" {
			c.Send(out)
		}
		return
	}

	out = strings.TrimSuffix(out, "\n")
	c.Send(out + "\n" + c.GetEnv("PROMPT"))
}

func (c *Client) record(line string, status int) {
	store := c.server.history
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()

	err := store.Record(ctx, history.Entry{
		Session:  c.server.session,
		ClientID: c.id,
		Line:     line,
		Status:   status,
	})
	if err != nil {
		c.log.Warn("Failed to record history: %v", err)
		c.server.msink.IncrCounterWithLabels(MetricHistoryErrorCount, 1, c.server.labels())
	}
}
