package socketclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/socketutil"
)

// ConnectionState represents the current state of the shell connection
type ConnectionState int

const (
	// StateDisconnected indicates the client is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the client is dialing and reading the greeting
	StateConnecting
	// StateConnected indicates lines can be executed
	StateConnected
	// StateClosed indicates the client or the server ended the connection
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rejectionNotice is what a server at its connection limit sends before
// closing
const rejectionNotice = "connection limit reached"

var (
	// ErrNotConnected is returned when executing without a connection
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a connected client
	ErrAlreadyConnected = errors.New("already connected")
	// ErrRejected is returned by Connect when the server refused the connection
	ErrRejected = errors.New("connection rejected by server")
)

// ConnectionError wraps a transport failure with the endpoint and operation
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Config holds client configuration
type Config struct {
	// Endpoint is a socket path, host:port or ws:// URL
	Endpoint string
	// Prompt marks the end of a response
	Prompt string
	// ConnectTimeout is the timeout for dialing
	ConnectTimeout time.Duration
	// GreetingWait is how long Connect waits for a banner
	GreetingWait time.Duration
	// ReadTimeout bounds how long a response may take
	ReadTimeout time.Duration
	// WriteTimeout bounds each write
	WriteTimeout time.Duration
	// SettleTime ends a response once no more data arrived for this long,
	// but only while the prompt is unknown: during the greeting, after a
	// line that changes PROMPT, or when the prompt is empty
	SettleTime time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Prompt:         consts.DefaultPrompt,
		ConnectTimeout: consts.Timeout10Seconds,
		GreetingWait:   300 * time.Millisecond,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   consts.WriteTimeout,
		SettleTime:     250 * time.Millisecond,
	}
}

// pollInterval bounds each read so context cancellation is noticed
const pollInterval = 50 * time.Millisecond

// Client executes lines on a shell server. Execute calls are serialized.
type Client struct {
	config   *Config
	endpoint socketutil.Endpoint

	mu      sync.Mutex // serializes requests
	pending []byte

	connMu sync.RWMutex
	conn   net.Conn
	prompt string

	state                atomic.Int32
	stateChangedCallback atomic.Value // func(ConnectionState, error)
}

// NewClient creates a client for endpoint with the default configuration
func NewClient(endpoint string) (*Client, error) {
	config := DefaultConfig()
	config.Endpoint = endpoint
	return NewClientWithConfig(config)
}

// NewClientWithConfig creates a client with custom configuration
func NewClientWithConfig(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	ep, err := socketutil.ParseEndpoint(expandPath(config.Endpoint))
	if err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	cfg := *config
	if cfg.Prompt == "" {
		cfg.Prompt = defaults.Prompt
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = defaults.SettleTime
	}

	c := &Client{
		config:   &cfg,
		endpoint: ep,
		prompt:   cfg.Prompt,
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// expandPath expands ~ to the home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}

// Endpoint returns the endpoint the client dials
func (c *Client) Endpoint() socketutil.Endpoint {
	return c.endpoint
}

// Connect dials the server and returns the greeting it sends, without the
// trailing prompt. A server without a greeting yields "".
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.GetState() {
	case StateConnecting, StateConnected:
		return "", ErrAlreadyConnected
	}
	c.setState(StateConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := socketutil.Dial(dialCtx, c.endpoint)
	if err != nil {
		err = &ConnectionError{Endpoint: c.endpoint.String(), Op: "connect to", Err: err}
		c.setState(StateDisconnected, err)
		return "", err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.pending = nil

	greeting, err := c.readResponse(ctx, readOptions{
		wait:    c.config.GreetingWait,
		quietOK: true,
		settle:  true,
	})
	if strings.HasPrefix(greeting, rejectionNotice) {
		err = fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(greeting))
	}
	if err != nil {
		c.shutdown(err)
		return "", err
	}

	c.setState(StateConnected, nil)
	return c.trimResponse(greeting), nil
}

// Execute sends line and returns the server's answer without the prompt.
// When the server closes the connection after answering, as it does for
// exit, the answer is returned together with an error wrapping io.EOF.
//
// A line that sets or unsets PROMPT is answered with the new prompt, which
// is learned from the end of that answer.
func (c *Client) Execute(ctx context.Context, line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line = strings.TrimRight(line, "\r\n")
	if err := c.write(line + "\n"); err != nil {
		return "", err
	}

	changes := changesPrompt(line)
	resp, err := c.readResponse(ctx, readOptions{
		wait:           c.config.ReadTimeout,
		settle:         changes || c.Prompt() == "",
		promptChanging: changes,
	})
	if changes && err == nil {
		c.learnPrompt(resp)
	}
	return c.trimResponse(resp), err
}

// changesPrompt reports whether line sets or unsets PROMPT
func changesPrompt(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	switch fields[0] {
	case "set":
		return fields[1] == "PROMPT"
	case "unset":
		return slices.Contains(fields[1:], "PROMPT")
	}
	return false
}

// learnPrompt takes the text after the last newline of resp as the prompt
func (c *Client) learnPrompt(resp string) {
	prompt := resp[strings.LastIndexByte(resp, '\n')+1:]
	c.SetPrompt(prompt)
}

// Send writes text as is, without waiting for an answer
func (c *Client) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(text)
}

// ReadUntilPrompt returns everything received until the prompt, waiting at
// most timeout. Use it after Send.
func (c *Client) ReadUntilPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.readResponse(ctx, readOptions{
		wait:   timeout,
		settle: c.Prompt() == "",
	})
	return c.trimResponse(resp), err
}

// Prompt returns the prompt that terminates responses
func (c *Client) Prompt() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.prompt
}

// SetPrompt changes the prompt that terminates responses, e.g. after
// PROMPT was changed on the server
func (c *Client) SetPrompt(prompt string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.prompt = prompt
}

// Close closes the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	c.setState(StateClosed, nil)
	return conn.Close()
}

// IsConnected returns true if lines can be executed
func (c *Client) IsConnected() bool {
	return c.GetState() == StateConnected
}

// GetState returns the current connection state
func (c *Client) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetStateChangedCallback registers fn to be called on every state change.
// err is set when the change was caused by a failure.
func (c *Client) SetStateChangedCallback(fn func(ConnectionState, error)) {
	c.stateChangedCallback.Store(fn)
}

func (c *Client) setState(state ConnectionState, err error) {
	old := ConnectionState(c.state.Swap(int32(state)))
	if old == state {
		return
	}
	if fn, ok := c.stateChangedCallback.Load().(func(ConnectionState, error)); ok && fn != nil {
		fn(state, err)
	}
}

func (c *Client) getConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// shutdown closes the connection after a transport failure
func (c *Client) shutdown(cause error) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(StateClosed, cause)
}

func (c *Client) write(text string) error {
	conn := c.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if _, err := io.WriteString(conn, text); err != nil {
		err = &ConnectionError{Endpoint: c.endpoint.String(), Op: "write to", Err: err}
		c.shutdown(err)
		return err
	}
	return nil
}

type readOptions struct {
	// wait bounds the whole response
	wait time.Duration
	// quietOK returns what arrived instead of an error once wait runs out
	quietOK bool
	// settle also ends the response once no data arrived for SettleTime
	settle bool
	// promptChanging ignores the known prompt, the server answers with a
	// new one
	promptChanging bool
}

// readResponse collects data up to and including the prompt. Data received
// after the prompt is kept for the next read.
func (c *Client) readResponse(ctx context.Context, opts readOptions) (string, error) {
	conn := c.getConn()
	if conn == nil {
		return "", ErrNotConnected
	}

	prompt := c.Prompt()
	deadline := time.Now().Add(opts.wait)
	lastData := time.Now()
	chunk := make([]byte, consts.RecvBufferSize)

	take := func(n int) string {
		out := string(c.pending[:n])
		c.pending = c.pending[n:]
		if len(c.pending) == 0 {
			c.pending = nil
		}
		return out
	}

	for {
		if !opts.promptChanging {
			if end := promptEnd(c.pending, prompt); end >= 0 {
				return take(end), nil
			}
		}

		now := time.Now()
		if opts.settle && len(c.pending) > 0 && now.Sub(lastData) >= c.config.SettleTime {
			return take(len(c.pending)), nil
		}
		if !now.Before(deadline) {
			if opts.quietOK {
				return take(len(c.pending)), nil
			}
			return take(len(c.pending)), &ConnectionError{Endpoint: c.endpoint.String(), Op: "read from", Err: os.ErrDeadlineExceeded}
		}
		if err := ctx.Err(); err != nil {
			return take(len(c.pending)), err
		}

		next := now.Add(pollInterval)
		if next.After(deadline) {
			next = deadline
		}
		_ = conn.SetReadDeadline(next)

		n, err := conn.Read(chunk)
		if n > 0 {
			c.pending = append(c.pending, chunk[:n]...)
			lastData = time.Now()
		}
		if err != nil {
			if socketutil.IsTimeout(err) {
				continue
			}
			err = &ConnectionError{Endpoint: c.endpoint.String(), Op: "read from", Err: err}
			c.shutdown(err)
			return take(len(c.pending)), err
		}
	}
}

// promptEnd returns the length of the leading part of data that ends with
// the last prompt starting a line, or -1 when there is none
func promptEnd(data []byte, prompt string) int {
	if prompt == "" {
		return -1
	}
	p := []byte(prompt)
	for i := len(data) - len(p); i >= 0; i-- {
		if (i == 0 || data[i-1] == '\n') && bytes.HasPrefix(data[i:], p) {
			return i + len(p)
		}
	}
	return -1
}

// trimResponse removes the prompt and the newline the server puts before it
func (c *Client) trimResponse(resp string) string {
	resp = strings.TrimSuffix(resp, c.Prompt())
	return strings.TrimSuffix(resp, "\n")
}
