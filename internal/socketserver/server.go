package socketserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/codefionn/sockshell/internal/socketutil"
	"github.com/hashicorp/go-metrics"
)

var (
	// ErrAlreadyRunning is returned by Start on a server that is listening
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrServerClosed is returned by Start after Disconnect
	ErrServerClosed = errors.New("server has been disconnected")
)

// Server represents the shell server: a listener, the live clients, the
// command registry and the environment every new client starts with.
type Server struct {
	log          *logger.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	history      HistoryStore
	session      string

	acceptTimeout time.Duration
	recvTimeout   time.Duration
	maxConns      int
	socketMode    os.FileMode
	builtins      bool

	// Registry
	regMu        sync.RWMutex
	commands     map[string]CommandFunc
	fallback     CommandFunc
	onConnect    func(*Client)
	onDisconnect func(*Client)

	// Default environment
	envMu sync.RWMutex
	env   map[string]string

	// Lifecycle
	lifeMu     sync.Mutex
	listener   socketutil.Listener
	endpoint   socketutil.Endpoint
	stopping   atomic.Bool
	stopOnce   sync.Once
	acceptDone chan struct{}

	// Connection tracking
	mu      sync.Mutex
	clients []*Client
	nextID  int
	active  atomic.Int64
}

// NewServer creates a server with the builtin commands registered and
// PROMPT set to consts.DefaultPrompt.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		log:           logger.Global().WithPrefix("shell"),
		msink:         metrics.Default(),
		acceptTimeout: consts.AcceptTimeout,
		recvTimeout:   consts.RecvTimeout,
		builtins:      true,
		commands:      make(map[string]CommandFunc),
		env:           map[string]string{"PROMPT": consts.DefaultPrompt},
		session:       fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano()),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.builtins {
		registerBuiltins(s)
	}
	return s, nil
}

// AddCommand registers fn under name, replacing an existing command.
// Commands may be added while the server is running.
func (s *Server) AddCommand(name string, fn CommandFunc) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.commands[name] = fn
}

// RemoveCommand unregisters name
func (s *Server) RemoveCommand(name string) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	delete(s.commands, name)
}

// AddDefault registers fn to run for unknown commands. Its output is used,
// but the stage still reports ExitNotFound.
func (s *Server) AddDefault(fn CommandFunc) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.fallback = fn
}

// AddConnectFunction registers a hook run on the client's goroutine before
// it reads its first line. The prompt is sent after the hook returns.
func (s *Server) AddConnectFunction(fn func(*Client)) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.onConnect = fn
}

// AddDisconnectFunction registers a hook run on the client's goroutine after
// its loop ends and before the connection is closed.
func (s *Server) AddDisconnectFunction(fn func(*Client)) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.onDisconnect = fn
}

func (s *Server) hooks() (connect, disconnect func(*Client)) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.onConnect, s.onDisconnect
}

// Commands returns the registered command names, sorted
func (s *Server) Commands() []string {
	s.regMu.RLock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	s.regMu.RUnlock()

	sort.Strings(names)
	return names
}

// SetEnv sets name in the environment copied into clients that connect
// later. Clients already connected keep their own copy.
func (s *Server) SetEnv(name, value string) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	s.env[name] = value
}

// UnsetEnv removes name from the default environment
func (s *Server) UnsetEnv(name string) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	delete(s.env, name)
}

// GetVar returns name from the default environment, or "" when unset
func (s *Server) GetVar(name string) string {
	s.envMu.RLock()
	defer s.envMu.RUnlock()
	return s.env[name]
}

// Env returns a copy of the default environment
func (s *Server) Env() map[string]string {
	s.envMu.RLock()
	defer s.envMu.RUnlock()

	env := make(map[string]string, len(s.env)+2)
	for k, v := range s.env {
		env[k] = v
	}
	return env
}

// Session identifies this server run in the history
func (s *Server) Session() string {
	return s.session
}

// Endpoint returns the address the server listens on, with the port or
// socket path resolved. It is the zero Endpoint before Start.
func (s *Server) Endpoint() socketutil.Endpoint {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.endpoint
}

func (s *Server) network() socketutil.Network {
	return s.Endpoint().Network
}

// ClientCount returns the number of clients whose loop has not ended yet.
// It takes no lock the shutdown path holds, so hooks and commands may call it.
func (s *Server) ClientCount() int {
	return int(s.active.Load())
}

// Start parses endpoint, binds it and starts the accept loop in the
// background. A Unix socket path is replaced if a file already exists there.
func (s *Server) Start(endpoint string) error {
	ep, err := socketutil.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.stopping.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return ErrAlreadyRunning
	}

	ln, err := socketutil.Listen(ep, socketutil.ListenOptions{
		FileMode: s.socketMode,
		Logger:   s.log,
	})
	if err != nil {
		return fmt.Errorf("failed to start shell server on %s: %w", endpoint, err)
	}

	s.listener = ln
	s.endpoint = ep.Bound(ln.Addr())
	s.acceptDone = make(chan struct{})

	go s.acceptLoop(ln, s.endpoint)

	s.log.Info("Shell server started on %s (max connections: %s)", s.endpoint, s.describeLimit())
	return nil
}

func (s *Server) describeLimit() string {
	if s.maxConns == 0 {
		return "unlimited"
	}
	return strconv.Itoa(s.maxConns)
}

// Disconnect stops accepting, asks every client to stop, closes their
// connections and waits until all of them and the accept loop have ended.
// Calling it again is harmless. Called before Start it closes the server
// for good, and Start then returns ErrServerClosed. It must not be called
// from a command or hook, because it waits for the calling client.
func (s *Server) Disconnect() {
	s.lifeMu.Lock()
	s.stopping.Store(true)
	ln, done := s.listener, s.acceptDone
	s.lifeMu.Unlock()

	if ln == nil {
		return
	}

	s.stopOnce.Do(func() {
		s.log.Info("Stopping shell server on %s...", s.Endpoint())
		// Wake the accept loop immediately rather than at its next deadline
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("Error closing listener: %v", err)
		}
	})

	<-done
}

// Broadcast sends text to every live client. Like Disconnect it must not be
// called from a command or hook.
func (s *Server) Broadcast(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for _, c := range s.clients {
		if c.finished() {
			continue
		}
		if err := c.Send(text); err == nil {
			sent++
		}
	}

	s.msink.IncrCounterWithLabels(MetricBroadcastOutBytes, float32(len(text)*sent), s.labels())
	return sent
}

func (s *Server) acceptLoop(ln socketutil.Listener, ep socketutil.Endpoint) {
	defer close(s.acceptDone)

	for !s.stopping.Load() {
		if err := ln.SetDeadline(time.Now().Add(s.acceptTimeout)); err != nil {
			s.log.Debug("Failed to set accept deadline: %v", err)
		}

		conn, err := ln.Accept()
		if err != nil {
			if socketutil.IsTimeout(err) {
				continue
			}
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("Error accepting connection: %v", err)
			s.msink.IncrCounterWithLabels(MetricAcceptErrorCount, 1, s.labels())
			continue
		}

		s.admit(conn, ep)
	}

	s.stopping.Store(true)
	s.shutdownClients()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("Error closing listener: %v", err)
	}
	if ep.Network == socketutil.NetworkUnix {
		if err := os.Remove(ep.Address); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove socket file %s: %v", ep.Address, err)
		}
	}

	s.log.Info("Shell server on %s stopped", ep)
}

// admit registers and starts a client for conn, or refuses it when the
// connection limit is reached. Finished clients are swept first.
func (s *Server) admit(conn net.Conn, ep socketutil.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	if s.maxConns > 0 && s.ClientCount() >= s.maxConns {
		s.log.Warn("Connection limit reached (%d), rejecting %s", s.maxConns, conn.RemoteAddr())
		s.msink.IncrCounterWithLabels(MetricClientRejectedCount, 1, s.labels(LabelReason.M("limit")))

		_ = conn.SetWriteDeadline(time.Now().Add(consts.WriteTimeout))
		_, _ = io.WriteString(conn, "connection limit reached\n")
		conn.Close()
		return
	}

	s.nextID++
	env := s.Env()
	env["ID"] = strconv.Itoa(s.nextID)
	env["SOCKET"] = ep.String()

	c := newClient(s, s.nextID, conn, env)
	s.clients = append(s.clients, c)
	s.active.Add(1)

	s.log.Info("Client %d connected from %s", c.id, describeAddr(conn.RemoteAddr()))
	s.msink.IncrCounterWithLabels(MetricClientAcceptedCount, 1, s.labels())
	s.msink.SetGaugeWithLabels(MetricClientActive, float32(s.active.Load()), s.labels())

	go c.run()
}

// sweepLocked joins and drops clients whose loop has ended. s.mu must be held.
func (s *Server) sweepLocked() {
	live := s.clients[:0]
	for _, c := range s.clients {
		if c.finished() {
			c.join()
			continue
		}
		live = append(live, c)
	}
	clear(s.clients[len(live):])
	s.clients = live
}

func (s *Server) shutdownClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.Close()
		c.closeConn()
	}
	for _, c := range s.clients {
		c.join()
	}

	if n := len(s.clients); n > 0 {
		s.log.Info("Disconnected %d client(s)", n)
	}
	s.clients = nil
}

// clientDone is called by a client goroutine when its loop has ended
func (s *Server) clientDone(c *Client) {
	n := s.active.Add(-1)
	s.msink.IncrCounterWithLabels(MetricClientClosedCount, 1, s.labels())
	s.msink.SetGaugeWithLabels(MetricClientActive, float32(n), s.labels())
}

// Execute runs the command named by p.Args[0]. A panicking command is
// recovered: its message becomes the stage output and the stage reports
// ExitFailure. Unknown commands report ExitNotFound after running the
// default command, if one is registered.
func (s *Server) Execute(p *Process) int {
	name := p.Name()
	if name == "" {
		return ExitSuccess
	}

	s.regMu.RLock()
	fn, ok := s.commands[name]
	fallback := s.fallback
	s.regMu.RUnlock()

	if !ok {
		s.msink.IncrCounterWithLabels(MetricCommandUnknownCount, 1, s.labels())
		if fallback != nil {
			s.run(defaultCommandLabel, fallback, p)
		}
		return ExitNotFound
	}

	return s.run(name, fn, p)
}

// run times fn under the metric label name
func (s *Server) run(name string, fn CommandFunc, p *Process) (code int) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Command %s panicked: %v", p.Name(), r)
			s.msink.IncrCounterWithLabels(MetricCommandPanicCount, 1, s.labels(LabelCommand.M(name)))
			p.Errorf("%v", r)
			code = ExitFailure
		}

		labels := s.labels(LabelCommand.M(name), LabelStatus.M(strconv.Itoa(code)))
		s.msink.IncrCounterWithLabels(MetricCommandCount, 1, labels)
		s.msink.AddSampleWithLabels(MetricCommandDurationMs, float32(time.Since(start).Milliseconds()), labels)
	}()

	return fn(p)
}

func describeAddr(addr net.Addr) string {
	if addr == nil || addr.String() == "" {
		return "local peer"
	}
	return addr.String()
}
