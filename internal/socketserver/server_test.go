package socketserver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/sockshell/internal/history"
	"github.com/codefionn/sockshell/internal/socketutil"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 50 * time.Millisecond

func cmdSum(p *Process) int {
	total := 0
	for _, arg := range p.Args[1:] {
		n, err := strconv.Atoi(arg)
		if err != nil {
			p.Errorf("not a number: %s", arg)
			return ExitUsage
		}
		total += n
	}
	p.Println(total)
	return ExitSuccess
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithAcceptTimeout(testTimeout),
		WithRecvTimeout(testTimeout),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)

	srv, err := NewServer(opts...)
	require.NoError(t, err)
	srv.AddCommand("sum", cmdSum)
	t.Cleanup(srv.Disconnect)
	return srv
}

func startTCP(t *testing.T, srv *Server) socketutil.Endpoint {
	t.Helper()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	return srv.Endpoint()
}

func dial(t *testing.T, ep socketutil.Endpoint) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := socketutil.Dial(ctx, ep)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads until the received data ends with suffix
func readUntil(t *testing.T, conn net.Conn, suffix string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []byte
	chunk := make([]byte, 512)
	for !strings.HasSuffix(string(got), suffix) {
		n, err := conn.Read(chunk)
		got = append(got, chunk[:n]...)
		require.NoError(t, err, "received so far: %q", got)
	}
	return string(got)
}

// run sends line and returns the response up to and including the prompt
func run(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	_, err := io.WriteString(conn, line+"\n")
	require.NoError(t, err)
	return readUntil(t, conn, "?>")
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.ReadAll(conn)
	if err != nil {
		assert.True(t, errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "reset"), "got %v", err)
	}
}

func TestServer_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, startTCP(t, srv))

	assert.Equal(t, "6\n?>", run(t, conn, "sum 1 2 3"))
	assert.Equal(t, "\n?>", run(t, conn, "nope"))
	assert.Equal(t, "?>", run(t, conn, ""))
	assert.Equal(t, "?>", run(t, conn, "   "))
	assert.Equal(t, "sum: not a number: x\n?>", run(t, conn, "sum x"))
}

func TestServer_UnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "sockshell")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	socketPath := filepath.Join(dir, "shell.sock")

	srv := newTestServer(t, WithSocketMode(0600))
	require.NoError(t, srv.Start(socketPath))
	assert.Equal(t, socketutil.NetworkUnix, srv.Endpoint().Network)

	stat, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())

	conn := dial(t, srv.Endpoint())
	assert.Equal(t, "hi there\n?>", run(t, conn, "echo hi there"))
	assert.Equal(t, socketPath+"\n?>", run(t, conn, "echo ${SOCKET}"))

	srv.Disconnect()
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket file should be removed, stat err: %v", err)
}

func TestServer_PipelinesAndVariables(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, startTCP(t, srv))

	tests := []struct {
		line string
		want string
	}{
		{line: "set X hello", want: "\n?>"},
		{line: "echo ${X} | wc", want: "5\n?>"},
		{line: "echo $(sum 1 1) and ${X}", want: "2 and hello\n?>"},
		{line: "echo ${ID}", want: "1\n?>"},
		{line: "echo ${LAST_CMD}", want: "echo ${ID}\n?>"},
		{line: "echo \"a | b\" | wc", want: "5\n?>"},
		{line: "set X ${UNDEFINED}", want: "\n?>"},
		{line: "echo [${X}]", want: "[]\n?>"},
		{line: "echo ${broken", want: "${broken\n?>"},
		{line: "help | wc -l", want: strconv.Itoa(len(srv.Commands())) + "\n?>"},
		{line: "nope", want: "\n?>"},
		{line: "echo ${STATUS}", want: "127\n?>"},
		{line: "echo ${STATUS}", want: "0\n?>"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, run(t, conn, tt.line), "line %q", tt.line)
	}
}

func TestServer_LineFraming(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, startTCP(t, srv))

	t.Run("line split across writes", func(t *testing.T) {
		_, err := io.WriteString(conn, "sum 1")
		require.NoError(t, err)
		time.Sleep(2 * testTimeout)
		_, err = io.WriteString(conn, "0 5\r\n")
		require.NoError(t, err)
		assert.Equal(t, "15\n?>", readUntil(t, conn, "?>"))
	})

	t.Run("several lines in one write", func(t *testing.T) {
		_, err := io.WriteString(conn, "echo a\necho b\n")
		require.NoError(t, err)
		assert.Equal(t, "a\n?>b\n?>", readUntil(t, conn, "b\n?>"))
	})
}

func TestServer_ConnectAndDisconnectHooks(t *testing.T) {
	srv := newTestServer(t)

	states := make(chan State, 1)
	srv.AddConnectFunction(func(c *Client) {
		c.Send("welcome " + c.GetEnv("ID"))
	})
	srv.AddDisconnectFunction(func(c *Client) {
		states <- c.State()
	})

	conn := dial(t, startTCP(t, srv))
	assert.Equal(t, "welcome 1\n?>", readUntil(t, conn, "?>"))

	conn.Close()
	select {
	case st := <-states:
		assert.Equal(t, StateClosing, st)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook was not called")
	}
}

func TestServer_Disconnect(t *testing.T) {
	srv := newTestServer(t)
	ep := startTCP(t, srv)

	var disconnected atomic.Int32
	srv.AddDisconnectFunction(func(*Client) {
		disconnected.Add(1)
	})

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, ep)
		assert.Equal(t, strconv.Itoa(i+1)+"\n?>", run(t, conns[i], "echo ${ID}"))
	}
	assert.Equal(t, 3, srv.ClientCount())

	srv.Disconnect()
	assert.Equal(t, 0, srv.ClientCount())
	assert.Equal(t, int32(3), disconnected.Load())
	for _, conn := range conns {
		expectEOF(t, conn)
	}

	start := time.Now()
	srv.Disconnect()
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, srv.Start("127.0.0.1:0"), ErrServerClosed)
}

func TestServer_DisconnectBeforeStart(t *testing.T) {
	srv := newTestServer(t)
	srv.Disconnect()
	srv.Disconnect()
	assert.ErrorIs(t, srv.Start("127.0.0.1:0"), ErrServerClosed)
	assert.Equal(t, 0, srv.ClientCount())
}

func TestServer_StartErrors(t *testing.T) {
	srv := newTestServer(t)
	ep := startTCP(t, srv)
	assert.ErrorIs(t, srv.Start("127.0.0.1:0"), ErrAlreadyRunning)

	other := newTestServer(t)
	assert.Error(t, other.Start(ep.Address))
	assert.ErrorIs(t, other.Start("wss://localhost:1/x"), socketutil.ErrUnsupportedEndpoint)
}

func TestServer_ConnectionLimit(t *testing.T) {
	srv := newTestServer(t, WithMaxConnections(1))
	ep := startTCP(t, srv)

	first := dial(t, ep)
	assert.Equal(t, "1\n?>", run(t, first, "echo ${ID}"))

	second := dial(t, ep)
	assert.Equal(t, "connection limit reached\n", readUntil(t, second, "\n"))
	expectEOF(t, second)

	_, err := io.WriteString(first, "exit\n")
	require.NoError(t, err)
	assert.Equal(t, "bye\n", readUntil(t, first, "bye\n"))
	expectEOF(t, first)

	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	third := dial(t, ep)
	assert.Equal(t, "2\n?>", run(t, third, "echo ${ID}"))
}

func TestServer_CommandPanicIsRecovered(t *testing.T) {
	srv := newTestServer(t)
	srv.AddCommand("boom", func(p *Process) int {
		panic("kaboom")
	})
	conn := dial(t, startTCP(t, srv))

	assert.Equal(t, "boom: kaboom\n?>", run(t, conn, "boom"))
	assert.Equal(t, "1\n?>", run(t, conn, "echo ${STATUS}"))
	assert.Equal(t, "6\n?>", run(t, conn, "sum 3 3"))
}

func TestServer_DefaultCommand(t *testing.T) {
	srv := newTestServer(t)
	srv.AddDefault(func(p *Process) int {
		p.Printf("%s: command not found\n", p.Name())
		return ExitSuccess
	})
	conn := dial(t, startTCP(t, srv))

	assert.Equal(t, "frob: command not found\n?>", run(t, conn, "frob 1"))
	assert.Equal(t, "127\n?>", run(t, conn, "echo ${STATUS}"))
}

func TestServer_DefaultCommandMetricLabel(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	srv := newTestServer(t, WithMetricSink(sink))
	srv.AddDefault(func(p *Process) int {
		return ExitSuccess
	})
	conn := dial(t, startTCP(t, srv))

	run(t, conn, "frob")
	run(t, conn, "grok")

	data := sink.Data()
	require.NotEmpty(t, data)
	interval := data[len(data)-1]
	interval.RLock()
	defer interval.RUnlock()

	var defaults float64
	for key, v := range interval.Counters {
		if !strings.HasPrefix(key, "sockshell.command.count") {
			continue
		}
		assert.NotContains(t, key, "frob")
		assert.NotContains(t, key, "grok")
		if strings.Contains(key, "command="+defaultCommandLabel) {
			defaults += float64(v.Sum)
		}
	}
	assert.Equal(t, 2.0, defaults)
}

func TestServer_AddCommandWhileRunning(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, startTCP(t, srv))

	assert.Equal(t, "\n?>", run(t, conn, "late"))
	srv.AddCommand("late", func(p *Process) int {
		p.Println("here")
		return ExitSuccess
	})
	assert.Equal(t, "here\n?>", run(t, conn, "late"))

	srv.RemoveCommand("late")
	assert.Equal(t, "\n?>", run(t, conn, "late"))
}

func TestServer_EnvironmentTemplate(t *testing.T) {
	srv := newTestServer(t, WithPrompt("$ "))
	srv.SetEnv("GREETING", "hello")
	assert.Equal(t, "hello", srv.GetVar("GREETING"))
	ep := startTCP(t, srv)

	first := dial(t, ep)
	_, err := io.WriteString(first, "echo ${GREETING}\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n$ ", readUntil(t, first, "$ "))

	srv.SetEnv("GREETING", "changed")
	srv.UnsetEnv("PROMPT")
	assert.Equal(t, "", srv.GetVar("PROMPT"))

	_, err = io.WriteString(first, "echo ${GREETING}\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n$ ", readUntil(t, first, "$ "))

	second := dial(t, ep)
	_, err = io.WriteString(second, "echo ${GREETING}\n")
	require.NoError(t, err)
	assert.Equal(t, "changed\n", readUntil(t, second, "\n"))

	env := srv.Env()
	env["GREETING"] = "mutated"
	assert.Equal(t, "changed", srv.GetVar("GREETING"))
}

func TestServer_Builtins(t *testing.T) {
	srv := newTestServer(t)
	ep := startTCP(t, srv)
	conn := dial(t, ep)

	env := run(t, conn, "env")
	assert.Contains(t, env, "PROMPT=?>\n")
	assert.Contains(t, env, "ID=1\n")
	assert.Contains(t, env, "SOCKET="+ep.String()+"\n")

	assert.Equal(t, "\n?>", run(t, conn, "set NAME a  b"))
	assert.Equal(t, "a b\n?>", run(t, conn, "echo ${NAME}"))
	assert.Equal(t, "\n?>", run(t, conn, "unset NAME"))
	assert.Equal(t, "\n?>", run(t, conn, "echo ${NAME}"))
	assert.Equal(t, "set: usage: set NAME [VALUE...]\n?>", run(t, conn, "set"))
	assert.Equal(t, "2\n?>", run(t, conn, "echo ${STATUS}"))

	help := run(t, conn, "help")
	for _, name := range []string{"echo", "env", "exit", "help", "set", "sum", "unset", "wc"} {
		assert.Contains(t, help, name+"\n")
	}
	assert.NotContains(t, help, "history")

	assert.Equal(t, "3\n?>", run(t, conn, "echo abc | wc"))
	assert.Equal(t, "1\n?>", run(t, conn, "echo abc | wc -l"))
	assert.Equal(t, "0\n?>", run(t, conn, "wc -l"))
	assert.Equal(t, "wc: usage: wc [-l]\n?>", run(t, conn, "wc -x"))

	_, err := io.WriteString(conn, "exit\necho ignored\n")
	require.NoError(t, err)
	assert.Equal(t, "bye\n", readUntil(t, conn, "bye\n"))
	expectEOF(t, conn)
}

func TestServer_WithoutBuiltins(t *testing.T) {
	srv := newTestServer(t, WithBuiltins(false))
	assert.Equal(t, []string{"sum"}, srv.Commands())
}

func TestServer_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"accept timeout":  WithAcceptTimeout(0),
		"recv timeout":    WithRecvTimeout(-time.Second),
		"max connections": WithMaxConnections(-1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewServer(opt)
			assert.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}

func TestServer_WebSocket(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start("ws://127.0.0.1:0/shell"))
	ep := srv.Endpoint()
	assert.Equal(t, socketutil.NetworkWebSocket, ep.Network)
	assert.Equal(t, "/shell", ep.Path)

	conn := dial(t, ep)
	assert.Equal(t, "6\n?>", run(t, conn, "sum 1 2 3"))
	time.Sleep(3 * testTimeout)
	assert.Equal(t, "ws://"+ep.Address+"/shell\n?>", run(t, conn, "echo ${SOCKET}"))

	srv.Disconnect()
	expectEOF(t, conn)
}

func TestServer_Broadcast(t *testing.T) {
	srv := newTestServer(t)
	ep := startTCP(t, srv)

	a, b := dial(t, ep), dial(t, ep)
	run(t, a, "")
	run(t, b, "")

	assert.Equal(t, 2, srv.Broadcast("shutting down\n"))
	assert.Equal(t, "shutting down\n", readUntil(t, a, "\n"))
	assert.Equal(t, "shutting down\n", readUntil(t, b, "\n"))
}

func TestServer_History(t *testing.T) {
	store, err := history.Open(history.MemoryPath)
	require.NoError(t, err)
	defer store.Close()

	srv := newTestServer(t, WithHistory(store))
	ep := startTCP(t, srv)

	first := dial(t, ep)
	run(t, first, "sum 1 2")
	run(t, first, "sum 1 2")
	run(t, first, "nope")
	run(t, first, "")

	second := dial(t, ep)
	run(t, second, "echo other")

	assert.Equal(t, "   1  sum 1 2\n   2  nope\n?>", run(t, first, "history"))
	assert.Equal(t, "   1  nope\n   2  history\n?>", run(t, first, "history 2"))
	assert.Equal(t, "history: usage: history [-a] [N]\n?>", run(t, first, "history x"))

	all := run(t, second, "history -a")
	assert.Contains(t, all, "#1  sum 1 2\n")
	assert.Contains(t, all, "#2  echo other\n")

	entries, err := store.List(context.Background(), history.Query{Session: srv.Session(), ClientID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, 127, entries[1].Status)
}

func TestServer_Metrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	srv := newTestServer(t,
		WithMetricSink(sink),
		WithMetricLabels([]metrics.Label{{Name: "instance", Value: "test"}}),
	)
	srv.AddCommand("boom", func(p *Process) int { panic("x") })
	conn := dial(t, startTCP(t, srv))

	run(t, conn, "sum 1")
	run(t, conn, "nope")
	run(t, conn, "boom")
	conn.Close()
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	data := sink.Data()
	require.NotEmpty(t, data)
	interval := data[len(data)-1]
	interval.RLock()
	defer interval.RUnlock()

	counted := func(prefix string) float64 {
		var total float64
		for key, v := range interval.Counters {
			if strings.HasPrefix(key, prefix) {
				total += float64(v.Sum)
			}
		}
		return total
	}

	assert.Equal(t, 1.0, counted("sockshell.client.accepted.count"))
	assert.Equal(t, 1.0, counted("sockshell.client.closed.count"))
	assert.Equal(t, 2.0, counted("sockshell.command.count"))
	assert.Equal(t, 1.0, counted("sockshell.command.unknown.count"))
	assert.Equal(t, 1.0, counted("sockshell.command.panic.count"))

	for key := range interval.Counters {
		if strings.HasPrefix(key, "sockshell.command.count") && strings.Contains(key, "command=sum") {
			assert.Contains(t, key, "instance=test")
			assert.Contains(t, key, "network=tcp")
		}
	}
}
