package socketclient

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/sockshell/internal/socketserver"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, endpoint string, opts ...socketserver.Option) *socketserver.Server {
	t.Helper()
	opts = append([]socketserver.Option{
		socketserver.WithAcceptTimeout(50 * time.Millisecond),
		socketserver.WithRecvTimeout(50 * time.Millisecond),
		socketserver.WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)

	srv, err := socketserver.NewServer(opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Disconnect)

	srv.AddCommand("slow", func(p *socketserver.Process) int {
		time.Sleep(200 * time.Millisecond)
		p.Println("done")
		return socketserver.ExitSuccess
	})
	require.NoError(t, srv.Start(endpoint))
	return srv
}

func connect(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := NewClient(endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Connect(context.Background())
	require.NoError(t, err)
	return client
}

func TestClient_Execute(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	client := connect(t, srv.Endpoint().String())
	ctx := context.Background()

	assert.True(t, client.IsConnected())

	out, err := client.Execute(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = client.Execute(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	out, err = client.Execute(ctx, "slow | wc")
	require.NoError(t, err)
	assert.Equal(t, "4", out)

	out, err = client.Execute(ctx, "echo a\r\n")
	require.NoError(t, err)
	assert.Equal(t, "a", out)
}

func TestClient_Greeting(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	srv.AddConnectFunction(func(c *socketserver.Client) {
		c.Send("welcome to the shell")
	})

	client, err := NewClient(srv.Endpoint().String())
	require.NoError(t, err)
	defer client.Close()

	greeting, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "welcome to the shell", greeting)

	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestClient_PromptChange(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	client := connect(t, srv.Endpoint().String())
	ctx := context.Background()

	out, err := client.Execute(ctx, "set PROMPT $")
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, "$", client.Prompt())

	out, err = client.Execute(ctx, "echo x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	// an empty prompt falls back to settle-time framing
	out, err = client.Execute(ctx, "unset PROMPT")
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, "", client.Prompt())

	out, err = client.Execute(ctx, "echo y")
	require.NoError(t, err)
	assert.Equal(t, "y", out)

	_, err = client.Execute(ctx, "set PROMPT ?>")
	require.NoError(t, err)
	assert.Equal(t, "?>", client.Prompt())
}

func TestClient_OutputBeforeCommandFinishes(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	srv.AddCommand("progress", func(p *socketserver.Process) int {
		p.Client.Send("working...\n")
		time.Sleep(400 * time.Millisecond)
		p.Println("done")
		return socketserver.ExitSuccess
	})
	client := connect(t, srv.Endpoint().String())
	ctx := context.Background()

	out, err := client.Execute(ctx, "progress")
	require.NoError(t, err)
	assert.Equal(t, "working...\ndone", out)

	out, err = client.Execute(ctx, "echo second")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	// unprompted text is part of the next response
	assert.Equal(t, 1, srv.Broadcast("notice\n"))
	time.Sleep(400 * time.Millisecond)
	out, err = client.Execute(ctx, "echo third")
	require.NoError(t, err)
	assert.Equal(t, "notice\nthird", out)
}

func TestClient_DataAfterPromptIsKept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		for _, answer := range []string{"one\n?>\nnotice\n", "two\n?>"} {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			io.WriteString(conn, answer)
		}
		io.Copy(io.Discard, conn)
	}()

	config := DefaultConfig()
	config.Endpoint = ln.Addr().String()
	config.GreetingWait = 20 * time.Millisecond
	client, err := NewClientWithConfig(config)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Connect(context.Background())
	require.NoError(t, err)

	out, err := client.Execute(context.Background(), "first")
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	out, err = client.Execute(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "\nnotice\ntwo", out)
}

func TestPromptEnd(t *testing.T) {
	tests := []struct {
		data   string
		prompt string
		want   int
	}{
		{"?>", "?>", 2},
		{"out\n?>", "?>", 6},
		{"out\n?>\nlater\n", "?>", 6},
		{"a?>", "?>", -1},
		{"out\n", "?>", -1},
		{"out\n", "", -1},
		{"a\n?>b\n?>", "?>", 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, promptEnd([]byte(tt.data), tt.prompt), "%q", tt.data)
	}
}

func TestChangesPrompt(t *testing.T) {
	assert.True(t, changesPrompt("set PROMPT $"))
	assert.True(t, changesPrompt("  set PROMPT"))
	assert.True(t, changesPrompt("unset A PROMPT"))
	assert.False(t, changesPrompt("set PROMPTX a"))
	assert.False(t, changesPrompt("echo set PROMPT"))
	assert.False(t, changesPrompt("set"))
}

func TestClient_ExitClosesConnection(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	client := connect(t, srv.Endpoint().String())

	var (
		mu     sync.Mutex
		states []ConnectionState
	)
	client.SetStateChangedCallback(func(state ConnectionState, err error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	out, err := client.Execute(context.Background(), "exit")
	assert.Equal(t, "bye", out)
	assert.ErrorIs(t, err, io.EOF)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "read from", connErr.Op)

	assert.Equal(t, StateClosed, client.GetState())
	mu.Lock()
	assert.Equal(t, []ConnectionState{StateClosed}, states)
	mu.Unlock()

	_, err = client.Execute(context.Background(), "echo again")
	assert.ErrorIs(t, err, ErrNotConnected)

	// a closed client can connect again
	_, err = client.Connect(context.Background())
	require.NoError(t, err)
	out, err = client.Execute(context.Background(), "echo ${ID}")
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestClient_Rejected(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0", socketserver.WithMaxConnections(1))
	connect(t, srv.Endpoint().String())

	client, err := NewClient(srv.Endpoint().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StateClosed, client.GetState())
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client, err := NewClient(addr)
	require.NoError(t, err)

	_, err = client.Connect(context.Background())
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, addr, connErr.Endpoint)
	assert.Equal(t, StateDisconnected, client.GetState())
}

func TestClient_ReadTimeout(t *testing.T) {
	// accepts but never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	config := DefaultConfig()
	config.Endpoint = ln.Addr().String()
	config.GreetingWait = 20 * time.Millisecond
	config.ReadTimeout = 100 * time.Millisecond
	client, err := NewClientWithConfig(config)
	require.NoError(t, err)
	defer client.Close()

	greeting, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", greeting)

	_, err = client.Execute(context.Background(), "echo")
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Execute(ctx, "echo")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_WebSocket(t *testing.T) {
	srv := startServer(t, "ws://127.0.0.1:0/shell")
	client := connect(t, srv.Endpoint().String())

	out, err := client.Execute(context.Background(), "echo over websocket")
	require.NoError(t, err)
	assert.Equal(t, "over websocket", out)
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("127.0.0.1:1")
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), "echo")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, client.Close())

	_, err = NewClient("")
	assert.Error(t, err)
	_, err = NewClient("wss://example.com:1/x")
	assert.Error(t, err)
}
