package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/sockshell/internal/config"
	"github.com/codefionn/sockshell/internal/socketclient"
	"github.com/codefionn/sockshell/internal/socketserver"
	"github.com/codefionn/sockshell/internal/socketutil"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *socketserver.Server {
	t.Helper()
	srv, err := socketserver.NewServer(
		socketserver.WithAcceptTimeout(50*time.Millisecond),
		socketserver.WithRecvTimeout(50*time.Millisecond),
		socketserver.WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	t.Cleanup(srv.Disconnect)
	return srv
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"-endpoint", "127.0.0.1:0", "-max-connections", "0", "-no-history"})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.MaxConnections = 5
	flags.apply(cfg)

	assert.Equal(t, "127.0.0.1:0", cfg.Endpoint)
	assert.Equal(t, 0, cfg.MaxConnections)
	assert.Equal(t, "", cfg.HistoryPath)
	assert.Equal(t, config.DefaultConfig().Prompt, cfg.Prompt)

	flags, err = parseFlags(nil)
	require.NoError(t, err)
	cfg = config.DefaultConfig()
	cfg.MaxConnections = 5
	flags.apply(cfg)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.NotEmpty(t, cfg.HistoryPath)

	_, err = parseFlags([]string{"stray"})
	assert.Error(t, err)
}

func TestReloader(t *testing.T) {
	srv := newTestServer(t)
	b := newBanner("hello\n")
	assert.Equal(t, "hello", b.get())

	prev := config.DefaultConfig()
	prev.Env = map[string]string{"KEEP": "1", "DROP": "x", "CHANGE": "old"}
	for name, value := range prev.Env {
		srv.SetEnv(name, value)
	}

	next := config.DefaultConfig()
	next.Prompt = "$"
	next.Banner = "welcome"
	next.Env = map[string]string{"KEEP": "1", "CHANGE": "new", "ADD": "y"}

	newReloader(srv, b, &daemonFlags{maxConnections: -1}, prev).apply(next)

	assert.Equal(t, "$", srv.GetVar("PROMPT"))
	assert.Equal(t, "welcome", b.get())

	env := srv.Env()
	assert.Equal(t, "1", env["KEEP"])
	assert.Equal(t, "new", env["CHANGE"])
	assert.Equal(t, "y", env["ADD"])
	assert.NotContains(t, env, "DROP")
}

func TestReloader_FlagsWin(t *testing.T) {
	srv := newTestServer(t)
	prev := config.DefaultConfig()
	prev.Prompt = "flag>"

	next := config.DefaultConfig()
	next.Prompt = "file>"

	newReloader(srv, newBanner(""), &daemonFlags{prompt: "flag>", maxConnections: -1}, prev).apply(next)
	assert.Equal(t, "flag>", next.Prompt)
	assert.Equal(t, config.DefaultConfig().Prompt, srv.GetVar("PROMPT"))
}

func TestRestartFields(t *testing.T) {
	prev := config.DefaultConfig()
	next := config.DefaultConfig()
	assert.Empty(t, restartFields(prev, next))

	next.Endpoint = "127.0.0.1:1"
	next.Sandbox = true
	assert.Equal(t, []string{"endpoint", "sandbox"}, restartFields(prev, next))
}

func TestBannerAndCommandsOverSocket(t *testing.T) {
	srv := newTestServer(t)
	registerCommands(srv, time.Now())
	b := newBanner("sockshell test")
	srv.AddConnectFunction(b.send)
	require.NoError(t, srv.Start("127.0.0.1:0"))

	client, err := socketclient.NewClient(srv.Endpoint().String())
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	greeting, err := client.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sockshell test", greeting)

	out, err := client.Execute(ctx, "sum 1 2 3")
	require.NoError(t, err)
	assert.Equal(t, "6", out)

	out, err = client.Execute(ctx, "echo b a c | rev | upper")
	require.NoError(t, err)
	assert.Equal(t, "C A B", out)

	out, err = client.Execute(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	out, err = client.Execute(ctx, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "client 1 from 127.0.0.1:")
}

func TestSandboxConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.HistoryPath = filepath.Join(dir, "db", "history.db")
	cfg.LogPath = "-"
	cfg.SandboxPaths = []string{"/opt/data"}

	ep, err := socketutil.ParseEndpoint(filepath.Join(dir, "run", "shell.sock"))
	require.NoError(t, err)

	sc := sandboxConfig(cfg, filepath.Join(dir, "conf", "config.json"), ep)
	assert.Equal(t, []string{filepath.Join(dir, "conf"), "/opt/data"}, sc.ReadOnlyPaths)
	assert.Contains(t, sc.ReadWritePaths, filepath.Join(dir, "run"))
	assert.Contains(t, sc.ReadWritePaths, filepath.Join(dir, "db"))
	assert.Contains(t, sc.ReadWritePaths, config.StateDir())
	assert.True(t, sc.BestEffort)
}
