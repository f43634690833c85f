package main

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codefionn/sockshell/internal/config"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/codefionn/sockshell/internal/socketserver"
)

// banner is the greeting sent to every new connection
type banner struct {
	text atomic.Value
}

func newBanner(text string) *banner {
	b := &banner{}
	b.set(text)
	return b
}

func (b *banner) set(text string) {
	b.text.Store(strings.TrimRight(text, "\n"))
}

func (b *banner) get() string {
	return b.text.Load().(string)
}

// send is the connect hook; the server follows it with the prompt
func (b *banner) send(c *socketserver.Client) {
	if text := b.get(); text != "" {
		c.Send(text)
	}
}

// reloader applies the parts of a changed configuration that take effect
// without a restart: prompt, banner, default environment and log level.
// Endpoint, limits and history are only read at startup.
type reloader struct {
	srv    *socketserver.Server
	banner *banner
	flags  *daemonFlags

	mu      sync.Mutex
	current *config.Config
}

func newReloader(srv *socketserver.Server, b *banner, flags *daemonFlags, cfg *config.Config) *reloader {
	return &reloader{srv: srv, banner: b, flags: flags, current: cfg}
}

func (r *reloader) apply(next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current
	next.ApplyEnv()
	if r.flags != nil {
		r.flags.apply(next)
	}

	if next.Prompt != prev.Prompt {
		r.srv.SetEnv("PROMPT", next.Prompt)
		logger.Info("Prompt changed to %q", next.Prompt)
	}
	if next.Banner != prev.Banner {
		r.banner.set(next.Banner)
	}

	for name := range prev.Env {
		if _, ok := next.Env[name]; !ok {
			r.srv.UnsetEnv(name)
		}
	}
	for name, value := range next.Env {
		if old, ok := prev.Env[name]; !ok || old != value {
			r.srv.SetEnv(name, value)
		}
	}

	if next.LogLevel != prev.LogLevel {
		logger.Global().SetLevel(logger.ParseLevel(next.LogLevel))
		logger.Info("Log level changed to %s", logger.ParseLevel(next.LogLevel))
	}

	for _, field := range restartFields(prev, next) {
		logger.Warn("Config field %s changed, restart sockshelld to apply", field)
	}

	r.current = next
}

// restartFields lists changed settings that are only read at startup
func restartFields(prev, next *config.Config) []string {
	var fields []string
	if prev.Endpoint != next.Endpoint {
		fields = append(fields, "endpoint")
	}
	if prev.MaxConnections != next.MaxConnections {
		fields = append(fields, "max_connections")
	}
	if prev.HistoryPath != next.HistoryPath {
		fields = append(fields, "history_path")
	}
	if prev.Sandbox != next.Sandbox {
		fields = append(fields, "sandbox")
	}
	return fields
}
