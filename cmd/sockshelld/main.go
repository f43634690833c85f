package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codefionn/sockshell/internal/config"
	"github.com/codefionn/sockshell/internal/debugserver"
	"github.com/codefionn/sockshell/internal/history"
	"github.com/codefionn/sockshell/internal/lockfile"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/codefionn/sockshell/internal/sandbox"
	"github.com/codefionn/sockshell/internal/socketserver"
	"github.com/codefionn/sockshell/internal/socketutil"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// historyRetention is how long history entries are kept
	historyRetention = 90 * 24 * time.Hour
	// metricsInterval is the aggregation window of the in-memory metrics
	metricsInterval = 10 * time.Second
)

type daemonFlags struct {
	configPath     string
	endpoint       string
	prompt         string
	maxConnections int
	logLevel       string
	logPath        string
	noHistory      bool
	sandbox        bool
	debugAddr      string
	cpuProfile     string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	flags.apply(cfg)

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("sockshelld starting")
	logger.Debug("Configuration loaded: endpoint=%s, log_level=%s, log_path=%s", cfg.Endpoint, cfg.LogLevel, cfg.LogPath)

	if socketutil.DetectServer(cfg.Endpoint) {
		return fmt.Errorf("a shell server is already running at %s", cfg.Endpoint)
	}

	lock := lockfile.New(cfg.LockPath, cfg.Endpoint)
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.Warn("Failed to release lock: %v", releaseErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	if cfg.HistoryPath != "" {
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()

		if pruned, err := store.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
			logger.Warn("Failed to prune history: %v", err)
		} else if pruned > 0 {
			logger.Info("Pruned %d history entries", pruned)
		}
	}

	sink := metrics.NewInmemSink(metricsInterval, time.Minute)
	signalDump := metrics.DefaultInmemSignal(sink)
	defer signalDump.Stop()

	hostname, _ := os.Hostname()
	opts := []socketserver.Option{
		socketserver.WithMetricSink(sink),
		socketserver.WithMetricLabels([]metrics.Label{{Name: "host", Value: hostname}}),
		socketserver.WithPrompt(cfg.Prompt),
		socketserver.WithMaxConnections(cfg.MaxConnections),
		socketserver.WithAcceptTimeout(cfg.AcceptTimeoutDuration()),
		socketserver.WithRecvTimeout(cfg.RecvTimeoutDuration()),
		socketserver.WithSocketMode(cfg.SocketFileMode()),
	}
	if store != nil {
		opts = append(opts, socketserver.WithHistory(store))
	}

	srv, err := socketserver.NewServer(opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	for name, value := range cfg.Env {
		srv.SetEnv(name, value)
	}
	registerCommands(srv, time.Now())

	banner := newBanner(cfg.Banner)
	srv.AddConnectFunction(banner.send)

	if err := srv.Start(cfg.Endpoint); err != nil {
		return err
	}
	defer srv.Disconnect()

	debug := debugserver.New(debugserver.Config{
		Addr:       cfg.DebugAddr,
		CPUProfile: flags.cpuProfile,
		Metrics:    sink,
		Status: func() map[string]any {
			return map[string]any{
				"endpoint": srv.Endpoint().String(),
				"session":  srv.Session(),
				"clients":  srv.ClientCount(),
				"commands": len(srv.Commands()),
			}
		},
	})
	if err := debug.Start(); err != nil {
		return err
	}
	defer func() {
		if stopErr := debug.Stop(); stopErr != nil {
			logger.Warn("Failed to stop debug server: %v", stopErr)
		}
	}()

	if cfg.Sandbox {
		sb := sandbox.New(sandboxConfig(cfg, flags.configPath, srv.Endpoint()))
		if err := sb.Restrict(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reload := newReloader(srv, banner, flags, cfg)
		if err := config.Watch(gctx, flags.configPath, reload.apply); err != nil {
			logger.Warn("Config hot reload disabled: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down, %d client(s) connected", srv.ClientCount())
		srv.Broadcast("\nserver shutting down\n")
		srv.Disconnect()
		return nil
	})

	return g.Wait()
}

func parseFlags(args []string) (*daemonFlags, error) {
	fs := flag.NewFlagSet("sockshelld", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := &daemonFlags{maxConnections: -1}
	fs.StringVar(&flags.configPath, "config", config.GetConfigPath(), "Path of the JSON configuration file")
	fs.StringVar(&flags.endpoint, "endpoint", "", "Unix socket path, host:port or ws://host:port/path")
	fs.StringVar(&flags.prompt, "prompt", "", "Prompt sent after every response")
	fs.IntVar(&flags.maxConnections, "max-connections", -1, "Maximum concurrent clients (0 for unlimited)")
	fs.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.StringVar(&flags.logPath, "log-path", "", "Log file, - for stderr")
	fs.BoolVar(&flags.noHistory, "no-history", false, "Do not record command history")
	fs.BoolVar(&flags.sandbox, "sandbox", false, "Restrict filesystem access with Landlock (linux only)")
	fs.StringVar(&flags.debugAddr, "debug-addr", "", "Serve pprof and metrics on this HTTP address")
	fs.StringVar(&flags.cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return flags, nil
}

// apply overrides config values with explicitly given flags
func (f *daemonFlags) apply(cfg *config.Config) {
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.prompt != "" {
		cfg.Prompt = f.prompt
	}
	if f.maxConnections >= 0 {
		cfg.MaxConnections = f.maxConnections
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logPath != "" {
		cfg.LogPath = f.logPath
	}
	if f.noHistory {
		cfg.HistoryPath = ""
	}
	if f.sandbox {
		cfg.Sandbox = true
	}
	if f.debugAddr != "" {
		cfg.DebugAddr = f.debugAddr
	}
}

// sandboxConfig keeps the state files writable and the configuration readable
func sandboxConfig(cfg *config.Config, configPath string, ep socketutil.Endpoint) sandbox.Config {
	sc := sandbox.Config{
		ReadOnlyPaths:  append([]string{filepath.Dir(configPath)}, cfg.SandboxPaths...),
		ReadWritePaths: []string{config.StateDir(), filepath.Dir(cfg.LockPath)},
		BestEffort:     true,
	}
	if ep.Network == socketutil.NetworkUnix {
		sc.ReadWritePaths = append(sc.ReadWritePaths, filepath.Dir(ep.Address))
	}
	if cfg.HistoryPath != "" {
		sc.ReadWritePaths = append(sc.ReadWritePaths, filepath.Dir(cfg.HistoryPath))
	}
	if cfg.LogPath != "" && cfg.LogPath != logger.StderrPath {
		sc.ReadWritePaths = append(sc.ReadWritePaths, filepath.Dir(cfg.LogPath))
	}
	return sc
}
