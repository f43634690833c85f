package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/sockshell/internal/config"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/codefionn/sockshell/internal/socketclient"
	"github.com/codefionn/sockshell/internal/socketutil"
	"github.com/codefionn/sockshell/internal/tui"
	"golang.org/x/term"
)

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

type clientFlags struct {
	configPath string
	endpoint   string
	prompt     string
	command    string
	timeout    time.Duration
	tui        bool
	status     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("Error: %v", err)))
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
	if flags.endpoint != "" {
		cfg.Endpoint = flags.endpoint
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), clientLogPath(cfg.LogPath)); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if flags.status {
		fmt.Println(socketutil.DescribeEndpoint(cfg.Endpoint))
		return nil
	}

	clientCfg := socketclient.DefaultConfig()
	clientCfg.Endpoint = cfg.Endpoint
	clientCfg.ConnectTimeout = cfg.ConnectTimeoutDuration()
	clientCfg.GreetingWait = cfg.BannerWaitDuration()
	if flags.prompt != "" {
		clientCfg.Prompt = flags.prompt
	} else if cfg.Prompt != "" {
		clientCfg.Prompt = cfg.Prompt
	}
	if flags.timeout > 0 {
		clientCfg.ReadTimeout = flags.timeout
	}

	client, err := socketclient.NewClientWithConfig(clientCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	greeting, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	logger.Info("Connected to %s", client.Endpoint())

	switch {
	case flags.command != "":
		return runCommand(ctx, client, flags.command, os.Stdout)
	case flags.tui || (cfg.Client.TUI && term.IsTerminal(int(os.Stdin.Fd()))):
		return tui.Run(ctx, client, client.Endpoint().String(), greeting)
	case term.IsTerminal(int(os.Stdin.Fd())):
		return runTerminal(ctx, client, greeting)
	default:
		return runPiped(ctx, client, os.Stdin, os.Stdout)
	}
}

func parseFlags(args []string) (*clientFlags, error) {
	fs := flag.NewFlagSet("sockshell", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := &clientFlags{}
	fs.StringVar(&flags.configPath, "config", config.GetConfigPath(), "Path of the JSON configuration file")
	fs.StringVar(&flags.endpoint, "endpoint", "", "Unix socket path, host:port or ws://host:port/path")
	fs.StringVar(&flags.prompt, "prompt", "", "Prompt the server ends its responses with")
	fs.StringVar(&flags.command, "c", "", "Execute a single line and exit")
	fs.DurationVar(&flags.timeout, "timeout", 0, "How long a response may take")
	fs.BoolVar(&flags.tui, "tui", false, "Start the full-screen client")
	fs.BoolVar(&flags.status, "status", false, "Report whether a server answers at the endpoint")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		if flags.command != "" {
			return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
		}
		flags.command = strings.Join(fs.Args(), " ")
	}
	return flags, nil
}

// clientLogPath keeps log lines out of the terminal the client draws on
func clientLogPath(path string) string {
	if path == logger.StderrPath {
		return ""
	}
	return path
}

// isClosed reports whether err means the server ended the session
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, socketclient.ErrNotConnected)
}

func runCommand(ctx context.Context, client *socketclient.Client, line string, out io.Writer) error {
	resp, err := client.Execute(ctx, line)
	if resp != "" {
		fmt.Fprintln(out, resp)
	}
	if isClosed(err) {
		return nil
	}
	return err
}

// runPiped executes every line read from in, for scripts and pipes
func runPiped(ctx context.Context, client *socketclient.Client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := runCommand(ctx, client, scanner.Text(), out); err != nil {
			return err
		}
		if !client.IsConnected() {
			return nil
		}
	}
	return scanner.Err()
}

// runTerminal is the interactive line mode with editing and recall
func runTerminal(ctx context.Context, client *socketclient.Client, greeting string) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, client.Prompt()+" ")
	if width, height, err := term.GetSize(fd); err == nil {
		t.SetSize(width, height)
	}

	if greeting != "" {
		fmt.Fprintln(t, greeting)
	}

	for {
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp, err := client.Execute(ctx, line)
		if resp != "" {
			fmt.Fprintln(t, resp)
		}
		t.SetPrompt(client.Prompt() + " ")
		switch {
		case isClosed(err):
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			fmt.Fprintln(t, errorStyle.Render(fmt.Sprintf("Error: %v", err)))
		}
	}
}
