package socketserver

import (
	"fmt"
	"io"
)

// Exit codes reported by commands
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitNotFound = 127
)

// CommandFunc implements a command. It reads its pipeline input from p.In,
// writes its output to p.Out and returns an exit code.
type CommandFunc func(p *Process) int

// Process is the context a single pipeline stage runs with
type Process struct {
	// Args holds the command name followed by its arguments
	Args []string
	// In carries the previous stage's output, empty for the first stage
	In io.Reader
	// Out collects the stage's output
	Out io.Writer
	// Client is the connection the line came from
	Client *Client
}

// Name returns the command name
func (p *Process) Name() string {
	if len(p.Args) == 0 {
		return ""
	}
	return p.Args[0]
}

// Printf writes a formatted message to the stage output.
func (p *Process) Printf(format string, args ...any) {
	fmt.Fprintf(p.Out, format, args...)
}

// Println writes a message to the stage output with a newline.
func (p *Process) Println(args ...any) {
	fmt.Fprintln(p.Out, args...)
}

// Errorf writes "name: message" to the stage output. Clients see a single
// stream, so errors are not separated from regular output.
func (p *Process) Errorf(format string, args ...any) {
	fmt.Fprintf(p.Out, "%s: %s\n", p.Name(), fmt.Sprintf(format, args...))
}

// UsageError reports a usage problem and returns ExitUsage
func (p *Process) UsageError(usage string) int {
	p.Errorf("usage: %s", usage)
	return ExitUsage
}

// Input reads the whole pipeline input
func (p *Process) Input() string {
	if p.In == nil {
		return ""
	}
	data, _ := io.ReadAll(p.In)
	return string(data)
}
