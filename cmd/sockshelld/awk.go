package main

import (
	"errors"
	"strings"

	"github.com/benhoyt/goawk/interp"
	"github.com/benhoyt/goawk/parser"
	"github.com/codefionn/sockshell/internal/socketserver"
)

const awkUsage = "awk [-F SEP] [-v NAME=VALUE]... PROGRAM"

// awk runs a goawk program over the pipeline input. ENVIRON holds the
// client environment; file access and process execution are disabled.
func cmdAwk(p *socketserver.Process) int {
	var (
		fieldSep string
		vars     []string
		program  string
	)

	args := p.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "-F" && len(args) > 1:
			fieldSep = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "-F") && len(args[0]) > 2:
			fieldSep = args[0][2:]
			args = args[1:]
		case args[0] == "-v" && len(args) > 1:
			name, value, ok := strings.Cut(args[1], "=")
			if !ok || name == "" {
				return p.UsageError(awkUsage)
			}
			vars = append(vars, name, value)
			args = args[2:]
		default:
			if program != "" {
				return p.UsageError(awkUsage)
			}
			program = args[0]
			args = args[1:]
		}
	}
	if program == "" {
		return p.UsageError(awkUsage)
	}

	prog, err := parser.ParseProgram([]byte(program), nil)
	if err != nil {
		var pe *parser.ParseError
		if errors.As(err, &pe) {
			p.Errorf("%s", pe.Message)
		} else {
			p.Errorf("%v", err)
		}
		return socketserver.ExitUsage
	}

	config := &interp.Config{
		Argv0:        "awk",
		Stdin:        strings.NewReader(p.Input()),
		Output:       p.Out,
		Error:        p.Out,
		Vars:         vars,
		Environ:      []string{},
		NoFileReads:  true,
		NoFileWrites: true,
		NoExec:       true,
	}
	if fieldSep != "" {
		config.Vars = append(config.Vars, "FS", fieldSep)
	}
	if p.Client != nil {
		for _, pair := range p.Client.Environ() {
			name, value, _ := strings.Cut(pair, "=")
			config.Environ = append(config.Environ, name, value)
		}
	}

	status, err := interp.ExecProgram(prog, config)
	if err != nil {
		p.Errorf("%v", err)
		return socketserver.ExitFailure
	}
	return status
}
