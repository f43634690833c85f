package socketserver

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/history"
)

func registerBuiltins(s *Server) {
	s.AddCommand("env", cmdEnv)
	s.AddCommand("set", cmdSet)
	s.AddCommand("unset", cmdUnset)
	s.AddCommand("help", cmdHelp)
	s.AddCommand("wc", cmdWc)
	s.AddCommand("echo", cmdEcho)
	s.AddCommand("exit", cmdExit)
	if s.history != nil {
		s.AddCommand("history", cmdHistory)
	}
}

// env lists the client environment, one NAME=value per line
func cmdEnv(p *Process) int {
	for _, pair := range p.Client.Environ() {
		p.Println(pair)
	}
	return ExitSuccess
}

// set NAME VALUE... joins the values with single spaces
func cmdSet(p *Process) int {
	if len(p.Args) < 2 || p.Args[1] == "" {
		return p.UsageError("set NAME [VALUE...]")
	}
	p.Client.SetEnv(p.Args[1], strings.Join(p.Args[2:], " "))
	return ExitSuccess
}

func cmdUnset(p *Process) int {
	if len(p.Args) < 2 {
		return p.UsageError("unset NAME...")
	}
	for _, name := range p.Args[1:] {
		p.Client.UnsetEnv(name)
	}
	return ExitSuccess
}

// help lists every registered command, one per line
func cmdHelp(p *Process) int {
	for _, name := range p.Client.Server().Commands() {
		p.Println(name)
	}
	return ExitSuccess
}

// wc prints the character count of every input line, or with -l the
// number of input lines
func cmdWc(p *Process) int {
	countLines := false
	for _, arg := range p.Args[1:] {
		switch arg {
		case "-l":
			countLines = true
		default:
			return p.UsageError("wc [-l]")
		}
	}

	input := p.Input()
	var lines []string
	if input != "" {
		lines = strings.Split(strings.TrimSuffix(input, "\n"), "\n")
	}

	if countLines {
		p.Println(len(lines))
		return ExitSuccess
	}
	for _, line := range lines {
		p.Println(utf8.RuneCountInString(line))
	}
	return ExitSuccess
}

func cmdEcho(p *Process) int {
	p.Println(strings.Join(p.Args[1:], " "))
	return ExitSuccess
}

func cmdExit(p *Process) int {
	p.Println("bye")
	p.Client.Close()
	return ExitSuccess
}

// history [-a] [N] lists the last N lines of this connection, or with -a
// of every connection and earlier server runs
func cmdHistory(p *Process) int {
	const usage = "history [-a] [N]"

	srv := p.Client.Server()
	q := history.Query{
		Session:  srv.Session(),
		ClientID: p.Client.ID(),
		Limit:    consts.DefaultHistoryLimit,
	}
	all := false

	for _, arg := range p.Args[1:] {
		if arg == "-a" {
			all = true
			q.Session = ""
			q.ClientID = 0
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return p.UsageError(usage)
		}
		q.Limit = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()

	entries, err := srv.history.List(ctx, q)
	if err != nil {
		p.Errorf("%v", err)
		return ExitFailure
	}

	for i, e := range entries {
		if all {
			p.Printf("%4d  %s  #%d  %s\n", i+1, e.At.Format("2006-01-02 15:04:05"), e.ClientID, e.Line)
		} else {
			p.Printf("%4d  %s\n", i+1, e.Line)
		}
	}
	return ExitSuccess
}
