package main

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/sockshell/internal/socketserver"
)

// maxSleep caps the sleep command
const maxSleep = 10 * time.Second

// registerCommands adds the commands sockshelld serves next to the built-ins
func registerCommands(srv *socketserver.Server, started time.Time) {
	srv.AddCommand("sum", cmdSum)
	srv.AddCommand("upper", cmdUpper)
	srv.AddCommand("lower", cmdLower)
	srv.AddCommand("rev", cmdRev)
	srv.AddCommand("sort", cmdSort)
	srv.AddCommand("grep", cmdGrep)
	srv.AddCommand("head", cmdHead)
	srv.AddCommand("awk", cmdAwk)
	srv.AddCommand("sleep", cmdSleep)
	srv.AddCommand("date", cmdDate)
	srv.AddCommand("whoami", cmdWhoami)
	srv.AddCommand("clients", cmdClients)
	srv.AddCommand("uptime", func(p *socketserver.Process) int {
		p.Println(time.Since(started).Round(time.Second))
		return socketserver.ExitSuccess
	})
}

// inputLines splits the pipeline input into lines without the final newline
func inputLines(p *socketserver.Process) []string {
	in := strings.TrimSuffix(p.Input(), "\n")
	if in == "" {
		return nil
	}
	return strings.Split(in, "\n")
}

// sum adds its integer arguments
func cmdSum(p *socketserver.Process) int {
	total := 0
	for _, arg := range p.Args[1:] {
		n, err := strconv.Atoi(arg)
		if err != nil {
			p.Errorf("not a number: %s", arg)
			return socketserver.ExitUsage
		}
		total += n
	}
	p.Println(total)
	return socketserver.ExitSuccess
}

// upper converts its arguments, or its input when there are none
func cmdUpper(p *socketserver.Process) int {
	return mapText(p, strings.ToUpper)
}

func cmdLower(p *socketserver.Process) int {
	return mapText(p, strings.ToLower)
}

// rev reverses the characters of every line
func cmdRev(p *socketserver.Process) int {
	return mapText(p, func(s string) string {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes)
	})
}

func mapText(p *socketserver.Process, fn func(string) string) int {
	if len(p.Args) > 1 {
		p.Println(fn(strings.Join(p.Args[1:], " ")))
		return socketserver.ExitSuccess
	}
	for _, line := range inputLines(p) {
		p.Println(fn(line))
	}
	return socketserver.ExitSuccess
}

// sort [-r] sorts the input lines
func cmdSort(p *socketserver.Process) int {
	reverse := false
	for _, arg := range p.Args[1:] {
		if arg != "-r" {
			return p.UsageError("sort [-r]")
		}
		reverse = true
	}

	lines := inputLines(p)
	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(lines)))
	} else {
		sort.Strings(lines)
	}
	for _, line := range lines {
		p.Println(line)
	}
	return socketserver.ExitSuccess
}

// grep [-v] TEXT keeps the input lines containing TEXT; exit 1 when none match
func cmdGrep(p *socketserver.Process) int {
	args := p.Args[1:]
	invert := len(args) > 0 && args[0] == "-v"
	if invert {
		args = args[1:]
	}
	if len(args) != 1 {
		return p.UsageError("grep [-v] TEXT")
	}

	matched := 0
	for _, line := range inputLines(p) {
		if strings.Contains(line, args[0]) != invert {
			p.Println(line)
			matched++
		}
	}
	if matched == 0 {
		return socketserver.ExitFailure
	}
	return socketserver.ExitSuccess
}

// head [N] keeps the first N input lines, 10 by default
func cmdHead(p *socketserver.Process) int {
	n := 10
	if len(p.Args) > 2 {
		return p.UsageError("head [N]")
	}
	if len(p.Args) == 2 {
		v, err := strconv.Atoi(p.Args[1])
		if err != nil || v < 0 {
			return p.UsageError("head [N]")
		}
		n = v
	}

	lines := inputLines(p)
	if len(lines) > n {
		lines = lines[:n]
	}
	for _, line := range lines {
		p.Println(line)
	}
	return socketserver.ExitSuccess
}

// sleep MS blocks the calling client for MS milliseconds
func cmdSleep(p *socketserver.Process) int {
	if len(p.Args) != 2 {
		return p.UsageError("sleep MS")
	}
	ms, err := strconv.Atoi(p.Args[1])
	if err != nil || ms < 0 {
		return p.UsageError("sleep MS")
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxSleep {
		d = maxSleep
	}
	time.Sleep(d)
	return socketserver.ExitSuccess
}

func cmdDate(p *socketserver.Process) int {
	p.Println(time.Now().Format(time.RFC3339))
	return socketserver.ExitSuccess
}

// whoami prints the client id and the address it connected from
func cmdWhoami(p *socketserver.Process) int {
	c := p.Client
	from := "local peer"
	if addr := c.RemoteAddr(); addr != nil && addr.String() != "" {
		from = addr.String()
	}
	p.Printf("client %d from %s since %s\n", c.ID(), from, c.ConnectedAt().Format(time.RFC3339))
	return socketserver.ExitSuccess
}

func cmdClients(p *socketserver.Process) int {
	p.Println(p.Client.Server().ClientCount())
	return socketserver.ExitSuccess
}
