package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/codefionn/sockshell/internal/socketserver"
	"github.com/stretchr/testify/assert"
)

func runCommand(fn socketserver.CommandFunc, input string, args ...string) (string, int) {
	var out bytes.Buffer
	p := &socketserver.Process{
		Args: args,
		In:   strings.NewReader(input),
		Out:  &out,
	}
	code := fn(p)
	return out.String(), code
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name  string
		fn    socketserver.CommandFunc
		input string
		args  []string
		out   string
		code  int
	}{
		{"sum", cmdSum, "", []string{"sum", "1", "2", "3"}, "6\n", socketserver.ExitSuccess},
		{"sum empty", cmdSum, "", []string{"sum"}, "0\n", socketserver.ExitSuccess},
		{"sum invalid", cmdSum, "", []string{"sum", "1", "x"}, "sum: not a number: x\n", socketserver.ExitUsage},
		{"upper args", cmdUpper, "", []string{"upper", "a", "b"}, "A B\n", socketserver.ExitSuccess},
		{"upper input", cmdUpper, "ab\ncd\n", []string{"upper"}, "AB\nCD\n", socketserver.ExitSuccess},
		{"lower", cmdLower, "MiXed", []string{"lower"}, "mixed\n", socketserver.ExitSuccess},
		{"rev", cmdRev, "abc\nhäh\n", []string{"rev"}, "cba\nhäh\n", socketserver.ExitSuccess},
		{"sort", cmdSort, "b\nc\na\n", []string{"sort"}, "a\nb\nc\n", socketserver.ExitSuccess},
		{"sort reverse", cmdSort, "b\nc\na\n", []string{"sort", "-r"}, "c\nb\na\n", socketserver.ExitSuccess},
		{"sort usage", cmdSort, "", []string{"sort", "-x"}, "sort: usage: sort [-r]\n", socketserver.ExitUsage},
		{"grep", cmdGrep, "apple\nbanana\ncherry\n", []string{"grep", "an"}, "banana\n", socketserver.ExitSuccess},
		{"grep invert", cmdGrep, "apple\nbanana\n", []string{"grep", "-v", "an"}, "apple\n", socketserver.ExitSuccess},
		{"grep no match", cmdGrep, "apple\n", []string{"grep", "z"}, "", socketserver.ExitFailure},
		{"grep usage", cmdGrep, "", []string{"grep"}, "grep: usage: grep [-v] TEXT\n", socketserver.ExitUsage},
		{"head", cmdHead, "1\n2\n3\n", []string{"head", "2"}, "1\n2\n", socketserver.ExitSuccess},
		{"head default", cmdHead, "1\n2\n", []string{"head"}, "1\n2\n", socketserver.ExitSuccess},
		{"head usage", cmdHead, "", []string{"head", "-1"}, "head: usage: head [N]\n", socketserver.ExitUsage},
		{"sleep", cmdSleep, "", []string{"sleep", "1"}, "", socketserver.ExitSuccess},
		{"awk", cmdAwk, "a 1\nb 2\nc 3\n", []string{"awk", "{ s += $2 } END { print s }"}, "6\n", socketserver.ExitSuccess},
		{"awk field separator", cmdAwk, "x:y\n", []string{"awk", "-F", ":", "{ print $2 }"}, "y\n", socketserver.ExitSuccess},
		{"awk vars", cmdAwk, "", []string{"awk", "-v", "n=4", "BEGIN { print n * 2 }"}, "8\n", socketserver.ExitSuccess},
		{"awk exit status", cmdAwk, "", []string{"awk", "BEGIN { exit 3 }"}, "", 3},
		{"awk usage", cmdAwk, "", []string{"awk"}, "awk: usage: " + awkUsage + "\n", socketserver.ExitUsage},
		{"sleep usage", cmdSleep, "", []string{"sleep"}, "sleep: usage: sleep MS\n", socketserver.ExitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := runCommand(tt.fn, tt.input, tt.args...)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.code, code)
		})
	}
}
