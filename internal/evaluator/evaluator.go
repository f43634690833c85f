// Package evaluator turns one line of shell input into executed pipeline
// stages.
//
// A line is split into stages on unquoted, unescaped pipes at bracket depth
// zero. Each stage then goes through variable substitution (${NAME}),
// command substitution ($(line)) and tokenization before it is handed to a
// Dispatcher together with the previous stage's output.
//
// Variable values are inserted verbatim and not rescanned for ${NAME}.
// Command substitution runs after variable substitution, though, so a value
// that ends up inside $( ) is evaluated again as part of that line: with
// A="${B}" and B="x", "echo ${A}" prints ${B} while "echo $(echo ${A})"
// prints x, and a value holding $(line) runs line.
//
// The package knows nothing about sockets or command registries: variables
// come from an Environment and commands run through a Dispatcher.
package evaluator

import (
	"errors"
	"strings"

	"github.com/codefionn/sockshell/internal/consts"
)

// ErrRecursionLimit is reported when command substitution nests deeper than
// the evaluator allows, e.g. a variable whose value substitutes itself.
var ErrRecursionLimit = errors.New("evaluator: substitution nested too deeply")

// Environment resolves variable names. Missing names resolve to "".
type Environment interface {
	GetEnv(name string) string
}

// Dispatcher runs one pipeline stage and returns its output and exit code.
type Dispatcher interface {
	Dispatch(args []string, in string) (string, int)
}

// Evaluator executes lines against one environment. It is not safe for
// concurrent use; each shell connection owns its own Evaluator.
type Evaluator struct {
	env      Environment
	dispatch Dispatcher

	maxDepth int
	depth    int
	status   int
}

// New creates an Evaluator resolving variables from env and running
// commands through d.
func New(env Environment, d Dispatcher) *Evaluator {
	return &Evaluator{
		env:      env,
		dispatch: d,
		maxDepth: consts.MaxSubstitutionDepth,
	}
}

// SetMaxDepth changes how deeply command substitutions may nest.
func (e *Evaluator) SetMaxDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	e.maxDepth = depth
}

// LastStatus returns the exit code of the last stage run by Execute.
func (e *Evaluator) LastStatus() int {
	return e.status
}

// Execute runs cmd as a pipeline and returns the output of its final stage.
// An empty command returns "" without dispatching anything.
func (e *Evaluator) Execute(cmd string) string {
	cmd = TrimNewline(cmd)
	if cmd == "" {
		return ""
	}

	var input string
	for _, stage := range ExtractPipes(cmd) {
		input = e.runStage(stage, input)
	}
	return input
}

// runStage expands, tokenizes and dispatches a single stage. Substitution
// failures become the stage's output so the rest of the pipeline still runs.
func (e *Evaluator) runStage(stage, in string) string {
	expanded := SubstituteVariables(stage, e.env.GetEnv)

	expanded, err := SubstituteCommands(expanded, e.substitute)
	if err != nil {
		e.status = 1
		return err.Error()
	}

	args := Tokenize(expanded)
	if len(args) == 0 {
		e.status = 0
		return ""
	}

	out, code := e.dispatch.Dispatch(args, in)
	e.status = code
	return out
}

// substitute evaluates the body of a $(...) span.
func (e *Evaluator) substitute(inner string) (string, error) {
	if e.depth >= e.maxDepth {
		return "", ErrRecursionLimit
	}
	e.depth++
	defer func() { e.depth-- }()

	return strings.TrimRight(e.Execute(inner), "\n"), nil
}

// TrimNewline removes a single trailing line terminator ("\n" or "\r\n").
func TrimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
