// Package executor runs a single resolved command synchronously and
// captures its outcome into the typed result envelope. It never panics
// across its own boundary: every failure, including a command handler
// panic, is converted into a contract.Error before it reaches the caller.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/marcohefti/surfwright/pkg/contract"
)

// PlanStep is one already-normalized step of a `run --plan` invocation.
// Per §9 design note (c), the local executor does not interpret step kind;
// that responsibility stays with the external command surface. An empty
// Plan is the common case (a single ad hoc command, not a plan).
type PlanStep struct {
	Command string
	Argv    []string
}

// Handler runs one command's logic against normalized argv, writing any
// textual output to sink rather than a global stream (§9 "captured output
// context" redesign note).
type Handler func(ctx context.Context, argv []string, sink *OutputSink) (map[string]any, *contract.Error)

// OutputSink collects a command handler's stdout/stderr text so the
// executor can capture it into the result envelope without a global
// writer.
type OutputSink struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (s *OutputSink) WriteStdout(p string) { s.stdout.WriteString(p) }
func (s *OutputSink) WriteStderr(p string) { s.stderr.WriteString(p) }

// Registry resolves a command id to its handler, the in-process analogue
// of the teacher's RelayClient-dispatched node commands.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a command id to its handler. Re-registering an id
// overwrites the previous binding, matching the teacher's `Registry.Execute`
// dispatch-by-name pattern in pkg/contracts.
func (r *Registry) Register(commandID string, h Handler) {
	r.handlers[commandID] = h
}

// Outcome is the result of running one command: output captured into the
// typed result envelope plus the fixed per-kind exit code on failure.
type Outcome struct {
	Result   *contract.Result
	Stdout   string
	Stderr   string
	ExitCode int
}

// targetFlags is the set of long-form target flags that NormalizeArgv
// rewrites into a leading positional target id.
var targetFlags = map[string]bool{"--target": true, "--target-id": true}

// NormalizeArgv rewrites `--target <id>`/`--target-id <id>` (and their
// `--flag=value` forms) into a leading positional argument, leaving every
// other flag untouched. Commands whose handlers expect a positional target
// id receive it first in the returned slice.
func NormalizeArgv(argv []string) []string {
	out := make([]string, 0, len(argv))
	var target string
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if eq := strings.IndexByte(arg, '='); eq > 0 && targetFlags[arg[:eq]] {
			target = arg[eq+1:]
			continue
		}
		if targetFlags[arg] && i+1 < len(argv) {
			target = argv[i+1]
			i++
			continue
		}
		out = append(out, arg)
	}
	if target != "" {
		out = append([]string{target}, out...)
	}
	return out
}

// Run resolves commandID in r, normalizes argv, and executes the handler
// synchronously. It never throws: a missing command id, a handler panic, or
// a handler error are all converted into a failing contract.Result with the
// kind's fixed exit code.
func (r *Registry) Run(ctx context.Context, commandID string, argv []string) (outcome Outcome) {
	h, ok := r.handlers[commandID]
	if !ok {
		res := contract.Failure(contract.Newf(contract.EDaemonRequestInvalid, "unknown command: %s", commandID))
		return Outcome{Result: res, ExitCode: res.ExitCode()}
	}

	normalized := NormalizeArgv(argv)
	sink := &OutputSink{}

	defer func() {
		if p := recover(); p != nil {
			res := contract.Failure(contract.Newf(contract.EInternal, "command %s panicked: %v", commandID, p))
			outcome = Outcome{Result: res, Stdout: sink.stdout.String(), Stderr: sink.stderr.String(), ExitCode: res.ExitCode()}
		}
	}()

	data, cerr := h(ctx, normalized, sink)
	var res *contract.Result
	if cerr != nil {
		res = contract.Failure(cerr)
	} else {
		res = contract.Success(data)
	}
	return Outcome{Result: res, Stdout: sink.stdout.String(), Stderr: sink.stderr.String(), ExitCode: res.ExitCode()}
}

// RunPlan executes each step of a multi-step plan in order, stopping at the
// first failing step. Per §9 design note (c) the executor treats each step
// as an opaque command+argv pair; it does not lint or branch on step kind.
func (r *Registry) RunPlan(ctx context.Context, plan []PlanStep) []Outcome {
	outcomes := make([]Outcome, 0, len(plan))
	for _, step := range plan {
		o := r.Run(ctx, step.Command, step.Argv)
		outcomes = append(outcomes, o)
		if !o.Result.OK {
			break
		}
	}
	return outcomes
}

// Describe renders a short human-readable summary of an outcome, used by
// `--pretty` non-JSON output paths.
func Describe(commandID string, o Outcome) string {
	if o.Result.OK {
		return fmt.Sprintf("%s: ok", commandID)
	}
	return fmt.Sprintf("%s: %s (%s)", commandID, o.Result.Err.Kind, o.Result.Err.Message)
}
