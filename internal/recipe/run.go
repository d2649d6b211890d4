package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/SpamExperts/bitten/internal/logfields"
)

// Log levels used in command output messages.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message is one line of command output.
type Message struct {
	Level string
	Text  string
}

// Log is the output of a single command, a sequence of leveled
// messages.
type Log struct {
	Generator string
	Messages  []Message
}

// ReportItem is one entry of a structured report: a "type" key plus
// free-form attributes.
type ReportItem map[string]string

// Report is a categorized collection of items produced by one command,
// such as test results or lint findings.
type Report struct {
	Category  string
	Generator string
	Items     []ReportItem
}

// Error is a command failure message.
type Error struct {
	Generator string
	Message   string
}

// StepOutput collects everything the commands of one step produced.
type StepOutput struct {
	Logs    []Log
	Reports []Report
	Errors  []Error
}

// Failed reports whether any command of the step recorded an error.
func (o StepOutput) Failed() bool { return len(o.Errors) > 0 }

// CommandFunc runs one recipe command. Attribute values arrive already
// interpolated. Implementations report outcomes through the RunContext;
// a returned error means the invocation itself was invalid and fails
// the step as a recipe error.
type CommandFunc func(ctx context.Context, rc *RunContext, attrs map[string]string) error

// CommandRegistry resolves qualified command names to implementations.
type CommandRegistry interface {
	Lookup(namespace, name string) (CommandFunc, bool)
}

// MapRegistry is a CommandRegistry backed by a map keyed
// "namespace#name".
type MapRegistry map[string]CommandFunc

func (m MapRegistry) Lookup(namespace, name string) (CommandFunc, bool) {
	fn, ok := m[namespace+"#"+name]
	return fn, ok
}

// DefaultRegistry returns a registry with the built-in commands.
func DefaultRegistry() MapRegistry {
	return MapRegistry{
		NSSh + "#exec":      ShExec,
		NSGit + "#checkout": GitCheckout,
	}
}

// RunContext carries the working directory and the slave properties
// through the commands of a build and collects their output. One
// RunContext serves all steps of a build; Run drains it after each
// step.
type RunContext struct {
	BaseDir string
	Props   map[string]string

	generator string
	logs      []Log
	reports   []Report
	errors    []Error
}

func NewRunContext(basedir string, props map[string]string) *RunContext {
	return &RunContext{BaseDir: basedir, Props: props}
}

// Resolve joins path beneath the base directory unless it is absolute.
// Recipe attributes use forward slashes on every platform.
func (rc *RunContext) Resolve(path string) string {
	path = filepath.FromSlash(path)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(rc.BaseDir, path)
}

// Log records the output of the running command as one log element.
func (rc *RunContext) Log(messages ...Message) {
	rc.logs = append(rc.logs, Log{Generator: rc.generator, Messages: messages})
}

// Report records a structured report produced by the running command.
func (rc *RunContext) Report(category string, items []ReportItem) {
	rc.reports = append(rc.reports, Report{Category: category, Generator: rc.generator, Items: items})
}

// Error records a command failure. A step with recorded errors is
// reported with a failure result.
func (rc *RunContext) Error(message string) {
	rc.errors = append(rc.errors, Error{Generator: rc.generator, Message: message})
}

func (rc *RunContext) drain() StepOutput {
	out := StepOutput{Logs: rc.logs, Reports: rc.reports, Errors: rc.errors}
	rc.logs, rc.reports, rc.errors = nil, nil, nil
	return out
}

// Run executes the commands of the step in order through reg and
// returns the collected output, which is filled in even when Run fails.
// The error is ErrStepFailed when commands recorded errors and the
// step's OnError is "fail", ErrInvalidRecipe when a command is unknown
// or misused, or the context error on cancellation.
func (s Step) Run(ctx context.Context, rc *RunContext, reg CommandRegistry) (StepOutput, error) {
	for _, cmd := range s.Commands {
		if err := ctx.Err(); err != nil {
			return rc.drain(), err
		}
		if cmd.NS == "" {
			slog.Warn("ignoring recipe element without namespace",
				logfields.Step(s.ID), slog.String("element", cmd.Name))
			continue
		}
		fn, ok := reg.Lookup(cmd.NS, cmd.Name)
		if !ok {
			rc.Error(fmt.Sprintf("unknown recipe command %s", cmd.QName()))
			return rc.drain(), fmt.Errorf("unknown recipe command %s: %w", cmd.QName(), ErrInvalidRecipe)
		}
		attrs := make(map[string]string, len(cmd.Attrs))
		for name, value := range cmd.Attrs {
			attrs[name] = Interpolate(value, rc.Props)
		}
		rc.generator = cmd.QName()
		slog.Debug("executing recipe command", logfields.Step(s.ID), logfields.Generator(rc.generator))
		err := fn(ctx, rc, attrs)
		rc.generator = ""
		if err != nil {
			if ctx.Err() != nil {
				return rc.drain(), err
			}
			rc.Error(err.Error())
			return rc.drain(), fmt.Errorf("recipe command %s: %v: %w", cmd.QName(), err, ErrInvalidRecipe)
		}
	}

	out := rc.drain()
	if out.Failed() && s.OnError == OnErrorFail {
		return out, fmt.Errorf("build step %s failed: %w", s.ID, ErrStepFailed)
	}
	if out.Failed() {
		slog.Warn("ignoring errors in step", logfields.Step(s.ID), slog.String("onerror", s.OnError))
	}
	return out, nil
}
