package recipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// NSSh is the namespace of the shell tool commands.
const NSSh = "http://bitten.edgewall.org/tools/sh"

// ShExec implements sh:exec, running an external program. One of the
// "executable" or "file" attributes is required. "args" is split
// shell-style, "dir" selects the working directory below the base
// directory, "output" copies stdout to a file and "timeout" limits the
// run time in seconds. Standard output is logged at info level,
// standard error at error level, and a non-zero exit records an error.
func ShExec(ctx context.Context, rc *RunContext, attrs map[string]string) error {
	executable := attrs["executable"]
	file := attrs["file"]
	if executable == "" && file == "" {
		return errors.New(`one of the "executable" or "file" attributes is required`)
	}
	args, err := shellquote.Split(attrs["args"])
	if err != nil {
		return fmt.Errorf("malformed args attribute %q: %v", attrs["args"], err)
	}
	if file != "" {
		args = append([]string{rc.Resolve(file)}, args...)
	}
	if executable == "" {
		executable, args = args[0], args[1:]
	}
	dir := rc.BaseDir
	if d := attrs["dir"]; d != "" {
		dir = rc.Resolve(d)
	}

	runCtx := ctx
	if t := attrs["timeout"]; t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil {
			return fmt.Errorf("malformed timeout attribute %q", t)
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- the command line comes from the build recipe
	cmd := exec.CommandContext(runCtx, executable, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var messages []Message
	for _, line := range splitLines(stdout.String()) {
		messages = append(messages, Message{Level: LevelInfo, Text: line})
	}
	for _, line := range splitLines(stderr.String()) {
		messages = append(messages, Message{Level: LevelError, Text: line})
	}
	rc.Log(messages...)

	if out := attrs["output"]; out != "" {
		if err := os.WriteFile(rc.Resolve(out), stdout.Bytes(), 0o644); err != nil {
			rc.Error(fmt.Sprintf("writing output file failed (%s)", err))
		}
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case runCtx.Err() != nil:
		rc.Error(fmt.Sprintf("command timed out (%s seconds)", attrs["timeout"]))
	case errors.As(runErr, &exitErr):
		rc.Error(fmt.Sprintf("executing %s failed (exit code %d)", executable, exitErr.ExitCode()))
	default:
		rc.Error(fmt.Sprintf("executing %s failed (%s)", executable, runErr))
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
