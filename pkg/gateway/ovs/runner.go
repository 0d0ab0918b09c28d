package ovs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a shell command on the host owning a bridge. A command that
// ran and exited non-zero must yield an error with a positive ExitStatus();
// any other error is treated as a transport failure.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin []byte) (string, error)
}

// CommandError is a command that ran and failed.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// ExitStatus returns the command's exit code.
func (e *CommandError) ExitStatus() int {
	return e.ExitCode
}

type exitStatuser interface {
	ExitStatus() int
}

// IsRejection reports whether err means the switch refused the command, as
// opposed to the command never completing.
func IsRejection(err error) bool {
	var es exitStatuser
	return errors.As(err, &es) && es.ExitStatus() > 0
}

// LocalRunner runs commands on this host through /bin/sh.
type LocalRunner struct {
	// Sudo prefixes every command with "sudo -n".
	Sudo bool
}

// Run implements Runner.
func (r LocalRunner) Run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	if r.Sudo {
		cmd = "sudo -n " + cmd
	}

	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}

	err := c.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%s: %w", cmd, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return "", &CommandError{
			Cmd:      cmd,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return "", fmt.Errorf("failed to run %s: %w", cmd, err)
}

// shellQuote quotes s for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
