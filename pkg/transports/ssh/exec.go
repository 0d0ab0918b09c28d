package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host with stdin as its standard input and
// returns its standard output. A command that runs and exits non-zero yields a
// *TransportError whose ExitStatus is the exit code and whose message carries
// stderr; connection failures are temporary errors with exit status zero.
func (c *Client) Run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	res, err := c.Exec(ctx, cmd, stdin)
	if res == nil {
		return "", err
	}
	return res.Stdout, err
}

// Exec executes cmd and returns the full result.
func (c *Client) Exec(ctx context.Context, cmd string, stdin []byte) (*ExecResult, error) {
	startTime := time.Now()

	if c.config.Sudo {
		cmd = "sudo -n " + cmd
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdin_len", len(stdin)).
		Msg("executing command")

	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		// Command ran but returned non-zero exit code
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			ExitCode: result.ExitCode,
		}
	}

	result.ExitCode = -1
	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
	}
}
