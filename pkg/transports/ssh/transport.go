// Package ssh runs switch management commands on remote hosts over SSH.
//
// A Client keeps one connection per host, reconnects lazily and runs each
// command in its own session, optionally feeding it stdin. It satisfies the
// command runner interface of the Open vSwitch gateway.
package ssh

import (
	"time"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitCode is the remote command's exit status, zero unless the command
	// ran and failed.
	ExitCode int
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ExitStatus returns the remote exit status. A non-zero value means the
// command was delivered and refused, as opposed to a broken connection.
func (e *TransportError) ExitStatus() int {
	return e.ExitCode
}
