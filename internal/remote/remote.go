// Package remote runs shell commands on provisioned instances.
//
// Only the exit code, stdout and stderr of a command are reported back.
// Nothing here retries: callers inspect the exit code and decide.
package remote

import (
	"context"
	"io"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stderr, or stdout when stderr is empty. Commands run on a
// pty merge both streams into stdout.
func (r *Result) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// RunOptions control how a command is executed.
type RunOptions struct {
	Sudo bool
	PTY  bool
}

// RunOption mutates RunOptions.
type RunOption func(*RunOptions)

// WithSudo runs the command with elevated privilege.
func WithSudo() RunOption {
	return func(o *RunOptions) { o.Sudo = true }
}

// WithPTY allocates a pseudo terminal for the command.
func WithPTY() RunOption {
	return func(o *RunOptions) { o.PTY = true }
}

// ApplyOptions folds opts into a RunOptions value.
func ApplyOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Executor runs commands on one remote host. A non-nil error means the
// channel failed; a command that ran and failed is reported through
// Result.ExitCode.
type Executor interface {
	io.Closer
	Run(ctx context.Context, command string, opts ...RunOption) (*Result, error)
}

// Target identifies a remote host and the credentials to reach it.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Dialer opens an Executor against a Target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Executor, error)
}
