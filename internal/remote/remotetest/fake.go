// Package remotetest provides a scripted remote channel for tests.
package remotetest

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/stackzilla/linode-provider/internal/remote"
)

// Command is a recorded invocation.
type Command struct {
	Line string
	Sudo bool
	PTY  bool
}

// Executor records commands and answers them from Results. A command whose
// line starts with a key of Results gets that result; anything else exits 0.
type Executor struct {
	mu       sync.Mutex
	Results  map[string]remote.Result
	Err      error
	Commands []Command
	Closed   int
}

// NewExecutor returns an Executor where every command succeeds.
func NewExecutor() *Executor {
	return &Executor{Results: make(map[string]remote.Result)}
}

// Script makes commands starting with prefix return res.
func (e *Executor) Script(prefix string, res remote.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Results[prefix] = res
}

// Run implements remote.Executor.
func (e *Executor) Run(_ context.Context, command string, opts ...remote.RunOption) (*remote.Result, error) {
	o := remote.ApplyOptions(opts...)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = append(e.Commands, Command{Line: command, Sudo: o.Sudo, PTY: o.PTY})
	if e.Err != nil {
		return nil, e.Err
	}
	for prefix, res := range e.Results {
		if strings.HasPrefix(command, prefix) {
			r := res
			return &r, nil
		}
	}
	return &remote.Result{}, nil
}

// Close implements remote.Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed++
	return nil
}

// Lines returns the recorded command lines.
func (e *Executor) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := make([]string, 0, len(e.Commands))
	for _, c := range e.Commands {
		lines = append(lines, c.Line)
	}
	return lines
}

// Dialer hands out the same Executor to every caller. The first FailDials
// attempts return an error, simulating a host that is not reachable yet.
type Dialer struct {
	mu        sync.Mutex
	Executor  *Executor
	FailDials int
	Targets   []remote.Target
}

// NewDialer returns a Dialer that always connects.
func NewDialer() *Dialer {
	return &Dialer{Executor: NewExecutor()}
}

// Dial implements remote.Dialer.
func (d *Dialer) Dial(_ context.Context, target remote.Target) (remote.Executor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Targets = append(d.Targets, target)
	if len(d.Targets) <= d.FailDials {
		return nil, errors.Errorf("dial %s:%d: connection refused", target.Host, target.Port)
	}
	return d.Executor, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Targets)
}
