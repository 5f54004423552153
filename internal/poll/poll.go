// Package poll waits for asynchronous control-plane operations to settle.
//
// Waits block the calling goroutine: a condition is evaluated immediately and
// then once per interval until it holds or the time budget is spent. Running
// out of budget is not an error; callers decide whether a timeout is fatal.
package poll

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/stackzilla/linode-provider/internal/metrics"
)

// Clock is the subset of clock.Clock a Poller needs.
type Clock = retry.Clock

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the wait and is returned from Await.
type Condition func(ctx context.Context) (bool, error)

// Tick describes a re-evaluation about to happen. N counts ticks from 1;
// Remaining is the budget left after N nominal intervals.
type Tick struct {
	N         int
	Elapsed   time.Duration
	Remaining time.Duration
}

// Options configure a single wait.
type Options struct {
	// Name labels the wait in metrics and logs.
	Name     string
	Timeout  time.Duration
	Interval time.Duration
	// OnTick, when set, runs between evaluations, before the wait for the
	// next one.
	OnTick func(ctx context.Context, t Tick)
}

// Poller runs waits against a clock.
type Poller struct {
	clock Clock
}

// New returns a Poller using clk, or the wall clock when clk is nil.
func New(clk Clock) *Poller {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Poller{clock: clk}
}

// errPending marks an evaluation whose condition did not yet hold.
var errPending = errors.New("condition not met")

// Await evaluates cond until it returns true or the cumulative elapsed time
// would exceed opts.Timeout. It returns true on success and false on
// timeout. A condition error or a cancelled context ends the wait early with
// that error.
func (p *Poller) Await(ctx context.Context, cond Condition, opts Options) (bool, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	evaluations := metrics.PollEvaluations.WithLabelValues(opts.Name)

	var condErr error
	args := retry.CallArgs{
		Clock: p.clock,
		Delay: interval,
		Func: func() error {
			evaluations.Inc()
			ok, err := cond(ctx)
			if err != nil {
				condErr = err
				return err
			}
			if !ok {
				return errPending
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errPending
		},
		Stop: ctx.Done(),
	}
	if opts.Timeout > 0 {
		args.MaxDuration = opts.Timeout
	} else {
		args.Attempts = 1
	}
	if opts.OnTick != nil {
		start := p.clock.Now()
		args.NotifyFunc = func(_ error, attempt int) {
			// The last failed attempt is also reported; only tick when
			// another evaluation follows.
			elapsed := p.clock.Now().Sub(start) + interval
			if opts.Timeout <= 0 || elapsed > opts.Timeout {
				return
			}
			opts.OnTick(ctx, Tick{
				N:         attempt,
				Elapsed:   elapsed,
				Remaining: opts.Timeout - time.Duration(attempt)*interval,
			})
		}
	}

	err := retry.Call(args)
	switch {
	case err == nil:
		return true, nil
	case condErr != nil:
		return false, condErr
	case retry.IsRetryStopped(err):
		return false, ctx.Err()
	case retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		metrics.PollTimeouts.WithLabelValues(opts.Name).Inc()
		return false, nil
	default:
		return false, errors.Trace(err)
	}
}
