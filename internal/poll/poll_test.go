package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/poll/polltest"
)

func TestAwaitSucceedsAfterNTicks(t *testing.T) {
	for _, n := range []int{0, 1, 3, 10, 119} {
		evaluations := 0
		p := poll.New(polltest.NewClock())
		ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
			evaluations++
			return evaluations > n, nil
		}, poll.Options{Timeout: 120 * time.Second, Interval: time.Second})

		require.NoError(t, err)
		assert.True(t, ok, "n=%d", n)
		assert.Equal(t, n+1, evaluations, "n=%d", n)
	}
}

func TestAwaitTimesOutWithinBound(t *testing.T) {
	cases := []struct {
		timeout, interval time.Duration
	}{
		{120 * time.Second, time.Second},
		{120 * time.Second, 5 * time.Second},
		{10 * time.Second, 3 * time.Second},
	}
	for _, c := range cases {
		evaluations := 0
		p := poll.New(polltest.NewClock())
		ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
			evaluations++
			return false, nil
		}, poll.Options{Timeout: c.timeout, Interval: c.interval})

		require.NoError(t, err)
		assert.False(t, ok)
		assert.LessOrEqual(t, evaluations, int(c.timeout/c.interval)+1)
		assert.Greater(t, evaluations, 1)
	}
}

func TestAwaitTickHookSkipsFirstEvaluation(t *testing.T) {
	var ticks []poll.Tick
	evaluations := 0
	p := poll.New(polltest.NewClock())
	ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
		evaluations++
		return evaluations == 4, nil
	}, poll.Options{
		Timeout:  10 * time.Second,
		Interval: time.Second,
		OnTick: func(_ context.Context, tk poll.Tick) {
			// Each hook runs after the evaluation numbered N.
			assert.Equal(t, tk.N, evaluations)
			ticks = append(ticks, tk)
		},
	})

	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ticks, 3)
	for i, tk := range ticks {
		assert.Equal(t, i+1, tk.N)
		assert.Equal(t, time.Duration(i+1)*time.Second, tk.Elapsed)
		assert.Equal(t, 10*time.Second-time.Duration(i+1)*time.Second, tk.Remaining)
	}
}

func TestAwaitTicksStopAtLastEvaluation(t *testing.T) {
	var ticks []poll.Tick
	evaluations := 0
	p := poll.New(polltest.NewClock())
	ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
		evaluations++
		return false, nil
	}, poll.Options{
		Timeout:  120 * time.Second,
		Interval: time.Second,
		OnTick: func(_ context.Context, tk poll.Tick) {
			ticks = append(ticks, tk)
		},
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 121, evaluations)
	require.Len(t, ticks, 120)
	assert.Equal(t, 120, ticks[119].N)
	assert.Equal(t, time.Duration(0), ticks[119].Remaining)

	reissues := 0
	for _, tk := range ticks {
		if tk.Remaining > 0 && tk.N%5 == 0 {
			reissues++
		}
	}
	assert.Equal(t, 23, reissues)
}

func TestAwaitWithoutBudgetEvaluatesOnce(t *testing.T) {
	evaluations := 0
	p := poll.New(polltest.NewClock())
	ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
		evaluations++
		return false, nil
	}, poll.Options{Interval: time.Second, OnTick: func(context.Context, poll.Tick) {
		t.Fatal("no tick expected")
	}})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, evaluations)
}

func TestAwaitConditionErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	evaluations := 0
	p := poll.New(polltest.NewClock())
	ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
		evaluations++
		if evaluations == 2 {
			return false, boom
		}
		return false, nil
	}, poll.Options{Timeout: time.Minute, Interval: time.Second})

	assert.False(t, ok)
	assert.Same(t, boom, err)
	assert.Equal(t, 2, evaluations)
}

func TestAwaitHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := poll.New(polltest.NewClock())
	ok, err := p.Await(ctx, func(context.Context) (bool, error) {
		return false, nil
	}, poll.Options{Timeout: time.Minute, Interval: time.Second})

	assert.False(t, ok)
	// The fake clock's channel is ready too, so either branch may win; a
	// cancelled wait must still never report success.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestAwaitWithWallClock(t *testing.T) {
	calls := 0
	p := poll.New(nil)
	ok, err := p.Await(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	}, poll.Options{Timeout: time.Second, Interval: 10 * time.Millisecond})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
}
