// Package polltest provides a clock that never sleeps.
package polltest

import (
	"time"

	"github.com/juju/clock/testclock"
)

var epoch = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a test clock that advances by the requested duration
// whenever After is called, so waits of any budget finish instantly while
// observing exactly the nominal timeline.
func NewClock() *testclock.AutoAdvancingClock {
	clk := testclock.NewClock(epoch)
	return &testclock.AutoAdvancingClock{
		Clock: clk,
		Advance: func(d time.Duration) {
			clk.Advance(d)
			// Alarm notifications are buffered and panic when full.
			for {
				select {
				case <-clk.Alarms():
				default:
					return
				}
			}
		},
	}
}
