// Package clock provides the injectable monotonic time source called
// for in SPEC_FULL.md §9 ("Time source"). DARQ and the cache-awareness
// tree's eviction ticker both take a clock.Clock so the §8 scenarios
// can drive time deterministically with a clock.Mock instead of
// sleeping in real time.
package clock

import "github.com/benbjohnson/clock"

// Clock is the time source every timing-sensitive component depends on.
type Clock = clock.Clock

// Timer and Mock are re-exported for callers that need to construct or
// advance a fake clock in tests without importing benbjohnson/clock
// directly.
type Timer = clock.Timer
type Mock = clock.Mock

// New returns the real wall-clock implementation.
func New() Clock { return clock.New() }

// NewMock returns a fake clock pinned at the Unix epoch, advanced
// explicitly via Mock.Add/Mock.Set in tests.
func NewMock() *Mock { return clock.NewMock() }

// NowMs returns the current time from c in milliseconds, the unit
// every deadline and eligibility computation in this module uses.
func NowMs(c Clock) int64 {
	return c.Now().UnixNano() / int64(1e6)
}
