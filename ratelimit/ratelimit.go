// Package ratelimit paces frame submission to a target frames-per-second.
package ratelimit

import "time"

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	period     time.Duration
	frames     uint64
	unchecked  uint64
	checkEvery uint64
	start      time.Time
	sleep      func(time.Duration)
	now        func() time.Time
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		period: time.Second / time.Duration(fps),
		start:  time.Now(),
		sleep:  time.Sleep,
		now:    time.Now,

		// Look at the clock roughly every 10ms worth of frames,
		// between every 8 and every 512 frames.
		checkEvery: min(max(fps/100, 8), 512),
	}
}

// Frames records n submitted frames and blocks while ahead of schedule.
// Falling behind is not compensated by bursting later.
func (t *Throttle) Frames(n uint64) {
	if t == nil || n == 0 {
		return
	}
	t.frames += n
	t.unchecked += n
	if t.unchecked < t.checkEvery {
		return
	}
	t.unchecked = 0

	due := t.start.Add(time.Duration(t.frames) * t.period)
	now := t.now()
	if now.Before(due) {
		t.sleep(due.Sub(now))
		return
	}
	if late := now.Sub(due); late > 100*t.period {
		// Restart the schedule instead of running flat out to catch up.
		t.start, t.frames = now, 0
	}
}

// Frame records a single frame.
func (t *Throttle) Frame() { t.Frames(1) }
