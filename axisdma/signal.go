package axisdma

import (
	"context"
	"sync"
	"time"
)

// signal is a broadcast wakeup. raise closes the current channel and
// installs a fresh one, so every goroutine that captured the old channel is
// released at once.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

// wait returns the channel that the next raise closes.
func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) raise() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// direction is the serialisation domain of one data direction.
// mu guards every register access and every buffer state change of pool.
type direction struct {
	mu   sync.Mutex
	wake *signal
	pool *pool
}

// await releases d.mu until hint fires, the poll interval elapses, the
// engine closes or ctx is done, then re-acquires d.mu. A wakeup is only a
// hint: callers re-check the hardware after await returns nil.
func (e *Engine) await(ctx context.Context, d *direction, hint <-chan struct{}) error {
	d.mu.Unlock()
	defer d.mu.Lock()

	var tick <-chan time.Time
	if e.pollInterval > 0 {
		t := time.NewTimer(e.pollInterval)
		defer t.Stop()
		tick = t.C
	}

	select {
	case <-hint:
	case <-tick:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
