//go:build linux

package main

import (
	"fmt"
	"testing"

	"github.com/brickingsoft/errors"

	"github.com/romshark/axisdma-go/axisdma"
)

func TestStopsReader(t *testing.T) {
	for _, tc := range []struct {
		err  error
		stop bool
	}{
		{axisdma.ErrClosed, true},
		{axisdma.ErrNoBuffers, true},
		{fmt.Errorf("reading: %w", axisdma.ErrNoBuffers), true},
		{errors.From(axisdma.ErrBufferOverflow), false},
		{axisdma.ErrFraming, false},
		{axisdma.ErrHandleNotFound, false},
	} {
		if got := stopsReader(tc.err); got != tc.stop {
			t.Errorf("stopsReader(%v) = %t, want %t", tc.err, got, tc.stop)
		}
	}
}
