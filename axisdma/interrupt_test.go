package axisdma

import (
	"slices"
	"testing"
)

// latchRegs reports pend on the first intPending read and latches late as
// soon as that read happened.
type latchRegs struct {
	scriptRegs
	pend, late uint32
}

func (l *latchRegs) Read32(off uint32) uint32 {
	if off != RegIntPendAck {
		return l.scriptRegs.Read32(off)
	}
	v := l.pend
	l.pend |= l.late
	return v
}

func (l *latchRegs) Write32(off, v uint32) {
	l.scriptRegs.Write32(off, v)
	if off == RegIntPendAck {
		l.pend &^= v
	}
}

func TestInterruptAckKeepsLateBits(t *testing.T) {
	f := &latchRegs{pend: IntTx, late: IntRx}
	e := &Engine{regs: regs{f: f}}
	e.rx.wake = newSignal()
	e.tx.wake = newSignal()
	rxHint, txHint := e.rx.wake.wait(), e.tx.wake.wait()

	if !e.handleInterrupt() {
		t.Fatalf("interrupt not handled")
	}
	select {
	case <-txHint:
	default:
		t.Fatalf("tx waiters not woken")
	}
	select {
	case <-rxHint:
		t.Fatalf("rx waiters woken without rx bit")
	default:
	}
	if got := f.writes[RegIntPendAck]; !slices.Equal(got, []uint32{IntTx}) {
		t.Fatalf("ack writes %x, want [%x]", got, IntTx)
	}
	if f.pend != IntRx {
		t.Fatalf("rx edge latched during service was cleared: pending %x", f.pend)
	}

	// The late edge is serviced by the next pass.
	if !e.handleInterrupt() {
		t.Fatalf("late rx edge lost")
	}
	select {
	case <-rxHint:
	default:
		t.Fatalf("rx waiters not woken")
	}
	if e.stats.interrupts.Load() != 2 {
		t.Fatalf("interrupts %d", e.stats.interrupts.Load())
	}
}
