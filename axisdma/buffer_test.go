package axisdma

import (
	"fmt"
	"io"
	"testing"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

type testMem struct {
	b      []byte
	handle uint64
	closed *int
}

func (m testMem) Bytes() []byte    { return m.b }
func (m testMem) PhysAddr() uint64 { return m.handle }
func (m testMem) Close() error     { *m.closed++; return nil }

// testAlloc returns handles from a fixed list and fails once it runs out.
type testAlloc struct {
	handles []uint64
	closed  int
}

func (a *testAlloc) Alloc(size int, _ MemoryKind) (Mem, error) {
	if len(a.handles) == 0 {
		return nil, fmt.Errorf("exhausted")
	}
	h := a.handles[0]
	a.handles = a.handles[1:]
	return testMem{b: make([]byte, size), handle: h, closed: &a.closed}, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPoolHandleIndexRoundTrip(t *testing.T) {
	a := &testAlloc{}
	for i := 0; i < 64; i++ {
		// Scrambled, not monotonic in either direction.
		a.handles = append(a.handles, uint64((i*37)%64)*0x1000+0x4000_0000)
	}
	p := allocatePool(a, "rx", 64, 256, MemoryCoherent, quietLogger())
	if p.count() != 64 {
		t.Fatalf("count: got %d, want 64", p.count())
	}
	seen := map[uint64]bool{}
	for _, b := range p.buffers {
		if seen[b.handle] {
			t.Fatalf("duplicate handle 0x%x", b.handle)
		}
		seen[b.handle] = true
		idx, ok := p.findByHandle(b.handle)
		if !ok || idx != int(b.index) {
			t.Fatalf("findByHandle(0x%x) = %d, %v; want %d", b.handle, idx, ok, b.index)
		}
	}
	if _, ok := p.findByHandle(0x1234); ok {
		t.Fatalf("found a handle that was never allocated")
	}
}

func TestPoolShortfall(t *testing.T) {
	a := &testAlloc{handles: []uint64{0x5000, 0x4000, 0x3000, 0x2000, 0x1000}}
	p := allocatePool(a, "rx", 8, 128, MemoryACP, quietLogger())
	if p.count() != 5 {
		t.Fatalf("count: got %d, want 5", p.count())
	}
	if p.requested != 8 {
		t.Fatalf("requested: got %d, want 8", p.requested)
	}
	for i, b := range p.buffers {
		if int(b.index) != i {
			t.Fatalf("buffer %d has index %d", i, b.index)
		}
	}
}

func TestPoolRejectsUnusableHandles(t *testing.T) {
	for name, handles := range map[string][]uint64{
		"duplicate": {0x1000, 0x2000, 0x1000, 0x3000},
		"too wide":  {0x1000, 0x2000, 0x8000_0000, 0x3000},
	} {
		t.Run(name, func(t *testing.T) {
			a := &testAlloc{handles: handles}
			p := allocatePool(a, "rx", 4, 64, MemoryCoherent, quietLogger())
			if p.count() != 2 {
				t.Fatalf("count: got %d, want 2", p.count())
			}
			if a.closed != 1 {
				t.Fatalf("rejected memory not freed: %d closes", a.closed)
			}
		})
	}
}

func TestPoolRelease(t *testing.T) {
	a := &testAlloc{handles: []uint64{0x1000, 0x2000, 0x3000}}
	p := allocatePool(a, "tx", 3, 64, MemoryCoherent, quietLogger())
	if err := p.release(); err != nil {
		t.Fatal(err)
	}
	if err := p.release(); err != nil {
		t.Fatal(err)
	}
	if a.closed != 3 {
		t.Fatalf("closes: got %d, want 3", a.closed)
	}
}

func TestBufferTransitions(t *testing.T) {
	b := &Buffer{index: 3}
	if err := b.transition(StateFree, StateHeld); !errors.Is(err, ErrBufferState) {
		t.Fatalf("free -> held: got %v, want ErrBufferState", err)
	}
	steps := [][2]BufferState{
		{StateFree, StatePending},
		{StatePending, StateHeld},
		{StateHeld, StateFree},
		{StateFree, StatePending},
		{StatePending, StateFree},
	}
	for _, s := range steps {
		if err := b.transition(s[0], s[1]); err != nil {
			t.Fatalf("%s -> %s: %v", s[0], s[1], err)
		}
	}
	if err := b.transition(StatePending, StateFree); !errors.Is(err, ErrBufferState) {
		t.Fatalf("stale source state accepted: %v", err)
	}
	if b.state != StateFree {
		t.Fatalf("rejected transition changed state to %s", b.state)
	}
}
