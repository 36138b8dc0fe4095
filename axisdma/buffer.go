package axisdma

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	bserrors "github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

// Mem is a section of memory reachable by the DMA core.
//
// Since it is physically allocated, Close must be called before the process
// exits.
type Mem interface {
	io.Closer
	Bytes() []byte
	// PhysAddr is the bus address the DMA core uses for this memory.
	PhysAddr() uint64
}

// Allocator hands out DMA-capable memory. Alloc returns an error once the
// underlying memory is exhausted; the engine keeps what it got so far.
type Allocator interface {
	Alloc(size int, kind MemoryKind) (Mem, error)
}

// MemoryKind selects how receive buffer memory is kept coherent with the core.
type MemoryKind uint8

const (
	// MemoryCoherent is uncached coherent DMA memory.
	MemoryCoherent MemoryKind = iota
	// MemoryACP is cacheable memory accessed through the cache-coherent port.
	MemoryACP
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryCoherent:
		return "coherent"
	case MemoryACP:
		return "acp"
	}
	return "MemoryKind(" + strconv.Itoa(int(k)) + ")"
}

// ParseMemoryKind parses the names returned by MemoryKind.String.
func ParseMemoryKind(s string) (MemoryKind, error) {
	switch s {
	case "", "coherent":
		return MemoryCoherent, nil
	case "acp":
		return MemoryACP, nil
	}
	return 0, fmt.Errorf("unknown memory kind %q", s)
}

// BufferState tracks who owns a buffer.
type BufferState uint8

const (
	// StateFree means hardware owns the buffer: its handle sits in a
	// hardware free FIFO.
	StateFree BufferState = iota
	// StatePending means hardware handed the buffer to software and software
	// has not yet returned it.
	StatePending
	// StateHeld means a zero-copy caller holds the buffer until PostBack.
	StateHeld
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateHeld:
		return "held"
	}
	return "BufferState(" + strconv.Itoa(int(s)) + ")"
}

// legal lists the allowed ownership transitions.
var legal = [3][3]bool{
	StateFree:    {StatePending: true},
	StatePending: {StateFree: true, StateHeld: true},
	StateHeld:    {StateFree: true},
}

// maxHandle is the largest handle a 32-bit FIFO word can carry next to the
// validity bit.
const maxHandle = 0x7FFFFFFF

// Buffer is one fixed-size DMA buffer. Index and Handle never change; the
// ownership state and use counter are guarded by the direction lock.
type Buffer struct {
	index  uint32
	handle uint64
	mem    Mem
	uses   uint64
	state  BufferState
}

// Index returns the buffer's position in allocation order.
func (b *Buffer) Index() uint32 { return b.index }

// Handle returns the physical handle the core knows the buffer by.
func (b *Buffer) Handle() uint64 { return b.handle }

// transition moves the buffer from one ownership state to another, rejecting
// anything but the expected source state.
func (b *Buffer) transition(from, to BufferState) error {
	if b.state != from || !legal[from][to] {
		return bserrors.From(ErrBufferState,
			bserrors.WithMeta(errMetaIndexKey, strconv.Itoa(int(b.index))),
			bserrors.WithMeta(errMetaStateKey, b.state.String()+"->"+to.String()),
		)
	}
	b.state = to
	return nil
}

// pool is the buffer arena of one direction plus its handle index.
// Neither slice is mutated after allocatePool returns.
type pool struct {
	dir       string
	size      int
	requested int
	kind      MemoryKind

	buffers []*Buffer // by index
	sorted  []*Buffer // by handle
}

// allocatePool allocates up to count buffers. It stops at the first
// allocator failure and keeps what was obtained.
func allocatePool(
	a Allocator, dir string, count, size int, kind MemoryKind, log logrus.FieldLogger,
) *pool {
	p := &pool{
		dir:       dir,
		size:      size,
		requested: count,
		kind:      kind,
		buffers:   make([]*Buffer, 0, count),
	}
	log = log.WithField("dir", dir)
	log.WithFields(logrus.Fields{
		"count": count, "size": size, "kind": kind.String(),
	}).Info("creating buffers")

	seen := make(map[uint64]struct{}, count)
	for i := 0; i < count; i++ {
		m, err := a.Alloc(size, kind)
		if err != nil {
			log.WithError(err).WithField("index", i).Warn("buffer allocation failed")
			break
		}
		h := m.PhysAddr()
		if h > maxHandle || len(m.Bytes()) < size {
			log.WithFields(logrus.Fields{
				"index": i, "handle": fmt.Sprintf("0x%x", h), "len": len(m.Bytes()),
			}).Warn("unusable buffer from allocator")
			_ = m.Close()
			break
		}
		if _, dup := seen[h]; dup {
			log.WithFields(logrus.Fields{
				"index": i, "handle": fmt.Sprintf("0x%x", h),
			}).Warn("allocator returned duplicate handle")
			_ = m.Close()
			break
		}
		seen[h] = struct{}{}
		p.buffers = append(p.buffers, &Buffer{
			index:  uint32(i),
			handle: h,
			mem:    m,
		})
	}

	p.sorted = slices.Clone(p.buffers)
	slices.SortFunc(p.sorted, func(a, b *Buffer) int {
		return cmp.Compare(a.handle, b.handle)
	})

	log.WithFields(logrus.Fields{
		"created": len(p.buffers), "requested": count,
		"bytes": len(p.buffers) * size,
	}).Info("created buffers")
	return p
}

func (p *pool) count() int { return len(p.buffers) }

// findByHandle resolves a handle (validity bit already masked) to a buffer
// index. A miss means the pool and the hardware disagree.
func (p *pool) findByHandle(handle uint64) (int, bool) {
	i, ok := slices.BinarySearchFunc(p.sorted, handle, func(b *Buffer, h uint64) int {
		return cmp.Compare(b.handle, h)
	})
	if !ok {
		return -1, false
	}
	return int(p.sorted[i].index), true
}

// buffer returns the buffer at index, or nil when out of range.
func (p *pool) buffer(index int) *Buffer {
	if index < 0 || index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}

// release frees all buffer memory.
func (p *pool) release() error {
	var errs []error
	for _, b := range p.buffers {
		if b.mem == nil {
			continue
		}
		if err := b.mem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("freeing %s buffer %d: %w", p.dir, b.index, err))
		}
		b.mem = nil
		b.state = StateFree
	}
	return errors.Join(errs...)
}
