// Package hwsim simulates an AXI-stream FIFO/DMA core for tests and for
// running the tools without hardware.
//
// A Core is at once the register file, the interrupt line and the DMA
// memory allocator of an axisdma.Device. Frames enter the receive path via
// Inject and leave the transmit path as Posted records.
package hwsim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/romshark/axisdma-go/axisdma"
)

const wordValid = 0x80000000

// Posted is a frame the engine handed to the transmit path.
type Posted struct {
	Handle uint32
	Data   []byte
	Tags   axisdma.Tags
}

// Option configures a Core.
type Option func(*Core)

// WithAllocLimit makes the allocator fail after n successful allocations.
func WithAllocLimit(n int) Option { return func(c *Core) { c.allocLimit = n } }

// WithHandleBase sets the physical address of the first allocation.
func WithHandleBase(base uint64) Option { return func(c *Core) { c.nextHandle = base } }

// WithDescendingHandles hands out physical addresses in decreasing order,
// so allocation order and handle order disagree.
func WithDescendingHandles() Option { return func(c *Core) { c.descending = true } }

// WithLoopback feeds every posted frame back into the receive path.
func WithLoopback() Option { return func(c *Core) { c.loopback = true } }

// WithManualTxCompletion keeps posted buffers until CompleteTx is called
// instead of returning them to the transmit free FIFO right away.
func WithManualTxCompletion() Option { return func(c *Core) { c.manualTx = true } }

// Core is a simulated DMA core. All methods are safe for concurrent use.
type Core struct {
	mu sync.Mutex

	ctrl map[uint32]uint32

	rxFree *queue.Queue // handles
	rxPend *queue.Queue // completion record words
	txFree *queue.Queue // handle words
	txDone *queue.Queue // handles awaiting CompleteTx

	post     [3]uint32
	postLen  int
	posted   []Posted
	pushLog  []uint32
	intPend  uint32
	accesses atomic.Uint64

	mem        map[uint64][]byte
	handles    []uint64
	allocLimit int
	nextHandle uint64
	descending bool
	loopback   bool
	manualTx   bool

	irq    chan struct{}
	closed chan struct{}
	once   sync.Once
}

var (
	_ axisdma.RegisterFile    = (*Core)(nil)
	_ axisdma.InterruptSource = (*Core)(nil)
	_ axisdma.Allocator       = (*Core)(nil)
)

// New creates a Core. Handles start at 0x10000000 and grow by the
// allocation size rounded up to 4 KiB.
func New(opts ...Option) *Core {
	c := &Core{
		ctrl:       make(map[uint32]uint32),
		rxFree:     queue.New(),
		rxPend:     queue.New(),
		txFree:     queue.New(),
		txDone:     queue.New(),
		mem:        make(map[uint64][]byte),
		allocLimit: -1,
		nextHandle: 0x10000000,
		irq:        make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Device returns an axisdma.Device backed by c.
func (c *Core) Device(name string) axisdma.Device {
	return axisdma.Device{Name: name, Regs: c, IRQ: c, Mem: c}
}

// Alloc implements axisdma.Allocator.
func (c *Core) Alloc(size int, kind axisdma.MemoryKind) (axisdma.Mem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocLimit == 0 {
		return nil, fmt.Errorf("simulated %s memory exhausted", kind)
	}
	if c.allocLimit > 0 {
		c.allocLimit--
	}
	step := uint64(size+0xFFF) &^ 0xFFF
	if step == 0 {
		step = 0x1000
	}
	if c.descending {
		c.nextHandle -= step
	}
	h := c.nextHandle
	if !c.descending {
		c.nextHandle += step
	}
	b := make([]byte, size)
	c.mem[h] = b
	c.handles = append(c.handles, h)
	return &memory{c: c, handle: h, b: b}, nil
}

type memory struct {
	c      *Core
	handle uint64
	b      []byte
}

func (m *memory) Bytes() []byte    { return m.b }
func (m *memory) PhysAddr() uint64 { return m.handle }

func (m *memory) Close() error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	if _, ok := m.c.mem[m.handle]; !ok {
		return fmt.Errorf("double free of 0x%x", m.handle)
	}
	delete(m.c.mem, m.handle)
	return nil
}

// Handles returns every handle allocated so far in allocation order.
func (c *Core) Handles() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.handles...)
}

// Allocated reports how many allocations are still live.
func (c *Core) Allocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}

// Read32 implements axisdma.RegisterFile.
func (c *Core) Read32(off uint32) uint32 {
	c.accesses.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case axisdma.RegFIFOValid:
		var v uint32
		if c.rxPend.Length() > 0 {
			v |= axisdma.StatusReadable
		}
		if c.txFree.Length() > 0 {
			v |= axisdma.StatusWritable
		}
		return v
	case axisdma.RegIntPendAck:
		return c.intPend
	case axisdma.PortRxPend:
		return pop(c.rxPend)
	case axisdma.PortTxFree:
		return pop(c.txFree)
	}
	return c.ctrl[off]
}

// Write32 implements axisdma.RegisterFile.
func (c *Core) Write32(off, v uint32) {
	c.accesses.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case axisdma.RegFIFOClear:
		if v&1 != 0 {
			c.rxFree = queue.New()
			c.rxPend = queue.New()
			c.txFree = queue.New()
			c.txDone = queue.New()
			c.postLen = 0
		}
	case axisdma.RegIntPendAck:
		c.intPend &^= v
		return
	case axisdma.PortRxFree:
		if c.inReset() {
			return
		}
		c.rxFree.Add(v)
		c.pushLog = append(c.pushLog, v)
		return
	case axisdma.PortTxSeed:
		if c.inReset() {
			return
		}
		c.txFree.Add(wordValid | v)
		c.raise(axisdma.IntTx)
		return
	case axisdma.PortTxPostA, axisdma.PortTxPostB, axisdma.PortTxPostC:
		c.writePost(off, v)
		return
	}
	c.ctrl[off] = v
}

func (c *Core) inReset() bool { return c.ctrl[axisdma.RegFIFOClear]&1 != 0 }

func (c *Core) writePost(off, v uint32) {
	i := int(off-axisdma.PortTxPostA) / 4
	if i != c.postLen {
		// Out of order post words desynchronise the record; start over.
		c.postLen = 0
		if i != 0 {
			return
		}
	}
	c.post[i] = v
	c.postLen++
	if c.postLen < 3 {
		return
	}
	c.postLen = 0

	h, n, tags := c.post[0], int(c.post[1]), axisdma.DecodeControl(c.post[2])
	buf := c.mem[uint64(h)]
	if n > len(buf) {
		n = len(buf)
	}
	p := Posted{Handle: h, Data: append([]byte(nil), buf[:n]...), Tags: tags}
	c.posted = append(c.posted, p)
	if c.loopback {
		_ = c.inject(p.Data, p.Tags)
	}
	if c.manualTx {
		c.txDone.Add(h)
		return
	}
	c.txFree.Add(wordValid | h)
	c.raise(axisdma.IntTx)
}

// CompleteTx returns up to n posted buffers to the transmit free FIFO and
// reports how many were returned.
func (c *Core) CompleteTx(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := 0
	for ; done < n && c.txDone.Length() > 0; done++ {
		c.txFree.Add(wordValid | c.txDone.Remove().(uint32))
	}
	if done > 0 {
		c.raise(axisdma.IntTx)
	}
	return done
}

// Inject delivers a frame into the buffer at the head of the receive free
// FIFO. Frames longer than the max receive size are truncated and flagged
// as overflow.
func (c *Core) Inject(data []byte, tags axisdma.Tags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inject(data, tags)
}

func (c *Core) inject(data []byte, tags axisdma.Tags) error {
	if c.ctrl[axisdma.RegRxEnable]&1 == 0 || c.inReset() {
		return fmt.Errorf("receive path disabled")
	}
	if c.rxFree.Length() == 0 {
		return fmt.Errorf("no free receive buffer")
	}
	return c.fill(c.rxFree.Remove().(uint32), data, tags, false)
}

// InjectHandle delivers a frame into the buffer with the given handle,
// taking it out of the receive free FIFO wherever it sits.
func (c *Core) InjectHandle(handle uint32, data []byte, tags axisdma.Tags, writeErr bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := queue.New()
	found := false
	for c.rxFree.Length() > 0 {
		h := c.rxFree.Remove().(uint32)
		if h == handle && !found {
			found = true
			continue
		}
		q.Add(h)
	}
	c.rxFree = q
	if !found {
		return fmt.Errorf("handle 0x%x not in free FIFO", handle)
	}
	return c.fill(handle, data, tags, writeErr)
}

func (c *Core) fill(handle uint32, data []byte, tags axisdma.Tags, writeErr bool) error {
	buf, ok := c.mem[uint64(handle)]
	if !ok {
		return fmt.Errorf("handle 0x%x has no memory", handle)
	}
	n, overflow := len(data), false
	if lim := int(c.ctrl[axisdma.RegMaxRxSize]); lim > 0 && n > lim {
		n, overflow = lim, true
	}
	if n > len(buf) {
		n, overflow = len(buf), true
	}
	copy(buf, data[:n])
	words := axisdma.EncodeCompletion(axisdma.Completion{
		Handle:     uint64(handle),
		Length:     n,
		Tags:       tags,
		Overflow:   overflow,
		WriteError: writeErr,
	})
	for _, w := range words {
		c.rxPend.Add(w)
	}
	c.raise(axisdma.IntRx)
	return nil
}

// InjectRaw pushes words into the pending FIFO as they are and raises the
// receive interrupt.
func (c *Core) InjectRaw(words ...uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range words {
		c.rxPend.Add(w)
	}
	c.raise(axisdma.IntRx)
}

// raise latches interrupt bits and signals the line. c.mu must be held.
func (c *Core) raise(bits uint32) {
	if c.ctrl[axisdma.RegIntEnable]&1 == 0 {
		return
	}
	c.intPend |= bits
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

// Wait implements axisdma.InterruptSource.
func (c *Core) Wait(ctx context.Context) error {
	select {
	case <-c.irq:
		return nil
	case <-c.closed:
		return fmt.Errorf("simulated core closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Posted returns the frames transmitted so far.
func (c *Core) Posted() []Posted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Posted(nil), c.posted...)
}

// RxFree returns the handles currently in the receive free FIFO.
func (c *Core) RxFree() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.rxFree)
}

// RxFreePushes returns every handle written to the receive free FIFO since
// the last reset of the log.
func (c *Core) RxFreePushes() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.pushLog...)
}

// ResetLog clears the receive free FIFO push log.
func (c *Core) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushLog = nil
}

// Pending returns the number of words in the pending FIFO.
func (c *Core) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxPend.Length()
}

// Reg returns the last value written to a control register.
func (c *Core) Reg(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl[off]
}

// Accesses returns the number of register reads and writes so far.
func (c *Core) Accesses() uint64 { return c.accesses.Load() }

// Close releases goroutines blocked in Wait. It is safe to call more than
// once.
func (c *Core) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Core) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func pop(q *queue.Queue) uint32 {
	if q.Length() == 0 {
		return 0
	}
	return q.Remove().(uint32)
}

func snapshot(q *queue.Queue) []uint32 {
	out := make([]uint32, q.Length())
	for i := range out {
		out[i] = q.Get(i).(uint32)
	}
	return out
}
