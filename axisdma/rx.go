package axisdma

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

// Frame describes a received frame.
type Frame struct {
	// Index is the receive buffer the frame landed in. After ReadZeroCopy
	// the caller holds that buffer until PostBack.
	Index  int
	Length int
	Tags
	// Overflow and WriteError mirror the status flags reported by the core.
	Overflow   bool
	WriteError bool
}

// Receiver is the receive direction of an Engine.
type Receiver struct {
	e *Engine
	d *direction
}

// BufferSize returns the configured receive buffer size.
func (r *Receiver) BufferSize() int { return r.d.pool.size }

// BufferCount returns the number of receive buffers actually allocated.
func (r *Receiver) BufferCount() int { return r.d.pool.count() }

// IsReadable reports whether the pending FIFO holds a completion record.
// It never blocks.
func (r *Receiver) IsReadable() bool {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.e.isClosed() {
		return false
	}
	return r.e.regs.fifoValid()&StatusReadable != 0
}

// AcknowledgeOnline pulses the online acknowledge bit.
func (r *Receiver) AcknowledgeOnline() error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.e.isClosed() {
		return ErrClosed
	}
	r.e.regs.pulseAck()
	r.e.stats.acks.Add(1)
	return nil
}

// ReadCopy waits for a frame and copies it into dst. The buffer goes back
// to hardware before ReadCopy returns, also when dst is too small, in which
// case nothing is copied and ErrBufferOverflow is returned together with the
// frame's metadata.
func (r *Receiver) ReadCopy(ctx context.Context, dst []byte) (Frame, error) {
	return r.readCopy(ctx, dst, true)
}

// TryReadCopy is ReadCopy without waiting. It returns ErrNotReady if no
// frame is pending.
func (r *Receiver) TryReadCopy(dst []byte) (Frame, error) {
	return r.readCopy(context.Background(), dst, false)
}

// ReadZeroCopy waits for a frame and leases its buffer to the caller.
// The buffer stays out of the free FIFO until PostBack(Frame.Index).
func (r *Receiver) ReadZeroCopy(ctx context.Context) (Frame, error) {
	return r.readZeroCopy(ctx, true)
}

// TryReadZeroCopy is ReadZeroCopy without waiting.
func (r *Receiver) TryReadZeroCopy() (Frame, error) {
	return r.readZeroCopy(context.Background(), false)
}

func (r *Receiver) readCopy(ctx context.Context, dst []byte, block bool) (Frame, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	b, c, err := r.next(ctx, block)
	if err != nil {
		return Frame{Index: -1}, err
	}
	f := frameOf(b, c)
	defer r.recycle(b)

	if len(dst) < c.Length {
		r.e.stats.readSizeErrors.Add(1)
		err := errors.From(ErrBufferOverflow,
			errors.WithMeta(errMetaOpKey, errMetaOpRead),
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(c.Length)),
			errors.WithMeta("capacity", strconv.Itoa(len(dst))),
		)
		r.warn(err, logrus.Fields{"index": b.index, "len": c.Length, "cap": len(dst)})
		return f, err
	}
	copy(dst, b.mem.Bytes()[:c.Length])
	r.e.stats.reads.Add(1)
	return f, nil
}

func (r *Receiver) readZeroCopy(ctx context.Context, block bool) (Frame, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	b, c, err := r.next(ctx, block)
	if err != nil {
		return Frame{Index: -1}, err
	}
	if err := b.transition(StatePending, StateHeld); err != nil {
		// Unreachable while next returns only pending buffers.
		r.e.stats.stateErrors.Add(1)
		return Frame{Index: -1}, err
	}
	r.e.stats.reads.Add(1)
	return frameOf(b, c), nil
}

// next obtains the next completion record and resolves it to a buffer,
// which is returned in StatePending. r.d.mu must be held.
func (r *Receiver) next(ctx context.Context, block bool) (*Buffer, Completion, error) {
	if r.d.pool.count() == 0 {
		return nil, Completion{}, ErrNoBuffers
	}
	rr := recordReader{
		r:         r.e.regs,
		spinLimit: r.e.spinLimit,
		closed:    r.e.isClosed,
	}
	for {
		if r.e.isClosed() {
			return nil, Completion{}, ErrClosed
		}
		// The wakeup channel is captured before sampling the hardware so an
		// interrupt raised in between is not lost.
		hint := r.d.wake.wait()
		if rr.begin() {
			break
		}
		if !block {
			return nil, Completion{}, ErrNotReady
		}
		if err := r.e.await(ctx, r.d, hint); err != nil {
			return nil, Completion{}, err
		}
	}
	r.e.stats.readPops.Add(1)

	c, err := rr.finish()
	if err != nil {
		if IsClosed(err) {
			return nil, Completion{}, err
		}
		r.e.stats.descErrors.Add(1)
		r.warn(err, logrus.Fields{"words": fmt.Sprintf("%08x", rr.words[:rr.state])})
		r.strand(uint64(rr.words[0] & wordData))
		return nil, Completion{}, err
	}

	idx, ok := r.d.pool.findByHandle(c.Handle)
	if !ok {
		r.e.stats.readSearchErrors.Add(1)
		err := errors.From(ErrHandleNotFound,
			errors.WithMeta(errMetaOpKey, errMetaOpRead),
			errors.WithMeta(errMetaHandleKey, fmt.Sprintf("0x%x", c.Handle)),
		)
		r.warn(err, nil)
		return nil, Completion{}, err
	}
	b := r.d.pool.buffer(idx)
	if err := b.transition(StateFree, StatePending); err != nil {
		r.e.stats.stateErrors.Add(1)
		r.warn(err, logrus.Fields{"handle": fmt.Sprintf("0x%x", c.Handle)})
		return nil, Completion{}, err
	}
	b.uses++

	if c.Length > r.d.pool.size {
		r.e.stats.descErrors.Add(1)
		err := errors.From(ErrFraming,
			errors.WithMeta(errMetaWordKey, "size"),
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(c.Length)),
		)
		r.warn(err, logrus.Fields{"index": b.index})
		r.recycle(b)
		return nil, Completion{}, err
	}
	if c.Overflow {
		r.e.stats.overflows.Add(1)
	}
	if c.WriteError {
		r.e.stats.axiWriteErrors.Add(1)
	}
	return b, c, nil
}

// strand takes a buffer whose completion record could not be decoded out of
// rotation. Its handle left the free FIFO but the frame is lost, so it is
// parked in StatePending and no longer reaches the hardware.
func (r *Receiver) strand(handle uint64) {
	idx, ok := r.d.pool.findByHandle(handle)
	if !ok {
		return
	}
	b := r.d.pool.buffer(idx)
	if b.transition(StateFree, StatePending) == nil {
		r.e.log.WithFields(logrus.Fields{
			"dir": "rx", "index": b.index, "handle": fmt.Sprintf("0x%x", handle),
		}).Warn("buffer stranded by framing error")
	}
}

// recycle returns a pending or held buffer to the hardware free FIFO.
// r.d.mu must be held.
func (r *Receiver) recycle(b *Buffer) {
	if err := b.transition(b.state, StateFree); err != nil {
		r.e.stats.stateErrors.Add(1)
		r.warn(err, nil)
		return
	}
	r.e.regs.pushRxFree(uint32(b.handle))
	r.e.stats.readPushes.Add(1)
}

// PostBack returns a buffer obtained through ReadZeroCopy to hardware.
// Returning a buffer that is out of range or not held is reported as misuse
// and leaves the pool untouched.
func (r *Receiver) PostBack(index int) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.e.isClosed() {
		return ErrClosed
	}
	b := r.d.pool.buffer(index)
	if b == nil {
		return r.misuse(ErrInvalidIndex, index)
	}
	if b.state != StateHeld {
		return r.misuse(ErrNotHeld, index)
	}
	r.recycle(b)
	return nil
}

// ReleaseAll returns every buffer held by zero-copy callers to hardware and
// reports how many were returned.
func (r *Receiver) ReleaseAll() int {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.e.isClosed() {
		return 0
	}
	n := 0
	for _, b := range r.d.pool.buffers {
		if b.state == StateHeld {
			r.recycle(b)
			n++
		}
	}
	return n
}

// MapBuffer returns the memory of receive buffer index. The slice aliases
// DMA memory: it is only meaningful while the caller holds the buffer and
// must not be used after Close.
func (r *Receiver) MapBuffer(index int) ([]byte, error) {
	size := r.d.pool.size
	return r.Map(index*size, size)
}

// Map resolves a mapping request expressed as a byte range over the
// concatenated receive buffers. length must be exactly one buffer size and
// offset a whole multiple of it.
func (r *Receiver) Map(offset, length int) ([]byte, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.e.isClosed() {
		return nil, ErrClosed
	}
	size := r.d.pool.size
	if length != size || offset < 0 || size == 0 || offset%size != 0 ||
		offset/size >= r.d.pool.count() {
		r.e.stats.misuseErrors.Add(1)
		err := errors.From(ErrInvalidMapping,
			errors.WithMeta(errMetaOpKey, errMetaOpMap),
			errors.WithMeta("offset", strconv.Itoa(offset)),
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(length)),
		)
		r.warn(err, nil)
		return nil, err
	}
	return r.d.pool.buffers[offset/size].mem.Bytes()[:size:size], nil
}

func (r *Receiver) misuse(sentinel error, index int) error {
	r.e.stats.misuseErrors.Add(1)
	err := errors.From(sentinel,
		errors.WithMeta(errMetaOpKey, errMetaOpPost),
		errors.WithMeta(errMetaIndexKey, strconv.Itoa(index)),
	)
	r.warn(err, nil)
	return err
}

func (r *Receiver) warn(err error, f logrus.Fields) {
	r.e.log.WithFields(f).WithField("dir", "rx").WithError(err).Warn("receive failed")
}

func frameOf(b *Buffer, c Completion) Frame {
	return Frame{
		Index:      int(b.index),
		Length:     c.Length,
		Tags:       c.Tags,
		Overflow:   c.Overflow,
		WriteError: c.WriteError,
	}
}
