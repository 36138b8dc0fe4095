package axisdma

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

// Transmitter is the transmit direction of an Engine.
type Transmitter struct {
	e *Engine
	d *direction
}

// BufferSize returns the configured transmit buffer size, the largest
// payload Write accepts.
func (t *Transmitter) BufferSize() int { return t.d.pool.size }

// BufferCount returns the number of transmit buffers actually allocated.
func (t *Transmitter) BufferCount() int { return t.d.pool.count() }

// IsWritable reports whether the transmit free FIFO holds a handle.
// It never blocks.
func (t *Transmitter) IsWritable() bool {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.e.isClosed() {
		return false
	}
	return t.e.regs.fifoValid()&StatusWritable != 0
}

// Write waits for a free transmit buffer, copies payload into it and posts
// it with the given sideband tags. It returns the number of bytes posted.
// A payload larger than BufferSize is rejected before the hardware is
// touched.
func (t *Transmitter) Write(ctx context.Context, payload []byte, tags Tags) (int, error) {
	return t.write(ctx, payload, tags, true)
}

// TryWrite is Write without waiting. It returns ErrNotReady if no transmit
// buffer is free.
func (t *Transmitter) TryWrite(payload []byte, tags Tags) (int, error) {
	return t.write(context.Background(), payload, tags, false)
}

func (t *Transmitter) write(ctx context.Context, payload []byte, tags Tags, block bool) (int, error) {
	if len(payload) > t.d.pool.size {
		t.e.stats.writeSizeErrors.Add(1)
		err := errors.From(ErrPayloadTooLarge,
			errors.WithMeta(errMetaOpKey, errMetaOpWrite),
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(len(payload))),
		)
		t.warn(err, logrus.Fields{"len": len(payload), "max": t.d.pool.size})
		return 0, err
	}
	if t.d.pool.count() == 0 {
		return 0, ErrNoBuffers
	}

	t.d.mu.Lock()
	defer t.d.mu.Unlock()

	var w uint32
	for {
		if t.e.isClosed() {
			return 0, ErrClosed
		}
		hint := t.d.wake.wait()
		if w = t.e.regs.popTxFree(); w&wordValid != 0 {
			break
		}
		if !block {
			return 0, ErrNotReady
		}
		if err := t.e.await(ctx, t.d, hint); err != nil {
			return 0, err
		}
	}

	handle := uint64(w & wordData)
	idx, ok := t.d.pool.findByHandle(handle)
	if !ok {
		t.e.stats.writeSearchErrors.Add(1)
		err := errors.From(ErrHandleNotFound,
			errors.WithMeta(errMetaOpKey, errMetaOpWrite),
			errors.WithMeta(errMetaHandleKey, fmt.Sprintf("0x%x", handle)),
		)
		t.warn(err, nil)
		return 0, err
	}
	b := t.d.pool.buffer(idx)
	copy(b.mem.Bytes(), payload)
	b.uses++
	t.e.regs.pushPost(uint32(b.handle), uint32(len(payload)), encodeControl(tags))
	t.e.stats.writes.Add(1)
	return len(payload), nil
}

func (t *Transmitter) warn(err error, f logrus.Fields) {
	t.e.log.WithFields(f).WithField("dir", "tx").WithError(err).Warn("transmit failed")
}
