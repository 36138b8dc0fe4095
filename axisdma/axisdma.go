// Package axisdma implements the host side of an AXI-stream FIFO/DMA core.
// Engine owns the register block, the receive and transmit buffer pools and
// the interrupt service loop of one core instance.
//
// Buffer ownership (hardware ↔ software):
//
//   - rx free FIFO: receive handles software leases to hardware.
//   - pending FIFO: completion records (handle, size, status) for filled
//     receive buffers.
//   - tx free FIFO: transmit handles hardware has finished sending.
//   - post FIFO: filled transmit buffers (handle, length, control).
package axisdma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// InterruptSource delivers the core's interrupt line.
type InterruptSource interface {
	// Wait blocks until the core raises an interrupt or ctx is done.
	Wait(ctx context.Context) error
}

// Device bundles the collaborators an Engine drives. Regs and Mem are
// required. Without IRQ, blocked callers rely on the poll interval.
// Regs and IRQ are closed by Engine.Close if they implement io.Closer.
type Device struct {
	Name string
	Regs RegisterFile
	IRQ  InterruptSource
	Mem  Allocator
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for start-up and error reporting.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPollInterval sets how long a blocked caller waits for an interrupt
// before re-checking the hardware. Zero waits for interrupts only.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithWordSpinLimit bounds the spin on the trailing words of a completion
// record. Zero spins until the engine closes.
func WithWordSpinLimit(n int) Option {
	return func(e *Engine) { e.spinLimit = n }
}

// Engine drives one DMA core instance. It is safe for concurrent use:
// receive and transmit calls are serialised per direction.
type Engine struct {
	name         string
	conf         InstanceConfig
	dev          Device
	regs         regs
	log          logrus.FieldLogger
	pollInterval time.Duration
	spinLimit    int

	rx direction
	tx direction

	receiver    Receiver
	transmitter Transmitter

	stats counters

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	irqCancel context.CancelFunc
	irqDone   chan struct{}
}

// Open brings up a DMA core: it clears the hardware FIFOs, allocates both
// buffer pools, seeds the free FIFOs, enables the data paths and the
// interrupt, and sets the link online.
//
// Allocation shortfalls are not fatal; BufferCount reports what was obtained.
func Open(dev Device, conf InstanceConfig, opts ...Option) (*Engine, error) {
	if dev.Regs == nil {
		return nil, fmt.Errorf("opening %q: missing register file", dev.Name)
	}
	if dev.Mem == nil {
		return nil, fmt.Errorf("opening %q: missing allocator", dev.Name)
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("opening %q: %w", dev.Name, err)
	}

	e := &Engine{
		name:         dev.Name,
		conf:         conf,
		dev:          dev,
		regs:         regs{f: dev.Regs},
		log:          logrus.StandardLogger(),
		pollInterval: DefaultPollInterval,
		spinLimit:    DefaultWordSpinLimit,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithField("dev", e.name)
	e.rx.wake = newSignal()
	e.tx.wake = newSignal()
	e.receiver = Receiver{e: e, d: &e.rx}
	e.transmitter = Transmitter{e: e, d: &e.tx}

	e.regs.setMaxRxSize(uint32(conf.RxSize))
	e.regs.clearFIFOs(false)

	e.rx.pool = allocatePool(dev.Mem, "rx", conf.RxCount, conf.RxSize, conf.RxMemory, e.log)
	e.tx.pool = allocatePool(dev.Mem, "tx", conf.TxCount, conf.TxSize, MemoryCoherent, e.log)

	for _, b := range e.rx.pool.buffers {
		e.regs.pushRxFree(uint32(b.handle))
		e.stats.readPushes.Add(1)
	}
	for _, b := range e.tx.pool.buffers {
		e.regs.seedTx(uint32(b.handle))
	}

	e.regs.setRxEnable(true)
	e.regs.setTxEnable(true)

	e.irqDone = make(chan struct{})
	if dev.IRQ != nil {
		var ctx context.Context
		ctx, e.irqCancel = context.WithCancel(context.Background())
		e.regs.ackInterrupt(IntRx | IntTx)
		e.regs.setIntEnable(true)
		go e.serviceInterrupts(ctx)
	} else {
		close(e.irqDone)
	}

	e.regs.setOnline(true)
	return e, nil
}

// Name returns the device name the engine was opened with.
func (e *Engine) Name() string { return e.name }

// Config returns the instance configuration after defaults were applied.
func (e *Engine) Config() InstanceConfig { return e.conf }

// Rx returns the receive side of the engine.
func (e *Engine) Rx() *Receiver { return &e.receiver }

// Tx returns the transmit side of the engine.
func (e *Engine) Tx() *Transmitter { return &e.transmitter }

func (e *Engine) isClosed() bool { return e.closed.Load() }

// serviceInterrupts runs until ctx is canceled, turning interrupts into
// direction wakeups.
func (e *Engine) serviceInterrupts(ctx context.Context) {
	defer close(e.irqDone)
	for {
		if err := e.dev.IRQ.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).Warn("waiting for interrupt")
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.pollInterval + time.Millisecond):
			}
			continue
		}
		e.handleInterrupt()
	}
}

// handleInterrupt reads the pending interrupt bits, wakes the matching
// directions and acknowledges. It reports whether the core was the source.
func (e *Engine) handleInterrupt() bool {
	stat := e.regs.intPending()
	if stat == 0 {
		return false
	}
	e.stats.interrupts.Add(1)
	if stat&IntRx != 0 {
		e.rx.wake.raise()
	}
	if stat&IntTx != 0 {
		e.tx.wake.raise()
	}
	e.regs.ackInterrupt(stat)
	return true
}

// Close shuts the core down. Blocked callers return ErrClosed, buffers
// still held by zero-copy callers are reclaimed and all memory is freed.
// Buffers obtained through Map must not be used after Close.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.close() })
	return e.closeErr
}

func (e *Engine) close() error {
	e.closed.Store(true)
	close(e.done)

	if e.irqCancel != nil {
		e.regs.setIntEnable(false)
		e.irqCancel()
	}
	<-e.irqDone

	e.rx.mu.Lock()
	defer e.rx.mu.Unlock()
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()

	e.regs.setIntEnable(false)
	e.regs.clearFIFOs(true)
	e.regs.setRxEnable(false)
	e.regs.setTxEnable(false)
	e.regs.setOnline(false)

	held := 0
	for _, b := range e.rx.pool.buffers {
		if b.state == StateHeld {
			held++
		}
	}
	if held > 0 {
		e.log.WithField("held", held).Info("reclaiming buffers held at close")
	}

	var errs []error
	if err := e.rx.pool.release(); err != nil {
		errs = append(errs, err)
	}
	if err := e.tx.pool.release(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := e.dev.IRQ.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing interrupt source: %w", err))
		}
	}
	if c, ok := e.dev.Regs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing register file: %w", err))
		}
	}
	return errors.Join(errs...)
}
