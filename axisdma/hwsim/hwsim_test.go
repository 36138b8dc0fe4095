package hwsim_test

import (
	"context"
	"testing"
	"time"

	"github.com/romshark/axisdma-go/axisdma"
	"github.com/romshark/axisdma-go/axisdma/hwsim"
)

func TestAllocLimit(t *testing.T) {
	c := hwsim.New(hwsim.WithAllocLimit(2), hwsim.WithDescendingHandles(), hwsim.WithHandleBase(0x100000))
	a, err := c.Alloc(100, axisdma.MemoryCoherent)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Alloc(5000, axisdma.MemoryACP)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Alloc(100, axisdma.MemoryCoherent); err == nil {
		t.Fatalf("allocation past the limit succeeded")
	}
	if a.PhysAddr() != 0xFF000 || b.PhysAddr() != 0xFD000 {
		t.Fatalf("handles 0x%x 0x%x", a.PhysAddr(), b.PhysAddr())
	}
	if len(a.Bytes()) != 100 || len(b.Bytes()) != 5000 {
		t.Fatalf("sizes %d %d", len(a.Bytes()), len(b.Bytes()))
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err == nil {
		t.Fatalf("double free accepted")
	}
	if c.Allocated() != 1 {
		t.Fatalf("allocated: %d", c.Allocated())
	}
}

func TestReceivePath(t *testing.T) {
	c := hwsim.New()
	m, _ := c.Alloc(64, axisdma.MemoryCoherent)
	h := uint32(m.PhysAddr())

	if err := c.Inject([]byte("x"), axisdma.Tags{}); err == nil {
		t.Fatalf("inject with receive disabled succeeded")
	}
	c.Write32(axisdma.RegRxEnable, 1)
	c.Write32(axisdma.RegMaxRxSize, 16)
	c.Write32(axisdma.PortRxFree, h)

	if err := c.Inject(make([]byte, 20), axisdma.Tags{Dest: 2}); err != nil {
		t.Fatal(err)
	}
	if c.Read32(axisdma.RegFIFOValid)&axisdma.StatusReadable == 0 {
		t.Fatalf("pending FIFO not flagged")
	}
	w := [3]uint32{
		c.Read32(axisdma.PortRxPend),
		c.Read32(axisdma.PortRxPend),
		c.Read32(axisdma.PortRxPend),
	}
	want := axisdma.EncodeCompletion(axisdma.Completion{
		Handle: uint64(h), Length: 16, Tags: axisdma.Tags{Dest: 2}, Overflow: true,
	})
	if w != want {
		t.Fatalf("record %x, want %x", w, want)
	}
	if v := c.Read32(axisdma.PortRxPend); v != 0 {
		t.Fatalf("empty pending FIFO returned 0x%x", v)
	}
}

func TestTransmitPath(t *testing.T) {
	c := hwsim.New(hwsim.WithManualTxCompletion())
	m, _ := c.Alloc(64, axisdma.MemoryCoherent)
	h := uint32(m.PhysAddr())
	c.Write32(axisdma.RegIntEnable, 1)
	c.Write32(axisdma.PortTxSeed, h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("seed did not raise the interrupt: %v", err)
	}
	if got := c.Read32(axisdma.RegIntPendAck); got != axisdma.IntTx {
		t.Fatalf("pending bits %x", got)
	}
	c.Write32(axisdma.RegIntPendAck, axisdma.IntTx)

	if w := c.Read32(axisdma.PortTxFree); w != 0x80000000|h {
		t.Fatalf("free word 0x%x", w)
	}
	copy(m.Bytes(), "frame")
	c.Write32(axisdma.PortTxPostA, h)
	c.Write32(axisdma.PortTxPostB, 5)
	c.Write32(axisdma.PortTxPostC, 0x00030201)

	p := c.Posted()
	if len(p) != 1 || string(p[0].Data) != "frame" {
		t.Fatalf("posted %+v", p)
	}
	if p[0].Tags != (axisdma.Tags{Dest: 1, FirstUser: 2, LastUser: 3}) {
		t.Fatalf("tags %+v", p[0].Tags)
	}
	if c.Read32(axisdma.PortTxFree) != 0 {
		t.Fatalf("handle returned before completion")
	}
	if c.CompleteTx(4) != 1 {
		t.Fatalf("CompleteTx")
	}
	if c.Read32(axisdma.PortTxFree) != 0x80000000|h {
		t.Fatalf("handle not returned after completion")
	}
}

func TestFIFOClear(t *testing.T) {
	c := hwsim.New()
	c.Write32(axisdma.PortRxFree, 0x1000)
	c.InjectRaw(1, 2, 3)
	c.Write32(axisdma.RegFIFOClear, 1)
	c.Write32(axisdma.PortRxFree, 0x2000)
	if c.Pending() != 0 || len(c.RxFree()) != 0 {
		t.Fatalf("FIFOs survived reset")
	}
	c.Write32(axisdma.RegFIFOClear, 0)
	c.Write32(axisdma.PortRxFree, 0x3000)
	if got := c.RxFree(); len(got) != 1 || got[0] != 0x3000 {
		t.Fatalf("free FIFO %x", got)
	}
}

func TestAckClearsWrittenBitsOnly(t *testing.T) {
	c := hwsim.New()
	c.Write32(axisdma.RegIntEnable, 1)
	c.Write32(axisdma.PortTxSeed, 0x1000)
	c.InjectRaw(0x80001000)
	if got := c.Read32(axisdma.RegIntPendAck); got != axisdma.IntRx|axisdma.IntTx {
		t.Fatalf("pending bits %x", got)
	}
	c.Write32(axisdma.RegIntPendAck, axisdma.IntTx)
	if got := c.Read32(axisdma.RegIntPendAck); got != axisdma.IntRx {
		t.Fatalf("ack of tx cleared %x, pending now %x", axisdma.IntTx, got)
	}
	c.Write32(axisdma.RegIntPendAck, axisdma.IntRx)
	if got := c.Read32(axisdma.RegIntPendAck); got != 0 {
		t.Fatalf("pending bits %x after full ack", got)
	}
}
