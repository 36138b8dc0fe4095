package axisdma

// RegisterFile is the memory-mapped register block of the DMA core.
//
// Implementations must perform exactly one ordered, uncached 32-bit access per
// call. Reads from FIFO ports pop hardware state, so nothing may be cached.
type RegisterFile interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Register and FIFO port offsets relative to the start of the mapped block.
const (
	RegOffset  = 0x00000
	FIFOOffset = 0x10000

	RegRxEnable   = RegOffset + 0x000 // receive enable (W)
	RegTxEnable   = RegOffset + 0x004 // transmit enable (W)
	RegFIFOClear  = RegOffset + 0x008 // FIFO clear, 1 = hold in reset (W)
	RegIntEnable  = RegOffset + 0x00C // interrupt enable (W)
	RegFIFOValid  = RegOffset + 0x010 // bit0 pending non-empty, bit1 tx free non-empty (R)
	RegMaxRxSize  = RegOffset + 0x014 // largest frame accepted by receive (W)
	RegOnlineAck  = RegOffset + 0x018 // bit0 online, bit1 acknowledge (W)
	RegIntPendAck = RegOffset + 0x01C // bit0 rx, bit1 tx pending; write 1s to clear (RW)

	PortRxPend   = FIFOOffset + 0x000 // completion record words (R, pops)
	PortTxFree   = FIFOOffset + 0x004 // free transmit handles (R, pops)
	PortRxFree   = FIFOOffset + 0x200 // receive handles given to hardware (W)
	PortTxPostA  = FIFOOffset + 0x240 // post record: handle (W)
	PortTxPostB  = FIFOOffset + 0x244 // post record: length (W)
	PortTxPostC  = FIFOOffset + 0x248 // post record: control (W)
	PortTxSeed   = FIFOOffset + 0x24C // transmit handles seeded at start-up (W)
	RegBlockSize = FIFOOffset + 0x250
)

// Bits found in FIFO status and interrupt words.
const (
	StatusReadable = 0x1
	StatusWritable = 0x2

	IntRx = 0x1
	IntTx = 0x2

	onlineBit = 0x1
	ackBit    = 0x2
)

// regs gives named access to a RegisterFile.
type regs struct{ f RegisterFile }

func (r regs) setRxEnable(on bool)   { r.f.Write32(RegRxEnable, b2u(on)) }
func (r regs) setTxEnable(on bool)   { r.f.Write32(RegTxEnable, b2u(on)) }
func (r regs) setIntEnable(on bool)  { r.f.Write32(RegIntEnable, b2u(on)) }
func (r regs) setMaxRxSize(n uint32) { r.f.Write32(RegMaxRxSize, n) }

// clearFIFOs pulses the FIFO reset. With hold set the FIFOs stay in reset.
func (r regs) clearFIFOs(hold bool) {
	r.f.Write32(RegFIFOClear, 1)
	if !hold {
		r.f.Write32(RegFIFOClear, 0)
	}
}

func (r regs) fifoValid() uint32 { return r.f.Read32(RegFIFOValid) }

func (r regs) setOnline(on bool) { r.f.Write32(RegOnlineAck, b2u(on)) }

// pulseAck raises the acknowledge bit while keeping the link online.
func (r regs) pulseAck() {
	r.f.Write32(RegOnlineAck, onlineBit|ackBit)
	r.f.Write32(RegOnlineAck, onlineBit)
}

func (r regs) intPending() uint32 { return r.f.Read32(RegIntPendAck) }

// ackInterrupt clears the pending bits set in bits. Bits latched since the
// last intPending read stay pending.
func (r regs) ackInterrupt(bits uint32) { r.f.Write32(RegIntPendAck, bits) }

func (r regs) popRxPend() uint32 { return r.f.Read32(PortRxPend) }
func (r regs) popTxFree() uint32 { return r.f.Read32(PortTxFree) }

func (r regs) pushRxFree(handle uint32) { r.f.Write32(PortRxFree, handle) }
func (r regs) seedTx(handle uint32)     { r.f.Write32(PortTxSeed, handle) }

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
