package axisdma

import (
	"math"
	"sync/atomic"
)

// counters are updated without holding a direction lock.
type counters struct {
	writes            atomic.Uint64
	reads             atomic.Uint64
	acks              atomic.Uint64
	readPops          atomic.Uint64
	readPushes        atomic.Uint64
	descErrors        atomic.Uint64
	readSearchErrors  atomic.Uint64
	readSizeErrors    atomic.Uint64
	axiWriteErrors    atomic.Uint64
	overflows         atomic.Uint64
	badReadCommands   atomic.Uint64
	writeSearchErrors atomic.Uint64
	writeSizeErrors   atomic.Uint64
	badWriteCommands  atomic.Uint64
	misuseErrors      atomic.Uint64
	stateErrors       atomic.Uint64
	interrupts        atomic.Uint64
}

// Stats is a point-in-time snapshot of an engine's counters.
type Stats struct {
	Name   string
	Online bool

	WriteCount        uint64
	ReadCount         uint64
	AckCount          uint64
	ReadPopCount      uint64
	ReadPushCount     uint64
	DescriptorErrors  uint64
	ReadSearchErrors  uint64
	ReadSizeErrors    uint64
	AXIWriteErrors    uint64
	Overflows         uint64
	BadReadCommands   uint64
	WriteSearchErrors uint64
	WriteSizeErrors   uint64
	BadWriteCommands  uint64
	MisuseErrors      uint64
	StateErrors       uint64
	Interrupts        uint64

	// Readable, Writable and IntPending mirror the status bits at snapshot time.
	Readable   bool
	Writable   bool
	IntPending uint32

	Rx PoolStats
	Tx PoolStats
}

// PoolStats describes one buffer pool.
type PoolStats struct {
	Requested int
	Count     int
	Size      int
	Kind      MemoryKind
	Held      int
	Pending   int
	MinUse    uint64
	MaxUse    uint64
	AvgUse    uint64
	TotalUse  uint64
	Buffers   []BufferInfo
}

// BufferInfo is the per-buffer entry of PoolStats.
type BufferInfo struct {
	Index  uint32
	Handle uint64
	Uses   uint64
	State  BufferState
}

// Stats returns a snapshot of the engine's counters and buffer usage.
// With buffers set, the per-buffer listing is included.
func (e *Engine) Stats(buffers bool) Stats {
	s := Stats{
		Name:              e.name,
		Online:            !e.isClosed(),
		WriteCount:        e.stats.writes.Load(),
		ReadCount:         e.stats.reads.Load(),
		AckCount:          e.stats.acks.Load(),
		ReadPopCount:      e.stats.readPops.Load(),
		ReadPushCount:     e.stats.readPushes.Load(),
		DescriptorErrors:  e.stats.descErrors.Load(),
		ReadSearchErrors:  e.stats.readSearchErrors.Load(),
		ReadSizeErrors:    e.stats.readSizeErrors.Load(),
		AXIWriteErrors:    e.stats.axiWriteErrors.Load(),
		Overflows:         e.stats.overflows.Load(),
		BadReadCommands:   e.stats.badReadCommands.Load(),
		WriteSearchErrors: e.stats.writeSearchErrors.Load(),
		WriteSizeErrors:   e.stats.writeSizeErrors.Load(),
		BadWriteCommands:  e.stats.badWriteCommands.Load(),
		MisuseErrors:      e.stats.misuseErrors.Load(),
		StateErrors:       e.stats.stateErrors.Load(),
		Interrupts:        e.stats.interrupts.Load(),
	}

	e.rx.mu.Lock()
	s.Rx = poolStats(e.rx.pool, buffers)
	if !e.isClosed() {
		v := e.regs.fifoValid()
		s.Readable = v&StatusReadable != 0
		s.Writable = v&StatusWritable != 0
		s.IntPending = e.regs.intPending()
	}
	e.rx.mu.Unlock()

	e.tx.mu.Lock()
	s.Tx = poolStats(e.tx.pool, buffers)
	e.tx.mu.Unlock()
	return s
}

func poolStats(p *pool, buffers bool) PoolStats {
	s := PoolStats{
		Requested: p.requested,
		Count:     p.count(),
		Size:      p.size,
		Kind:      p.kind,
	}
	if buffers {
		s.Buffers = make([]BufferInfo, 0, p.count())
	}
	s.MinUse = math.MaxUint64
	for _, b := range p.buffers {
		switch b.state {
		case StateHeld:
			s.Held++
		case StatePending:
			s.Pending++
		}
		s.TotalUse += b.uses
		s.MinUse = min(s.MinUse, b.uses)
		s.MaxUse = max(s.MaxUse, b.uses)
		if buffers {
			s.Buffers = append(s.Buffers, BufferInfo{
				Index: b.index, Handle: b.handle, Uses: b.uses, State: b.state,
			})
		}
	}
	if s.Count == 0 {
		s.MinUse = 0
	} else {
		s.AvgUse = s.TotalUse / uint64(s.Count)
	}
	return s
}
