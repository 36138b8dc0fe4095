package axisdma

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/brickingsoft/errors"
)

// FIFO word layout.
const (
	wordValid = 0x80000000
	wordData  = 0x7FFFFFFF

	sizeMarkerMask = 0xFF000000
	sizeMarker     = 0xE0000000
	sizeMask       = 0x00FFFFFF

	statusMarkerMask = 0xF0000000
	statusMarker     = 0xF0000000
	statusOverflow   = 0x02000000
	statusWriteError = 0x01000000
)

// Tags are the AXI-stream sideband bytes carried with a frame.
type Tags struct {
	FirstUser uint8
	LastUser  uint8
	Dest      uint8
}

// Completion is a decoded receive completion record.
type Completion struct {
	Handle     uint64
	Length     int
	Tags       Tags
	Overflow   bool
	WriteError bool
}

// decodeCompletion validates the framing markers of a three-word completion
// record. The validity bit of each word has already been checked.
func decodeCompletion(handle, size, status uint32) (Completion, error) {
	if size&sizeMarkerMask != sizeMarker {
		return Completion{}, errors.From(ErrFraming,
			errors.WithMeta(errMetaWordKey, "size"),
			errors.WithMeta(errMetaSizeKey, fmt.Sprintf("0x%08x", size)),
		)
	}
	if status&statusMarkerMask != statusMarker {
		return Completion{}, errors.From(ErrFraming,
			errors.WithMeta(errMetaWordKey, "status"),
			errors.WithMeta(errMetaStatusKey, fmt.Sprintf("0x%08x", status)),
		)
	}
	return Completion{
		Handle: uint64(handle & wordData),
		Length: int(size & sizeMask),
		Tags: Tags{
			FirstUser: uint8(status >> 8),
			LastUser:  uint8(status >> 16),
			Dest:      uint8(status),
		},
		Overflow:   status&statusOverflow != 0,
		WriteError: status&statusWriteError != 0,
	}, nil
}

// EncodeCompletion builds the three words hardware pushes for a completed
// frame. It is the inverse of the record decoder and is used by simulators.
func EncodeCompletion(c Completion) [3]uint32 {
	status := uint32(statusMarker) |
		uint32(c.Tags.LastUser)<<16 |
		uint32(c.Tags.FirstUser)<<8 |
		uint32(c.Tags.Dest)
	if c.Overflow {
		status |= statusOverflow
	}
	if c.WriteError {
		status |= statusWriteError
	}
	return [3]uint32{
		wordValid | uint32(c.Handle&wordData),
		wordValid | sizeMarker | uint32(c.Length&sizeMask),
		status | wordValid,
	}
}

// encodeControl packs the post record control word.
func encodeControl(t Tags) uint32 {
	return uint32(t.Dest) | uint32(t.FirstUser)<<8 | uint32(t.LastUser)<<16
}

// DecodeControl unpacks a post record control word.
func DecodeControl(w uint32) Tags {
	return Tags{
		Dest:      uint8(w),
		FirstUser: uint8(w >> 8),
		LastUser:  uint8(w >> 16),
	}
}

// recordState is the position of the reader inside a completion record.
type recordState uint8

const (
	wantHandle recordState = iota
	wantSize
	wantStatus
	recordDone
)

func (s recordState) String() string {
	switch s {
	case wantHandle:
		return "handle"
	case wantSize:
		return "size"
	case wantStatus:
		return "status"
	}
	return "done"
}

// recordReader pulls one completion record from the pending FIFO.
// It must only be used while holding the receive lock.
type recordReader struct {
	r         regs
	spinLimit int
	closed    func() bool

	state recordState
	words [3]uint32
}

// step reads the next word. It returns false when the word was not valid.
func (rr *recordReader) step() bool {
	w := rr.r.popRxPend()
	if w&wordValid == 0 {
		return false
	}
	rr.words[rr.state] = w
	rr.state++
	return true
}

// begin samples the pending FIFO once for a handle word.
func (rr *recordReader) begin() bool {
	rr.state = wantHandle
	return rr.step()
}

// finish spins for the size and status words that follow a handle word.
// The hardware writes all three words together so the wait is short; it is
// bounded by spinLimit and aborted if the engine closes.
func (rr *recordReader) finish() (Completion, error) {
	for rr.state != recordDone {
		spins := 0
		for !rr.step() {
			spins++
			if rr.closed() {
				return Completion{}, ErrClosed
			}
			if rr.spinLimit > 0 && spins >= rr.spinLimit {
				return Completion{}, errors.From(ErrFraming,
					errors.WithMeta(errMetaWordKey, rr.state.String()),
					errors.WithMeta("spins", strconv.Itoa(spins)),
				)
			}
			if spins&0xFF == 0 {
				runtime.Gosched()
			}
		}
	}
	return decodeCompletion(rr.words[0], rr.words[1], rr.words[2])
}

// pushPost hands a filled transmit buffer to hardware. Nothing is read back.
func (r regs) pushPost(handle uint32, length uint32, control uint32) {
	r.f.Write32(PortTxPostA, handle)
	r.f.Write32(PortTxPostB, length)
	r.f.Write32(PortTxPostC, control)
}
