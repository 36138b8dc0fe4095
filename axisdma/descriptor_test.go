package axisdma

import (
	"testing"

	"github.com/brickingsoft/errors"
)

// scriptRegs pops words from a script on the pending port and returns 0
// once it runs dry.
type scriptRegs struct {
	words  []uint32
	reads  int
	writes map[uint32][]uint32
}

func (s *scriptRegs) Read32(off uint32) uint32 {
	s.reads++
	if off != PortRxPend || len(s.words) == 0 {
		return 0
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w
}

func (s *scriptRegs) Write32(off, v uint32) {
	if s.writes == nil {
		s.writes = map[uint32][]uint32{}
	}
	s.writes[off] = append(s.writes[off], v)
}

func TestDecodeCompletion(t *testing.T) {
	want := Completion{
		Handle:   0x1234_5000,
		Length:   1500,
		Tags:     Tags{FirstUser: 0x02, LastUser: 0x81, Dest: 0x07},
		Overflow: true,
	}
	w := EncodeCompletion(want)
	got, err := decodeCompletion(w[0], w[1], w[2])
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Status word straight from a capture: lastUser 0x03, firstUser 0x01,
	// dest 0x05, write error set.
	got, err = decodeCompletion(0x8000_1000, 0xE000_0080, 0xF103_0105)
	if err != nil {
		t.Fatal(err)
	}
	if got.Handle != 0x1000 || got.Length != 128 || !got.WriteError || got.Overflow {
		t.Fatalf("unexpected decode %+v", got)
	}
	if got.Tags != (Tags{FirstUser: 1, LastUser: 3, Dest: 5}) {
		t.Fatalf("tags: %+v", got.Tags)
	}
}

func TestDecodeCompletionFraming(t *testing.T) {
	if _, err := decodeCompletion(0x8000_1000, 0xC000_0080, 0xF000_0000); !IsFraming(err) {
		t.Fatalf("bad size marker: got %v", err)
	}
	if _, err := decodeCompletion(0x8000_1000, 0xE000_0080, 0xB000_0000); !IsFraming(err) {
		t.Fatalf("bad status marker: got %v", err)
	}
}

func TestRecordReader(t *testing.T) {
	w := EncodeCompletion(Completion{Handle: 0x2000, Length: 64})
	// Size and status words arrive a few polls after the handle word.
	s := &scriptRegs{words: []uint32{0, w[0], 0, 0, w[1], 0, w[2]}}
	rr := recordReader{r: regs{f: s}, spinLimit: 10, closed: func() bool { return false }}

	if rr.begin() {
		t.Fatalf("begin consumed an invalid word")
	}
	if !rr.begin() {
		t.Fatalf("begin missed the handle word")
	}
	c, err := rr.finish()
	if err != nil {
		t.Fatal(err)
	}
	if c.Handle != 0x2000 || c.Length != 64 {
		t.Fatalf("unexpected completion %+v", c)
	}
	if s.reads != 7 {
		t.Fatalf("reads: got %d, want 7", s.reads)
	}
}

func TestRecordReaderTruncated(t *testing.T) {
	w := EncodeCompletion(Completion{Handle: 0x2000, Length: 64})
	s := &scriptRegs{words: []uint32{w[0], w[1]}}
	rr := recordReader{r: regs{f: s}, spinLimit: 16, closed: func() bool { return false }}
	if !rr.begin() {
		t.Fatalf("begin missed the handle word")
	}
	_, err := rr.finish()
	if !IsFraming(err) {
		t.Fatalf("got %v, want framing error", err)
	}
	if rr.state != wantStatus {
		t.Fatalf("state: got %s, want status", rr.state)
	}
}

func TestRecordReaderClosed(t *testing.T) {
	s := &scriptRegs{words: []uint32{0x8000_2000}}
	closed := false
	rr := recordReader{r: regs{f: s}, closed: func() bool {
		n := s.reads
		closed = n > 100
		return closed
	}}
	rr.begin()
	if _, err := rr.finish(); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestPushPost(t *testing.T) {
	s := &scriptRegs{}
	regs{f: s}.pushPost(0x3000, 100, encodeControl(Tags{FirstUser: 1, LastUser: 2, Dest: 3}))
	if got := s.writes[PortTxPostA]; len(got) != 1 || got[0] != 0x3000 {
		t.Fatalf("handle word: %v", got)
	}
	if got := s.writes[PortTxPostB]; len(got) != 1 || got[0] != 100 {
		t.Fatalf("length word: %v", got)
	}
	got := s.writes[PortTxPostC]
	if len(got) != 1 || got[0] != 0x00020103 {
		t.Fatalf("control word: %x", got)
	}
	if DecodeControl(got[0]) != (Tags{FirstUser: 1, LastUser: 2, Dest: 3}) {
		t.Fatalf("control word does not round-trip")
	}
}
