// Package report renders axisdma engine statistics as text.
package report

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/romshark/axisdma-go/axisdma"
)

type Counter int

const (
	ReadCount Counter = iota
	ReadPopCount
	ReadPushCount
	AckCount
	DescriptorErrors
	ReadSearchErrors
	ReadSizeErrors
	AXIWriteErrors
	Overflows
	BadReadCommands
	WriteCount
	WriteSearchErrors
	WriteSizeErrors
	BadWriteCommands
	MisuseErrors
	StateErrors
	Interrupts
)

// Counters lists every Counter in report order.
var Counters = []Counter{
	ReadCount, ReadPopCount, ReadPushCount, AckCount, DescriptorErrors,
	ReadSearchErrors, ReadSizeErrors, AXIWriteErrors, Overflows,
	BadReadCommands, WriteCount, WriteSearchErrors, WriteSizeErrors,
	BadWriteCommands, MisuseErrors, StateErrors, Interrupts,
}

func (c Counter) String() string {
	switch c {
	case ReadCount:
		return "Read Count"
	case ReadPopCount:
		return "Read Pop Count"
	case ReadPushCount:
		return "Read Push Count"
	case AckCount:
		return "Ack Count"
	case DescriptorErrors:
		return "Descriptor Errors"
	case ReadSearchErrors:
		return "Read Search Errors"
	case ReadSizeErrors:
		return "Read Size Errors"
	case AXIWriteErrors:
		return "AXI Write Errors"
	case Overflows:
		return "Inbound Overflows"
	case BadReadCommands:
		return "Bad Read Commands"
	case WriteCount:
		return "Write Count"
	case WriteSearchErrors:
		return "Write Search Errors"
	case WriteSizeErrors:
		return "Write Size Errors"
	case BadWriteCommands:
		return "Bad Write Commands"
	case MisuseErrors:
		return "Misuse Errors"
	case StateErrors:
		return "State Errors"
	case Interrupts:
		return "Interrupts"
	}
	return ""
}

// Values holds counter values of one engine.
type Values map[Counter]uint64

// Snapshot extracts the counters from an engine snapshot.
func Snapshot(s axisdma.Stats) Values {
	return Values{
		ReadCount:         s.ReadCount,
		ReadPopCount:      s.ReadPopCount,
		ReadPushCount:     s.ReadPushCount,
		AckCount:          s.AckCount,
		DescriptorErrors:  s.DescriptorErrors,
		ReadSearchErrors:  s.ReadSearchErrors,
		ReadSizeErrors:    s.ReadSizeErrors,
		AXIWriteErrors:    s.AXIWriteErrors,
		Overflows:         s.Overflows,
		BadReadCommands:   s.BadReadCommands,
		WriteCount:        s.WriteCount,
		WriteSearchErrors: s.WriteSearchErrors,
		WriteSizeErrors:   s.WriteSizeErrors,
		BadWriteCommands:  s.BadWriteCommands,
		MisuseErrors:      s.MisuseErrors,
		StateErrors:       s.StateErrors,
		Interrupts:        s.Interrupts,
	}
}

// Since computes v(now) - old.
func (v Values) Since(old Values) Values {
	out := make(Values, len(v))
	for c, now := range v {
		out[c] = now - old[c]
	}
	return out
}

// Errors sums every error counter.
func (v Values) Errors() uint64 {
	var n uint64
	for _, c := range []Counter{
		DescriptorErrors, ReadSearchErrors, ReadSizeErrors, AXIWriteErrors,
		Overflows, BadReadCommands, WriteSearchErrors, WriteSizeErrors,
		BadWriteCommands, MisuseErrors, StateErrors,
	} {
		n += v[c]
	}
	return n
}

// Print writes the full status report of one engine. With buffers set in
// the snapshot, every receive buffer is listed at the end.
func Print(w io.Writer, s axisdma.Stats) error {
	v := Snapshot(s)
	line := func(label string, val any) {
		fmt.Fprintf(w, "%21s : %v\n", label, val)
	}
	section := func(title string) {
		fmt.Fprintf(w, "\n-------------- %-26s\n\n", title+" ")
	}

	fmt.Fprintf(w, "\nStatus of device %s (online: %t)\n", s.Name, s.Online)

	section("Read Buffers")
	pool(line, "Read", s.Rx)
	line("Read Pop Count", humanize.Comma(int64(v[ReadPopCount])))
	line("Read Push Count", humanize.Comma(int64(v[ReadPushCount])))
	line("Read Buffers In User", s.Rx.Held)
	line("Read Buffers Stranded", s.Rx.Pending)
	usage(line, "Read", s.Rx)

	section("Read Counters")
	for _, c := range []Counter{
		ReadCount, AckCount, DescriptorErrors, ReadSearchErrors,
		ReadSizeErrors, AXIWriteErrors, Overflows, BadReadCommands,
	} {
		line(c.String(), humanize.Comma(int64(v[c])))
	}

	section("Write Buffers")
	pool(line, "Write", s.Tx)
	usage(line, "Write", s.Tx)

	section("Write Counters")
	for _, c := range []Counter{
		WriteCount, WriteSearchErrors, WriteSizeErrors, BadWriteCommands,
	} {
		line(c.String(), humanize.Comma(int64(v[c])))
	}

	section("Generic")
	line("Writable", b2i(s.Writable))
	line("Readable", b2i(s.Readable))
	line("Write Int Status", (s.IntPending>>1)&1)
	line("Read Int Status", s.IntPending&1)
	for _, c := range []Counter{MisuseErrors, StateErrors, Interrupts} {
		line(c.String(), humanize.Comma(int64(v[c])))
	}

	if len(s.Rx.Buffers) > 0 {
		fmt.Fprintln(w)
		for _, b := range s.Rx.Buffers {
			fmt.Fprintf(w, "Buffer idx %d, handle=0x%x, uses=%d, state=%s\n",
				b.Index, b.Handle, b.Uses, b.State)
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func pool(line func(string, any), dir string, p axisdma.PoolStats) {
	line(dir+" Buffer Count", fmt.Sprintf("%d of %d", p.Count, p.Requested))
	line(dir+" Buffer Size", humanize.IBytes(uint64(p.Size)))
	line(dir+" Buffer Memory", fmt.Sprintf("%s (%s)",
		humanize.IBytes(uint64(p.Size*p.Count)), p.Kind))
}

func usage(line func(string, any), dir string, p axisdma.PoolStats) {
	line("Min "+dir+" Buffer Use", humanize.Comma(int64(p.MinUse)))
	line("Max "+dir+" Buffer Use", humanize.Comma(int64(p.MaxUse)))
	line("Avg "+dir+" Buffer Use", humanize.Comma(int64(p.AvgUse)))
	line("Tot "+dir+" Buffer Use", humanize.Comma(int64(p.TotalUse)))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
