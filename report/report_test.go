package report_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/axisdma-go/axisdma"
	"github.com/romshark/axisdma-go/axisdma/hwsim"
	"github.com/romshark/axisdma-go/report"
)

func TestPrint(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	core := hwsim.New(hwsim.WithAllocLimit(6))
	e, err := axisdma.Open(core.Device("axi_stream_dma_0"),
		axisdma.InstanceConfig{RxCount: 4, RxSize: 2048, TxCount: 3},
		axisdma.WithLogger(l))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	before := report.Snapshot(e.Stats(false))
	if err := core.Inject([]byte("frame"), axisdma.Tags{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Rx().ReadZeroCopy(ctx); err != nil {
		t.Fatal(err)
	}
	_ = e.Rx().PostBack(7)

	s := e.Stats(true)
	var b strings.Builder
	if err := report.Print(&b, s); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{
		"Status of device axi_stream_dma_0",
		"   Read Buffer Count : 4 of 4",
		"    Read Buffer Size : 2.0 KiB",
		"  Write Buffer Count : 2 of 3",
		"Read Buffers In User : 1",
		"          Read Count : 1",
		"       Misuse Errors : 1",
		"Buffer idx 0, handle=0x10000000, uses=1, state=held",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q:\n%s", want, out)
		}
	}

	d := report.Snapshot(s).Since(before)
	if d[report.ReadCount] != 1 || d[report.ReadPopCount] != 1 || d.Errors() != 1 {
		t.Fatalf("diff: %v", d)
	}
}
