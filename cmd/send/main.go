//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/dustin/go-humanize"

	"github.com/romshark/axisdma-go/axisdma"
	"github.com/romshark/axisdma-go/ratelimit"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// buildFrame fills buf with a test frame: a sequence number followed by a
// byte ramp.
func buildFrame(buf []byte, seq uint32) {
	binary.LittleEndian.PutUint32(buf, seq)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(int(seq) + i)
	}
}

func main() {
	fUIO := flag.String("u", "/dev/uio0", "UIO device of the DMA core")
	fMap := flag.Int("m", 0, "UIO map index of the register block")
	fUDMABuf := flag.String("b", "", "u-dma-buf device for buffers (default: pmem pages)")
	fConfig := flag.String("c", "", "YAML config file")
	fInstance := flag.Int("n", 1, "Instance index in the config table")
	fCount := flag.Uint64("k", 0, "Frames to send (0 = until interrupted)")
	fSize := flag.Int("l", 1024, "Frame size")
	fRate := flag.Uint64("f", 0, "Frames per second (0 = unlimited)")
	fDest := flag.Uint("d", 0, "AXI-stream destination tag")
	flag.Parse()

	conf := axisdma.DefaultConfig()
	if *fConfig != "" {
		c, err := axisdma.LoadConfig(*fConfig)
		must(err)
		conf = *c
	}
	inst, err := conf.Instance(*fInstance)
	must(err)
	if *fSize < 4 || *fSize > inst.TxSize {
		fmt.Fprintf(os.Stderr, "frame size must be within [4, %d]\n", inst.TxSize)
		os.Exit(1)
	}

	dev, release, err := axisdma.OpenUIODevice(*fUIO, *fMap, *fUDMABuf)
	must(err)
	defer release()
	e, err := axisdma.Open(dev, inst, conf.Options()...)
	must(err)
	defer e.Close()

	tx := e.Tx()
	fmt.Fprintf(os.Stderr,
		"AXIS DMA TX: dev=%s buffers=%d size=%d frame=%d count=%d rate=%d dest=%d\n",
		dev.Name, tx.BufferCount(), tx.BufferSize(), *fSize, *fCount, *fRate, *fDest,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	throttle := ratelimit.New(*fRate)
	frame := make([]byte, *fSize)
	tags := axisdma.Tags{Dest: uint8(*fDest), FirstUser: 0x2}
	var sent, bytes, failed uint64
	start := time.Now()

	for *fCount == 0 || sent < *fCount {
		buildFrame(frame, uint32(sent))
		n, err := tx.Write(ctx, frame, tags)
		if err != nil {
			if ctx.Err() != nil || axisdma.IsClosed(err) {
				break
			}
			if errors.Is(err, axisdma.ErrNoBuffers) {
				fmt.Fprintf(os.Stderr, "instance %d has no transmit buffers\n", *fInstance)
				os.Exit(1)
			}
			failed++
			continue
		}
		sent++
		bytes += uint64(n)
		throttle.Frame()
	}

	elapsed := time.Since(start)
	fps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s failed=%s bytes=%s | duration=%s | rate=%s fps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(failed)),
		humanize.Bytes(bytes),
		elapsed,
		humanize.Comma(int64(fps)),
	)
}
