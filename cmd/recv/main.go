//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/axisdma-go/axisdma"
	"github.com/romshark/axisdma-go/report"
)

// stopsReader reports whether err ends a reader instead of failing a single
// frame.
func stopsReader(err error) bool {
	return axisdma.IsClosed(err) || errors.Is(err, axisdma.ErrNoBuffers)
}

func main() {
	fUIO := flag.String("u", "/dev/uio0", "UIO device of the DMA core")
	fMap := flag.Int("m", 0, "UIO map index of the register block")
	fUDMABuf := flag.String("b", "", "u-dma-buf device for buffers (default: pmem pages)")
	fConfig := flag.String("c", "", "YAML config file")
	fInstance := flag.Int("n", 0, "Instance index in the config table")
	fZeroCopy := flag.Bool("z", false, "Read zero-copy instead of copying")
	fReaders := flag.Int("w", 1, "Concurrent readers")
	fReport := flag.Duration("r", 0, "Print the full status report at this interval")
	fVerbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *fVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	conf := axisdma.DefaultConfig()
	if *fConfig != "" {
		c, err := axisdma.LoadConfig(*fConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		conf = *c
	}
	inst, err := conf.Instance(*fInstance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selecting instance: %v\n", err)
		os.Exit(1)
	}

	dev, release, err := axisdma.OpenUIODevice(*fUIO, *fMap, *fUDMABuf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening device: %v\n", err)
		os.Exit(1)
	}
	defer release()

	e, err := axisdma.Open(dev, inst, conf.Options()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	rx := e.Rx()
	if err := rx.AcknowledgeOnline(); err != nil {
		fmt.Fprintf(os.Stderr, "acknowledging online: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr,
		"AXIS DMA RX: dev=%s buffers=%d size=%d memory=%s zerocopy=%t readers=%d\n",
		dev.Name, rx.BufferCount(), rx.BufferSize(), inst.RxMemory, *fZeroCopy, *fReaders,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var totalFrames, totalBytes atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *fReaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, rx.BufferSize())
			for {
				var f axisdma.Frame
				var err error
				if *fZeroCopy {
					if f, err = rx.ReadZeroCopy(ctx); err == nil {
						err = rx.PostBack(f.Index)
					}
				} else {
					f, err = rx.ReadCopy(ctx, dst)
				}
				switch {
				case ctx.Err() != nil || stopsReader(err):
					if err != nil && !axisdma.IsClosed(err) {
						fmt.Fprintf(os.Stderr, "reader stopped: %v\n", err)
						stop()
					}
					return
				case err != nil:
					// Counted by the engine; keep reading.
					continue
				}
				totalFrames.Add(1)
				totalBytes.Add(uint64(f.Length))
			}
		}()
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	var lastReport time.Time

	var (
		lastFrames uint64
		lastBytes  uint64
		maxFPS     float64
		maxMbps    float64
		last       = report.Snapshot(e.Stats(false))
	)
	lastTime := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()
			frames := totalFrames.Load()
			bytes := totalBytes.Load()

			fps := float64(frames-lastFrames) / elapsed
			mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
			maxFPS = max(maxFPS, fps)
			maxMbps = max(maxMbps, mbps)

			s := e.Stats(false)
			cur := report.Snapshot(s)
			fmt.Printf(
				"total=%d | cur=%.0f fps %.2f Mbit/s | max=%.0f fps %.2f Mbit/s | errors=%d held=%d\n",
				frames, fps, mbps, maxFPS, maxMbps, cur.Since(last).Errors(), s.Rx.Held,
			)
			if *fReport > 0 && now.Sub(lastReport) >= *fReport {
				_ = report.Print(os.Stderr, e.Stats(true))
				lastReport = now
			}
			last, lastFrames, lastBytes, lastTime = cur, frames, bytes, now
		}
	}

	wg.Wait()
	_ = report.Print(os.Stderr, e.Stats(false))
}
