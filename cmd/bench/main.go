package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/axisdma-go/axisdma"
	"github.com/romshark/axisdma-go/axisdma/hwsim"
	"github.com/romshark/axisdma-go/ratelimit"
	"github.com/romshark/axisdma-go/report"
)

type Config struct {
	Engine   axisdma.Config `yaml:"engine"`
	Instance int            `yaml:"instance"`

	Sender struct {
		FrameSize int    `yaml:"frame-size"`
		Rate      uint64 `yaml:"rate"`
		Writers   int    `yaml:"writers"`
	} `yaml:"sender"`

	Receiver struct {
		Zerocopy bool `yaml:"zerocopy"`
		Readers  int  `yaml:"readers"`
	} `yaml:"receiver"`

	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fInstance := flag.Int("i", -1, "instance index")
	fZeroCopy := flag.Bool("z", false, "zerocopy")
	fCount := flag.Uint64("n", 0, "frame count")
	fFrameSize := flag.Int("l", 0, "frame size")
	fReaders := flag.Int("r", 0, "readers")
	fWriters := flag.Int("w", 0, "writers")
	fRate := flag.Uint64("f", 0, "frames per second")
	fVerbose := flag.Bool("v", false, "debug logging")

	flag.Parse()

	if *fVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var conf Config
	conf.Engine = axisdma.DefaultConfig()
	conf.Instance = 1
	conf.Sender.FrameSize = 1024
	conf.Sender.Writers = 1
	conf.Receiver.Readers = 1
	conf.Count = 1_000_000

	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fInstance >= 0 {
		conf.Instance = *fInstance
	}
	if *fZeroCopy {
		conf.Receiver.Zerocopy = true
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fFrameSize != 0 {
		conf.Sender.FrameSize = *fFrameSize
	}
	if *fReaders != 0 {
		conf.Receiver.Readers = *fReaders
	}
	if *fWriters != 0 {
		conf.Sender.Writers = *fWriters
	}
	if *fRate != 0 {
		conf.Sender.Rate = *fRate
	}

	// Validate

	if err := conf.Engine.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	inst, err := conf.Engine.Instance(conf.Instance)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", conf.Instance, err)
	}
	if inst.RxCount < 1 || inst.TxCount < 1 {
		return nil, fmt.Errorf(
			"instance %d needs receive and transmit buffers (rx-count=%d tx-count=%d)",
			conf.Instance, inst.RxCount, inst.TxCount,
		)
	}
	if conf.Sender.FrameSize < 4 {
		return nil, errors.New("sender.frame-size must be at least 4")
	}
	if conf.Sender.FrameSize > inst.TxSize || conf.Sender.FrameSize > inst.RxSize {
		return nil, fmt.Errorf(
			"sender.frame-size %d exceeds buffer size (rx=%d tx=%d)",
			conf.Sender.FrameSize, inst.RxSize, inst.TxSize,
		)
	}
	if conf.Sender.Writers < 1 {
		return nil, errors.New("sender.writers must be at least 1")
	}
	if conf.Receiver.Readers < 1 {
		return nil, errors.New("receiver.readers must be at least 1")
	}
	if conf.Count < 1 {
		return nil, errors.New("count must be at least 1")
	}

	return &conf, nil
}

func fatalIf(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

type Stats struct {
	TxFrames atomic.Uint64
	TxBytes  atomic.Uint64
	TxFailed atomic.Uint64
	RxFrames atomic.Uint64
	RxBytes  atomic.Uint64
	RxFailed atomic.Uint64
	RxBadSeq atomic.Uint64
}

func buildFrame(buf []byte, seq uint32) {
	binary.LittleEndian.PutUint32(buf, seq)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(int(seq) + i)
	}
}

func checkFrame(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	seq := binary.LittleEndian.Uint32(buf)
	for i := 4; i < len(buf); i++ {
		if buf[i] != byte(int(seq)+i) {
			return false
		}
	}
	return true
}

func runReceiver(
	ctx context.Context, conf *Config, rx *axisdma.Receiver, stats *Stats,
) *sync.WaitGroup {
	var wg sync.WaitGroup
	for range conf.Receiver.Readers {
		wg.Go(func() {
			dst := make([]byte, rx.BufferSize())
			for {
				var f axisdma.Frame
				var payload []byte
				var err error
				if conf.Receiver.Zerocopy {
					if f, err = rx.ReadZeroCopy(ctx); err == nil {
						var b []byte
						if b, err = rx.MapBuffer(f.Index); err == nil {
							payload = b[:f.Length]
						} else {
							_ = rx.PostBack(f.Index)
						}
					}
				} else if f, err = rx.ReadCopy(ctx, dst); err == nil {
					payload = dst[:f.Length]
				}
				switch {
				case ctx.Err() != nil || axisdma.IsClosed(err):
					return
				case err != nil:
					stats.RxFailed.Add(1)
					continue
				}
				if !checkFrame(payload) {
					stats.RxBadSeq.Add(1)
				}
				if conf.Receiver.Zerocopy {
					if err := rx.PostBack(f.Index); err != nil {
						stats.RxFailed.Add(1)
					}
				}
				stats.RxFrames.Add(1)
				stats.RxBytes.Add(uint64(f.Length))
			}
		})
	}
	return &wg
}

func runSender(
	ctx context.Context, conf *Config, tx *axisdma.Transmitter, stats *Stats,
) {
	var wg sync.WaitGroup
	var seq atomic.Uint32
	var left atomic.Int64
	left.Store(int64(conf.Count))

	rate := conf.Sender.Rate / uint64(conf.Sender.Writers)
	if conf.Sender.Rate > 0 && rate == 0 {
		rate = 1
	}
	for range conf.Sender.Writers {
		wg.Go(func() {
			throttle := ratelimit.New(rate)
			frame := make([]byte, conf.Sender.FrameSize)
			for left.Add(-1) >= 0 {
				buildFrame(frame, seq.Add(1))
				n, err := tx.Write(ctx, frame, axisdma.Tags{})
				if err != nil {
					if ctx.Err() != nil || axisdma.IsClosed(err) {
						return
					}
					stats.TxFailed.Add(1)
					continue
				}
				stats.TxFrames.Add(1)
				stats.TxBytes.Add(uint64(n))
				throttle.Frame()
			}
		})
	}
	wg.Wait()
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "loading config")

	{
		b, err := yaml.Marshal(conf)
		fatalIf(err, "marshaling final config")
		fmt.Println("FINAL CONFIG")
		fmt.Println(string(b))
	}

	inst, _ := conf.Engine.Instance(conf.Instance)
	core := hwsim.New(hwsim.WithLoopback())
	defer core.Close()

	e, err := axisdma.Open(core.Device("axi_stream_dma_sim"), inst, conf.Engine.Options()...)
	fatalIf(err, "opening engine")
	defer e.Close()

	fatalIf(e.Rx().AcknowledgeOnline(), "acknowledging online")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stats Stats

	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	fmt.Println("Starting receiver")
	wgReceiver := runReceiver(ctx, conf, e.Rx(), &stats)

	// Stats printer
	stopTicker := make(chan struct{})
	var wgTicker sync.WaitGroup
	wgTicker.Go(func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		var lastTX, lastRX, lastTXB, lastRXB uint64
		lastTime := time.Now()
		last := report.Snapshot(e.Stats(false))

		for {
			select {
			case <-stopTicker:
				return
			case now := <-ticker.C:
				elapsed := now.Sub(lastTime).Seconds()
				lastTime = now

				tx := stats.TxFrames.Load()
				rx := stats.RxFrames.Load()
				txb := stats.TxBytes.Load()
				rxb := stats.RxBytes.Load()

				cur := report.Snapshot(e.Stats(false))
				fmt.Printf(
					"TX %.0f fps %.2f Mbit/s | RX %.0f fps %.2f Mbit/s | errors %d\n",
					float64(tx-lastTX)/elapsed, float64((txb-lastTXB)*8)/elapsed/1e6,
					float64(rx-lastRX)/elapsed, float64((rxb-lastRXB)*8)/elapsed/1e6,
					cur.Since(last).Errors(),
				)
				lastTX, lastRX, lastTXB, lastRXB, last = tx, rx, txb, rxb, cur
			}
		}
	})

	start := time.Now()

	fmt.Println("Starting sender")
	runSender(ctx, conf, e.Tx(), &stats)

	// Give the receivers a moment to drain the pending queue.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && core.Pending() > 0 {
		time.Sleep(time.Millisecond)
	}

	elapsed := time.Since(start)

	cancel()
	wgReceiver.Wait()
	close(stopTicker)
	wgTicker.Wait()

	fmt.Println("Finished")

	s := e.Stats(false)
	tx := stats.TxFrames.Load()
	rx := stats.RxFrames.Load()
	dropped := int64(tx) - int64(rx)

	p := message.NewPrinter(language.English)
	p.Printf("Duration:        %s\n", elapsed)
	p.Printf("TX frames:       %d (%d failed)\n", tx, stats.TxFailed.Load())
	p.Printf("RX frames:       %d (%d failed, %d corrupt)\n",
		rx, stats.RxFailed.Load(), stats.RxBadSeq.Load())
	p.Printf("Dropped:         %d\n", dropped)
	p.Printf("TX rate:         %.0f fps\n", float64(tx)/elapsed.Seconds())
	p.Printf("RX rate:         %.0f fps\n", float64(rx)/elapsed.Seconds())
	p.Printf("RX throughput:   %.2f Mbit/s\n",
		float64(stats.RxBytes.Load()*8)/elapsed.Seconds()/1e6)
	p.Printf("Interrupts:      %d\n", s.Interrupts)
	fmt.Println()

	fatalIf(report.Print(os.Stdout, s), "printing report")
}
