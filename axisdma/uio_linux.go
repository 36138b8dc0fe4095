package axisdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"periph.io/x/periph/host/pmem"
)

// uioPollMS bounds each poll on the UIO descriptor so Wait notices ctx.
const uioPollMS = 100

// UIO is a DMA core exposed through the Linux userspace I/O framework.
// It serves as both the register file and the interrupt source.
type UIO struct {
	fd        int
	mem       []byte
	closeOnce sync.Once
	closeErr  error
}

var (
	_ RegisterFile    = (*UIO)(nil)
	_ InterruptSource = (*UIO)(nil)
)

// OpenUIO opens a UIO device such as /dev/uio0 and maps its register map
// mapIndex. The map size is read from sysfs.
func OpenUIO(path string, mapIndex int) (*UIO, error) {
	name := filepath.Base(path)
	size, err := readSysfsUint(filepath.Join(
		"/sys/class/uio", name, "maps", "map"+strconv.Itoa(mapIndex), "size",
	))
	if err != nil {
		return nil, fmt.Errorf("reading map size: %w", err)
	}
	if size < RegBlockSize {
		return nil, fmt.Errorf("map %d of %s too small: 0x%x", mapIndex, name, size)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// UIO selects the map through the offset in page units.
	mem, err := unix.Mmap(fd, int64(mapIndex*os.Getpagesize()), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mapping registers: %w", err)
	}
	return &UIO{fd: fd, mem: mem}, nil
}

func (u *UIO) Read32(off uint32) uint32 { return load32(u.mem, off) }

func (u *UIO) Write32(off, v uint32) { store32(u.mem, off, v) }

// Wait unmasks the interrupt and blocks until it fires.
// EINTR is retried and never surfaced to the caller.
func (u *UIO) Wait(ctx context.Context) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(u.fd, b[:]); err != nil {
		return fmt.Errorf("unmasking interrupt: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(u.fd),
			Events: unix.POLLIN,
		}}, uioPollMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		// The read returns the interrupt count and clears readiness.
		if _, err := unix.Read(u.fd, b[:]); err != nil && err != unix.EINTR {
			return err
		}
		return nil
	}
}

// Close unmaps the registers and closes the device. It is safe to call
// more than once.
func (u *UIO) Close() error {
	u.closeOnce.Do(func() {
		var errs []error
		if err := unix.Munmap(u.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping registers: %w", err))
		}
		if err := unix.Close(u.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		u.closeErr = errors.Join(errs...)
	})
	return u.closeErr
}

// DevMem is a register file mapped from /dev/mem at a fixed physical base.
// It has no interrupt line; engines using it rely on polling.
type DevMem struct {
	v *pmem.View
}

// MapDevMem maps size bytes of physical memory at base.
func MapDevMem(base uint64, size int) (*DevMem, error) {
	v, err := pmem.Map(base, size)
	if err != nil {
		return nil, fmt.Errorf("mapping 0x%x: %w", base, err)
	}
	if len(v.Slice) < RegBlockSize {
		_ = v.Close()
		return nil, fmt.Errorf("mapping 0x%x: window too small", base)
	}
	return &DevMem{v: v}, nil
}

func (d *DevMem) Read32(off uint32) uint32 { return load32(d.v.Slice, off) }

func (d *DevMem) Write32(off, v uint32) { store32(d.v.Slice, off, v) }

func (d *DevMem) Close() error { return d.v.Close() }

func load32(mem []byte, off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func store32(mem []byte, off, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// OpenUIODevice opens a UIO register map and picks the buffer allocator:
// a u-dma-buf region when udmabuf is set, pmem pages otherwise. The returned
// release func frees the allocator and must be called after Engine.Close.
func OpenUIODevice(uioPath string, mapIndex int, udmabuf string) (Device, func() error, error) {
	u, err := OpenUIO(uioPath, mapIndex)
	if err != nil {
		return Device{}, nil, err
	}
	dev := Device{Name: filepath.Base(uioPath), Regs: u, IRQ: u, Mem: PhysAllocator{}}
	release := func() error { return nil }
	if udmabuf != "" {
		a, err := OpenUDMABuf(udmabuf)
		if err != nil {
			_ = u.Close()
			return Device{}, nil, err
		}
		dev.Mem, release = a, a.Close
	}
	return dev, release, nil
}
