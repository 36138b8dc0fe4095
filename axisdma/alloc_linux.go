package axisdma

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"periph.io/x/periph/host/pmem"
)

// PhysAllocator allocates locked, physically contiguous pages through
// periph's pmem. The memory is cacheable, so it suits MemoryACP pools, and
// MemoryCoherent pools on platforms where the core snoops the CPU caches.
type PhysAllocator struct{}

var _ Allocator = PhysAllocator{}

func (PhysAllocator) Alloc(size int, kind MemoryKind) (Mem, error) {
	page := os.Getpagesize()
	m, err := pmem.Alloc((size + page - 1) / page * page)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes of %s memory: %w", size, kind, err)
	}
	return physMem{m}, nil
}

type physMem struct{ m *pmem.MemAlloc }

func (p physMem) Bytes() []byte    { return p.m.Slice }
func (p physMem) PhysAddr() uint64 { return p.m.PhysAddr() }
func (p physMem) Close() error     { return p.m.Close() }

// UDMABufAllocator carves buffers out of a u-dma-buf region. The region is
// opened with O_SYNC so the mapping is uncached, which makes it coherent
// memory regardless of the requested kind.
type UDMABufAllocator struct {
	mu   sync.Mutex
	fd   int
	mem  []byte
	phys uint64
	next int
}

var _ Allocator = (*UDMABufAllocator)(nil)

// OpenUDMABuf opens a u-dma-buf device such as /dev/udmabuf0.
func OpenUDMABuf(path string) (*UDMABufAllocator, error) {
	sys := filepath.Join("/sys/class/u-dma-buf", filepath.Base(path))
	size, err := readSysfsUint(filepath.Join(sys, "size"))
	if err != nil {
		return nil, fmt.Errorf("reading region size: %w", err)
	}
	phys, err := readSysfsUint(filepath.Join(sys, "phys_addr"))
	if err != nil {
		return nil, fmt.Errorf("reading region address: %w", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mapping region: %w", err)
	}
	return &UDMABufAllocator{fd: fd, mem: mem, phys: phys}, nil
}

// Alloc returns the next size bytes of the region, aligned to 64 bytes.
func (u *UDMABufAllocator) Alloc(size int, kind MemoryKind) (Mem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	start := (u.next + 63) &^ 63
	if u.mem == nil || start+size > len(u.mem) {
		return nil, fmt.Errorf("u-dma-buf region exhausted after %d bytes", u.next)
	}
	u.next = start + size
	return regionMem{
		b:    u.mem[start : start+size : start+size],
		phys: u.phys + uint64(start),
	}, nil
}

// Close unmaps the region. Buffers carved from it must not be used after.
func (u *UDMABufAllocator) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mem == nil {
		return nil
	}
	err := unix.Munmap(u.mem)
	u.mem = nil
	if cerr := unix.Close(u.fd); err == nil {
		err = cerr
	}
	return err
}

type regionMem struct {
	b    []byte
	phys uint64
}

func (r regionMem) Bytes() []byte    { return r.b }
func (r regionMem) PhysAddr() uint64 { return r.phys }

// Close is a no-op; the region is released by UDMABufAllocator.Close.
func (regionMem) Close() error { return nil }
