// Package mem wires the frame allocator, the kernel page directory, the page
// allocator and the heap into a single memory manager.
package mem

import (
	"io"
	"thingy/kernel"
	"thingy/kernel/cpu"
	"thingy/kernel/irq"
	"thingy/kernel/kfmt"
	"thingy/kernel/mm"
	"thingy/kernel/mm/heap"
	"thingy/kernel/mm/pmm"
	"thingy/kernel/mm/vmm"
	"thingy/multiboot"
)

var (
	// ErrReentrant is returned when a memory manager operation is invoked
	// while another one is still in progress.
	ErrReentrant = &kernel.Error{Module: "mem", Message: "memory manager re-entered", Fatal: true}
)

// identityAlign is the granularity of the kernel identity mapping.
const identityAlign = 4 * uint64(mm.Mb)

// Manager owns the memory allocators of a single machine. Its methods are not
// safe for concurrent use and must not be re-entered (e.g. from an interrupt
// handler that fires while an allocation is in progress).
type Manager struct {
	frames pmm.BitmapAllocator
	pdt    *vmm.PageDirectory
	pages  vmm.PageAllocator
	heap   heap.Allocator
	fault  *vmm.FaultHandler

	// busy is set while a Manager operation is in progress.
	busy bool
}

// Init sets up the memory subsystem: the frame allocator is initialized from
// the boot information, a kernel page directory identity mapping the
// configured span is created, the page-fault handler is installed and paging
// is enabled. The returned Manager serves page and heap allocations from the
// kernel page directory.
func Init(info pmm.BootInfo, physMem mm.Memory, ctl cpu.Control, irqs irq.Registrar, cfg Config) (*Manager, *kernel.Error) {
	var (
		m      = &Manager{}
		err    *kernel.Error
		w      = cfg.Log
		logger = kfmt.NewPrefixWriter(w, "[mem] ")
	)

	m.frames.Init(info, w)

	if m.pdt, err = vmm.CreatePageDirectory(physMem, m.frames.AllocFrame); err != nil {
		return nil, err
	}

	span := cfg.IdentitySpan
	if span == 0 {
		span = ramSize(info)
	}
	span = (span + identityAlign - 1) &^ (identityAlign - 1)

	if err = vmm.IdentityMap(m.pdt, 0, 0, span); err != nil {
		return nil, err
	}
	kfmt.Fprintf(logger, "identity mapped [0x%8x - 0x%8x]\n", uint64(0), span)

	m.pages.Init(m.pdt, &m.frames)

	m.fault = vmm.InstallFaultHandler(irqs, ctl, w)
	m.fault.InAllocator = m.Busy

	m.pdt.Activate(ctl)
	kfmt.Fprintf(logger, "paging enabled; kernel page directory at 0x%8x\n", uint32(m.pdt.Frame().Address))

	m.heap.Init(&m.pages, m.pdt)

	kfmt.Fprintf(logger, "%d/%d frames free\n", m.frames.FreeFrames(), m.frames.TotalFrames())
	return m, nil
}

// ramSize returns the end address of the highest available memory region.
func ramSize(info pmm.BootInfo) uint64 {
	var end uint64
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.PhysAddress+region.Length > end {
			end = region.PhysAddress + region.Length
		}
		return true
	})

	if end > 1<<32 {
		end = 1 << 32
	}
	return end
}

// Busy returns true while a Manager operation is in progress.
func (m *Manager) Busy() bool {
	return m.busy
}

func (m *Manager) enter() *kernel.Error {
	if m.busy {
		return ErrReentrant
	}
	m.busy = true
	return nil
}

func (m *Manager) leave() {
	m.busy = false
}

// Alloc reserves size bytes of heap memory for the kernel (user=false) or for
// user code.
func (m *Manager) Alloc(size uint32, user bool) (mm.VirtAddr, *kernel.Error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()

	return m.heapFor(user).Alloc(size)
}

// Realloc resizes a heap allocation. ptr must belong to the owner class
// selected by user; otherwise heap.ErrInvalidFree is returned.
func (m *Manager) Realloc(ptr mm.VirtAddr, size uint32, user bool) (mm.VirtAddr, *kernel.Error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()

	return m.heapFor(user).Realloc(ptr, size)
}

// heapFor returns the heap handle for the kernel or user owner class.
func (m *Manager) heapFor(user bool) heap.Handle {
	if user {
		return m.heap.User()
	}
	return m.heap.Kernel()
}

// Free releases a heap allocation.
func (m *Manager) Free(ptr mm.VirtAddr) *kernel.Error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	return m.heap.Free(ptr)
}

// AllocPages reserves count contiguous pages in the kernel page directory.
func (m *Manager) AllocPages(count uint32, user bool) (mm.Page, *kernel.Error) {
	if err := m.enter(); err != nil {
		return mm.Page{}, err
	}
	defer m.leave()

	return m.pages.Alloc(count, user)
}

// FreePages releases pages obtained via AllocPages.
func (m *Manager) FreePages(page mm.Page) *kernel.Error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	return m.pages.Free(page)
}

// HeapStats returns the heap statistics after validating every heap node.
func (m *Manager) HeapStats() (heap.Stats, *kernel.Error) {
	if err := m.enter(); err != nil {
		return heap.Stats{}, err
	}
	defer m.leave()

	if err := m.heap.Verify(); err != nil {
		return heap.Stats{}, err
	}
	return m.heap.Stats()
}

// ReadVirt copies memory from the kernel address space into dst.
func (m *Manager) ReadVirt(virtAddr mm.VirtAddr, dst []byte) *kernel.Error {
	return m.pdt.ReadVirt(virtAddr, dst)
}

// WriteVirt copies src into the kernel address space.
func (m *Manager) WriteVirt(virtAddr mm.VirtAddr, src []byte) *kernel.Error {
	return m.pdt.WriteVirt(virtAddr, src)
}

// Frames returns the physical frame allocator.
func (m *Manager) Frames() *pmm.BitmapAllocator {
	return &m.frames
}

// Directory returns the kernel page directory.
func (m *Manager) Directory() *vmm.PageDirectory {
	return m.pdt
}

// DumpTo writes a summary of the memory subsystem state to w.
func (m *Manager) DumpTo(w io.Writer) *kernel.Error {
	stats, err := m.HeapStats()
	if err != nil {
		return err
	}

	kfmt.Fprintf(w, "frames: %d/%d free\n", m.frames.FreeFrames(), m.frames.TotalFrames())
	stats.DumpTo(w)
	return nil
}
