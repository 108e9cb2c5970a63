package mm

import "thingy/kernel"

// Frame describes a contiguous run of one or more physical memory frames.
type Frame struct {
	// Address is the physical address of the first frame in the run.
	Address PhysAddr

	// Count is the number of frames in the run.
	Count uint32
}

// Index returns the index of the first frame in the run.
func (f Frame) Index() uint32 {
	return f.Address.FrameIndex()
}

// Size returns the size of the run in bytes.
func (f Frame) Size() uint64 {
	return uint64(f.Count) << PageShift
}

// FrameFromAddress returns a single-frame run for the frame that contains
// the given physical address. This function can handle both page-aligned and
// not aligned addresses. In the latter case, the input address will be
// rounded down to the frame that contains it.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame{Address: physAddr.AlignDown(), Count: 1}
}

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// Page describes a contiguous virtual memory region backed 1:1 by mapped
// physical frames.
type Page struct {
	// Address is the virtual address of the first page in the run.
	Address VirtAddr

	// Count is the number of pages in the run.
	Count uint32
}

// Size returns the size of the region in bytes.
func (p Page) Size() uint64 {
	return uint64(p.Count) << PageShift
}

// End returns the first virtual address past the region. For a region that
// ends at the top of the address space End wraps to 0.
func (p Page) End() VirtAddr {
	return p.Address + VirtAddr(p.Count<<PageShift)
}

// Contains returns true if addr falls inside the region.
func (p Page) Contains(addr VirtAddr) bool {
	return addr >= p.Address && uint64(addr-p.Address) < p.Size()
}

// PageFromAddress returns a single-page region for the page that contains
// the given virtual address.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page{Address: virtAddr.AlignDown(), Count: 1}
}
