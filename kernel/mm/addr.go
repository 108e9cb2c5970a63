package mm

// PhysAddr is a 32-bit physical memory address.
type PhysAddr uint32

// VirtAddr is a 32-bit virtual memory address. Virtual and physical
// addresses are never interchangeable without going through the page tables
// (or an explicit identity-mapping conversion).
type VirtAddr uint32

// PageOffset returns the offset of the address within its page.
func (a PhysAddr) PageOffset() uint32 { return uint32(a) & pageOffsetMask }

// FrameIndex returns the index of the frame that contains this address.
func (a PhysAddr) FrameIndex() uint32 { return uint32(a) >> PageShift }

// AlignDown rounds the address down to the nearest page boundary.
func (a PhysAddr) AlignDown() PhysAddr { return a &^ PhysAddr(pageOffsetMask) }

// PageOffset returns the offset of the address within its page.
func (a VirtAddr) PageOffset() uint32 { return uint32(a) & pageOffsetMask }

// PageIndex returns the index of the page that contains this address.
func (a VirtAddr) PageIndex() uint32 { return uint32(a) >> PageShift }

// AlignDown rounds the address down to the nearest page boundary.
func (a VirtAddr) AlignDown() VirtAddr { return a &^ VirtAddr(pageOffsetMask) }

// PagesFor returns the number of pages required for storing size bytes.
func PagesFor(size uint64) uint32 {
	return uint32((size + uint64(pageOffsetMask)) >> PageShift)
}
