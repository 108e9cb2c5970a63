package pmm

import (
	"io"
	"math/bits"
	"thingy/kernel"
	"thingy/kernel/kfmt"
	"thingy/kernel/mm"
	"thingy/multiboot"
)

const (
	// BitmapSpan is the amount of physical memory (in bytes) that can be
	// tracked by the allocator. Memory above this limit is never handed out.
	BitmapSpan = 0x4000000

	// maxFrames is the number of frames covered by BitmapSpan.
	maxFrames = BitmapSpan >> mm.PageShift

	// bitmapWords is the number of 32-bit words needed to track maxFrames.
	bitmapWords = maxFrames >> 5
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. Each bit corresponds to a single frame; a set
// bit marks the frame as allocated or reserved.
//
// Allocations use a forward-moving cursor: the search for a free run starts
// right after the previous allocation and wraps around to frame 0 once the
// end of memory is reached.
type BitmapAllocator struct {
	bitmap [bitmapWords]uint32

	// totalFrames is the number of frames tracked by the bitmap.
	totalFrames uint32

	// freeFrames tracks the number of clear bits in the bitmap.
	freeFrames uint32

	// last is the frame index where the next search begins.
	last uint32
}

// Init sets up the allocator state using the memory layout reported by the
// supplied BootInfo. Any frames that are not backed by available memory or
// that are occupied by the kernel image, the framebuffer or a boot module are
// flagged as reserved. Init logs the system memory map to w.
func (alloc *BitmapAllocator) Init(info BootInfo, w io.Writer) {
	*alloc = BitmapAllocator{}

	var highestAddr uint64
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.PhysAddress+region.Length > highestAddr {
			highestAddr = region.PhysAddress + region.Length
		}
		return true
	})

	if highestAddr > BitmapSpan {
		highestAddr = BitmapSpan
	}
	alloc.totalFrames = uint32(highestAddr >> mm.PageShift)

	// Start with everything reserved and release the frames that are fully
	// contained in available regions. Frames in gaps between regions stay
	// reserved.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint32(0)
	}

	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		startFrame := (region.PhysAddress + pageSizeMinus1) >> mm.PageShift
		endFrame := (region.PhysAddress + region.Length) >> mm.PageShift
		if endFrame > uint64(alloc.totalFrames) {
			endFrame = uint64(alloc.totalFrames)
		}

		for frame := startFrame; frame < endFrame; frame++ {
			alloc.clearBit(uint32(frame))
		}
		return true
	})

	// Overlapping non-available regions win over available ones
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			alloc.markRange(region.PhysAddress, region.PhysAddress+region.Length)
		}
		return true
	})

	alloc.markRange(info.KernelImage())

	if fb := info.Framebuffer(); fb != nil {
		alloc.markRange(fb.PhysAddr, fb.PhysAddr+fb.Size())
	}

	info.VisitModules(func(mod *multiboot.ModuleInfo) bool {
		alloc.markRange(uint64(mod.Start), uint64(mod.End))
		return true
	})

	alloc.updateFreeCount()
	alloc.printMemoryMap(info, w)
}

// Reserve flags all frames that overlap the physical address range
// [start, end) as allocated. Frames beyond the tracked range are ignored.
func (alloc *BitmapAllocator) Reserve(start, end uint64) {
	alloc.freeFrames -= alloc.markRange(start, end)
}

// markRange sets the bits for all frames overlapping [start, end) and
// returns the number of bits that were previously clear.
func (alloc *BitmapAllocator) markRange(start, end uint64) uint32 {
	if end <= start {
		return 0
	}

	startFrame := start >> mm.PageShift
	endFrame := (end + uint64(mm.PageSize-1)) >> mm.PageShift
	if endFrame > uint64(alloc.totalFrames) {
		endFrame = uint64(alloc.totalFrames)
	}

	var marked uint32
	for frame := startFrame; frame < endFrame; frame++ {
		if !alloc.isSet(uint32(frame)) {
			alloc.setBit(uint32(frame))
			marked++
		}
	}
	return marked
}

// AllocFrame reserves a single physical frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.Alloc(1)
}

// Alloc reserves a run of count contiguous physical frames. The search starts
// at the frame following the last allocation and wraps around to the start of
// memory at most once. A run never wraps across the end of memory.
//
// Alloc returns ErrOutOfMemory if no suitable run exists.
func (alloc *BitmapAllocator) Alloc(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.Frame{}, errInvalidFrameCount
	}

	if count > alloc.freeFrames {
		return mm.Frame{}, ErrOutOfMemory
	}

	var (
		cur     = alloc.last
		scanned uint32
	)

	if cur >= alloc.totalFrames {
		cur = 0
	}

	for scanned < alloc.totalFrames {
		// A run starting here would cross the end of memory
		if cur+count > alloc.totalFrames {
			scanned += alloc.totalFrames - cur
			cur = 0
			continue
		}

		if alloc.isSet(cur) {
			cur++
			scanned++
			continue
		}

		runLen := uint32(1)
		for runLen < count && !alloc.isSet(cur+runLen) {
			runLen++
		}

		if runLen == count {
			for frame := cur; frame < cur+count; frame++ {
				alloc.setBit(frame)
			}
			alloc.freeFrames -= count
			alloc.last = cur + count
			return mm.Frame{Address: mm.PhysAddr(cur << mm.PageShift), Count: count}, nil
		}

		// Resume the search after the allocated frame that broke the run
		cur += runLen + 1
		scanned += runLen + 1
	}

	return mm.Frame{}, ErrOutOfMemory
}

// Free releases a run of frames previously obtained via Alloc. Attempting to
// free a frame that is not allocated returns ErrInvalidFree; in that case no
// bits are modified.
func (alloc *BitmapAllocator) Free(frame mm.Frame) *kernel.Error {
	startFrame := frame.Index()
	if frame.Count == 0 || uint64(startFrame)+uint64(frame.Count) > uint64(alloc.totalFrames) {
		return ErrInvalidFree
	}

	for index := startFrame; index < startFrame+frame.Count; index++ {
		if !alloc.isSet(index) {
			return ErrInvalidFree
		}
	}

	for index := startFrame; index < startFrame+frame.Count; index++ {
		alloc.clearBit(index)
	}
	alloc.freeFrames += frame.Count

	return nil
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that are available for allocation.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.freeFrames
}

// IsReserved returns true if the frame containing addr is allocated or
// reserved. Addresses outside the tracked range are always reserved.
func (alloc *BitmapAllocator) IsReserved(addr mm.PhysAddr) bool {
	index := addr.FrameIndex()
	return index >= alloc.totalFrames || alloc.isSet(index)
}

func (alloc *BitmapAllocator) isSet(index uint32) bool {
	return alloc.bitmap[index>>5]&(1<<(index&31)) != 0
}

func (alloc *BitmapAllocator) setBit(index uint32) {
	alloc.bitmap[index>>5] |= 1 << (index & 31)
}

func (alloc *BitmapAllocator) clearBit(index uint32) {
	alloc.bitmap[index>>5] &^= 1 << (index & 31)
}

// updateFreeCount recalculates the number of free frames from the bitmap.
func (alloc *BitmapAllocator) updateFreeCount() {
	var used uint32
	fullWords := alloc.totalFrames >> 5
	for i := uint32(0); i < fullWords; i++ {
		used += uint32(bits.OnesCount32(alloc.bitmap[i]))
	}

	if rem := alloc.totalFrames & 31; rem != 0 {
		used += uint32(bits.OnesCount32(alloc.bitmap[fullWords] & (1<<rem - 1)))
	}

	alloc.freeFrames = alloc.totalFrames - used
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BitmapAllocator) printMemoryMap(info BootInfo, w io.Writer) {
	w = kfmt.NewPrefixWriter(w, "[pmm] ")

	kfmt.Fprintf(w, "system memory map:\n")
	var totalFree mm.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})

	kernelStart, kernelEnd := info.KernelImage()
	kfmt.Fprintf(w, "kernel image: [0x%10x - 0x%10x]\n", kernelStart, kernelEnd)
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Fprintf(w, "tracking %d frames, %d free (%dKb)\n", alloc.totalFrames, alloc.freeFrames, uint64(mm.Size(alloc.freeFrames)*mm.Size(mm.PageSize)/mm.Kb))
}
