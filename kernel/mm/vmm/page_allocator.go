package vmm

import (
	"thingy/kernel"
	"thingy/kernel/mm"
)

var (
	// ErrOutOfVirtualSpace is returned when the address space contains no
	// unused region large enough to satisfy an allocation request.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "out of virtual address space"}

	errInvalidPageCount = &kernel.Error{Module: "vmm", Message: "page count must be greater than zero"}
)

const (
	// kernelPageFlags are applied to pages handed out to the kernel.
	kernelPageFlags = FlagPresent | FlagRW

	// userPageFlags are applied to pages handed out to user code.
	userPageFlags = FlagPresent | FlagRW | FlagUser
)

// FrameAllocator is implemented by physical frame allocators that back the
// pages handed out by PageAllocator.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	Free(mm.Frame) *kernel.Error
}

// PageAllocator hands out runs of virtually contiguous pages from a page
// directory, backing each page with a physical frame. Free regions are located
// by walking the page tables; no separate bookkeeping is kept.
//
// Kernel and user allocations never share a page table: a region is only
// considered unused if its entries belong to the requested owner class or its
// page table has not been created yet.
type PageAllocator struct {
	pdt    *PageDirectory
	frames FrameAllocator
}

// Init binds the allocator to a page directory and a frame allocator.
func (alloc *PageAllocator) Init(pdt *PageDirectory, frames FrameAllocator) {
	alloc.pdt = pdt
	alloc.frames = frames
}

// Directory returns the page directory managed by the allocator.
func (alloc *PageAllocator) Directory() *PageDirectory {
	return alloc.pdt
}

// FindSpace returns the lowest virtual address that starts a run of count
// unused pages of the requested owner class. The page at address 0 is never
// considered unused so that a valid region never starts at the null address.
func (alloc *PageAllocator) FindSpace(count uint32, user bool) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	for addr := uint64(mm.PageSize); addr < addressSpaceSize; {
		if addr = alloc.skipUsedPages(addr, user); addr >= addressSpaceSize {
			break
		}

		unused := alloc.unusedSpaceFromAddr(addr, count, user)
		if unused >= count {
			return mm.VirtAddr(addr), nil
		}

		// The page right after the unused run is used; skip both
		addr += uint64(unused+1) << mm.PageShift
	}

	return 0, ErrOutOfVirtualSpace
}

// skipUsedPages returns the first address at or after addr whose page is
// unused for the requested owner class. Fully used page tables are skipped
// as a whole.
func (alloc *PageAllocator) skipUsedPages(addr uint64, user bool) uint64 {
	for addr < addressSpaceSize {
		table := alloc.pdt.slots[tableIndex(addr)].Table()
		if table == nil {
			return addr
		}

		if table.user == user {
			for index := entryIndex(addr); index < entriesPerTable; index, addr = index+1, addr+uint64(mm.PageSize) {
				if isUnused(table.entry(index), user) {
					return addr
				}
			}
			continue
		}

		// Tables of the other owner class never hold unused pages for us
		addr = (addr &^ (tableSpan - 1)) + tableSpan
	}

	return addr
}

// unusedSpaceFromAddr counts the unused pages starting at addr, stopping at
// the first used page or once at least limit pages have been counted. An empty
// directory slot counts as all the pages it covers.
func (alloc *PageAllocator) unusedSpaceFromAddr(addr uint64, limit uint32, user bool) uint32 {
	var count uint32

	for count < limit && addr < addressSpaceSize {
		table := alloc.pdt.slots[tableIndex(addr)].Table()
		if table == nil {
			remaining := entriesPerTable - entryIndex(addr)
			count += remaining
			addr += uint64(remaining) << mm.PageShift
			continue
		}

		if !isUnused(table.entry(entryIndex(addr)), user) {
			break
		}

		count++
		addr += uint64(mm.PageSize)
	}

	return count
}

// isUnused returns true if a page table entry is not present and belongs to
// the requested owner class.
func isUnused(pte pageTableEntry, user bool) bool {
	return !pte.HasFlags(FlagPresent) && pte.HasFlags(FlagUser) == user
}

// Alloc reserves a run of count virtually contiguous pages, backs each page
// with a zeroed physical frame and maps it with the flags of the requested
// owner class. If a frame allocation or mapping fails midway, every page mapped so
// far is released before the error is returned.
func (alloc *PageAllocator) Alloc(count uint32, user bool) (mm.Page, *kernel.Error) {
	startAddr, err := alloc.FindSpace(count, user)
	if err != nil {
		return mm.Page{}, err
	}

	flags := kernelPageFlags
	if user {
		flags = userPageFlags
	}

	for mapped := uint32(0); mapped < count; mapped++ {
		pageAddr := startAddr + mm.VirtAddr(mapped<<mm.PageShift)

		frame, err := alloc.frames.AllocFrame()
		if err != nil {
			return mm.Page{}, alloc.rollback(mm.Page{Address: startAddr, Count: mapped}, err)
		}

		if err = alloc.pdt.Map(pageAddr, frame.Address, flags); err != nil {
			if freeErr := alloc.frames.Free(frame); freeErr != nil && freeErr.Fatal {
				return mm.Page{}, freeErr
			}
			return mm.Page{}, alloc.rollback(mm.Page{Address: startAddr, Count: mapped}, err)
		}

		if err = alloc.pdt.ZeroVirt(pageAddr, mm.PageSize); err != nil {
			return mm.Page{}, alloc.rollback(mm.Page{Address: startAddr, Count: mapped + 1}, err)
		}
	}

	return mm.Page{Address: startAddr, Count: count}, nil
}

// rollback releases the pages of a partially completed allocation and returns
// cause. A fatal error raised while releasing the pages takes precedence.
func (alloc *PageAllocator) rollback(page mm.Page, cause *kernel.Error) *kernel.Error {
	if err := alloc.Free(page); err != nil && err.Fatal {
		return err
	}
	return cause
}

// Free unmaps a run of pages previously obtained via Alloc and returns their
// backing frames to the frame allocator.
func (alloc *PageAllocator) Free(page mm.Page) *kernel.Error {
	for index := uint32(0); index < page.Count; index++ {
		virtAddr := page.Address + mm.VirtAddr(index<<mm.PageShift)

		physAddr, err := alloc.pdt.Translate(virtAddr)
		if err != nil {
			return err
		}

		if err = alloc.pdt.Unmap(virtAddr); err != nil {
			return err
		}

		if err = alloc.frames.Free(mm.FrameFromAddress(physAddr)); err != nil {
			return err
		}
	}

	return nil
}
