package vmm

import "thingy/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUser is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUser

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty
)

const (
	// ptePhysPageMask is a mask that allows us to extract the physical
	// frame address from a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// entriesPerTable is the number of entries in a page table or page
	// directory.
	entriesPerTable = 1024

	// entryShift is log2 of the size of a table entry in bytes.
	entryShift = 2

	// tableShift is the number of bits a virtual address must be shifted
	// right to obtain its page directory index.
	tableShift = 22

	// tableSpan is the amount of virtual memory covered by a page table.
	tableSpan = uint64(1) << tableShift

	// addressSpaceSize is the size of the 32-bit virtual address space.
	addressSpaceSize = uint64(1) << 32
)

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical address of the frame that this page table entry
// points to.
func (pte pageTableEntry) Frame() mm.PhysAddr {
	return mm.PhysAddr(uint32(pte) & ptePhysPageMask)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(addr mm.PhysAddr) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | (uint32(addr) & ptePhysPageMask))
}

// tableIndex returns the page directory slot that covers virtAddr.
func tableIndex(virtAddr uint64) uint32 {
	return uint32(virtAddr>>tableShift) & (entriesPerTable - 1)
}

// entryIndex returns the page table entry that covers virtAddr.
func entryIndex(virtAddr uint64) uint32 {
	return uint32(virtAddr>>mm.PageShift) & (entriesPerTable - 1)
}
