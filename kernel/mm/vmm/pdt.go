package vmm

import (
	"encoding/binary"
	"thingy/kernel"
	"thingy/kernel/cpu"
	"thingy/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errMisalignedIdentityMap = &kernel.Error{Module: "vmm", Message: "identity mapped regions must be aligned to the page table span"}
	errIdentityMapOverflow   = &kernel.Error{Module: "vmm", Message: "identity mapped region exceeds the address space"}
)

// PageDirectory describes the top-most table in the two-level 32-bit paging
// scheme. The Go-side slots track which page tables are present while the
// directory frame holds the same information in the format expected by the
// MMU.
type PageDirectory struct {
	mem     mm.Memory
	allocFn mm.FrameAllocatorFn

	frame   mm.Frame
	entries []byte
	slots   [entriesPerTable]TableSlot

	// ctl is set once the directory is activated and is used to flush
	// TLB entries for updated mappings.
	ctl cpu.Control
}

// CreatePageDirectory allocates a frame for a new page directory and marks
// all its slots as empty. Page tables for the directory are allocated on
// demand via allocFn.
func CreatePageDirectory(mem mm.Memory, allocFn mm.FrameAllocatorFn) (*PageDirectory, *kernel.Error) {
	frame, err := allocFn()
	if err != nil {
		return nil, err
	}

	entries := mem.Bytes(frame.Address, mm.PageSize)
	if entries == nil {
		return nil, errTableNotBacked
	}

	pdt := &PageDirectory{
		mem:     mem,
		allocFn: allocFn,
		frame:   frame,
		entries: entries,
	}

	for index := uint32(0); index < entriesPerTable; index++ {
		pdt.setSlot(index, EmptySlot())
	}

	return pdt, nil
}

// Frame returns the physical frame that holds the directory entries.
func (pdt *PageDirectory) Frame() mm.Frame {
	return pdt.frame
}

// Slot returns the directory slot at the given index.
func (pdt *PageDirectory) Slot(index uint32) TableSlot {
	return pdt.slots[index&(entriesPerTable-1)]
}

// setSlot updates both the Go-side slot and its hardware encoding.
func (pdt *PageDirectory) setSlot(index uint32, slot TableSlot) {
	pdt.slots[index] = slot
	binary.LittleEndian.PutUint32(pdt.entries[index<<entryShift:], uint32(slot.encode()))
}

// tableFor returns the page table that covers virtAddr, creating it if the
// slot is empty. Newly created tables belong to the user class if user is
// set.
func (pdt *PageDirectory) tableFor(virtAddr mm.VirtAddr, user bool) (*PageTable, *kernel.Error) {
	index := tableIndex(uint64(virtAddr))
	if table := pdt.slots[index].Table(); table != nil {
		return table, nil
	}

	table, err := CreatePageTable(pdt.mem, pdt.allocFn, user)
	if err != nil {
		return nil, err
	}

	pdt.setSlot(index, PresentSlot(table))
	return table, nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. If the page table that covers the virtual address does not exist it
// is created with the owner class implied by FlagUser.
func (pdt *PageDirectory) Map(virtAddr mm.VirtAddr, physAddr mm.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	table, err := pdt.tableFor(virtAddr, flags&FlagUser != 0)
	if err != nil {
		return err
	}

	var pte pageTableEntry
	pte.SetFrame(physAddr)
	pte.SetFlags(flags)
	table.setEntry(entryIndex(uint64(virtAddr)), pte)

	pdt.flushTLBEntry(virtAddr)
	return nil
}

// Unmap removes a mapping previously installed via a call to Map by clearing
// its present flag. The entry keeps its owner class.
func (pdt *PageDirectory) Unmap(virtAddr mm.VirtAddr) *kernel.Error {
	table := pdt.slots[tableIndex(uint64(virtAddr))].Table()
	if table == nil {
		return ErrInvalidMapping
	}

	index := entryIndex(uint64(virtAddr))
	pte := table.entry(index)
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	pte.ClearFlags(FlagPresent)
	table.setEntry(index, pte)

	pdt.flushTLBEntry(virtAddr)
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectory) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, ok := pdt.lookup(uint64(virtAddr))
	if !ok || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame() + mm.PhysAddr(virtAddr.PageOffset()), nil
}

// lookup returns the page table entry for virtAddr. The second return value
// is false if the covering slot is empty.
func (pdt *PageDirectory) lookup(virtAddr uint64) (pageTableEntry, bool) {
	table := pdt.slots[tableIndex(virtAddr)].Table()
	if table == nil {
		return 0, false
	}
	return table.entry(entryIndex(virtAddr)), true
}

// Activate loads this directory into CR3 and enables paging. Mappings
// updated after activation trigger a TLB flush for the affected page.
func (pdt *PageDirectory) Activate(ctl cpu.Control) {
	ctl.WriteCR3(uint32(pdt.frame.Address))
	ctl.WriteCR0(ctl.ReadCR0() | cpu.CR0PagingEnabled)
	pdt.ctl = ctl
}

// Active returns true if the directory has been activated.
func (pdt *PageDirectory) Active() bool {
	return pdt.ctl != nil && pdt.ctl.ReadCR3() == uint32(pdt.frame.Address)
}

func (pdt *PageDirectory) flushTLBEntry(virtAddr mm.VirtAddr) {
	if pdt.Active() {
		pdt.ctl.FlushTLBEntry(uint32(virtAddr))
	}
}

// IdentityMap maps span bytes of physical memory starting at physBase to the
// virtual region starting at virtBase using one fully populated page table per
// 4 MiB. Both bases must be aligned to 4 MiB; span is rounded up to the next
// 4 MiB boundary.
func IdentityMap(pdt *PageDirectory, virtBase mm.VirtAddr, physBase mm.PhysAddr, span uint64) *kernel.Error {
	if uint64(virtBase)%tableSpan != 0 || uint64(physBase)%tableSpan != 0 {
		return errMisalignedIdentityMap
	}

	span = (span + tableSpan - 1) &^ (tableSpan - 1)
	if uint64(virtBase)+span > addressSpaceSize || uint64(physBase)+span > addressSpaceSize {
		return errIdentityMapOverflow
	}

	for offset := uint64(0); offset < span; offset += tableSpan {
		table, err := pdt.tableFor(virtBase+mm.VirtAddr(offset), false)
		if err != nil {
			return err
		}

		phys := uint64(physBase) + offset
		for index := uint32(0); index < entriesPerTable; index, phys = index+1, phys+uint64(mm.PageSize) {
			var pte pageTableEntry
			pte.SetFrame(mm.PhysAddr(phys))
			pte.SetFlags(FlagPresent | FlagRW)
			table.setEntry(index, pte)
		}
	}

	return nil
}
