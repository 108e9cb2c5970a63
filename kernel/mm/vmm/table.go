package vmm

import (
	"encoding/binary"
	"thingy/kernel"
	"thingy/kernel/mm"
)

var (
	// errTableNotBacked is returned when a frame handed out for a paging
	// structure is not backed by physical memory.
	errTableNotBacked = &kernel.Error{Module: "vmm", Message: "paging structure frame is not backed by physical memory", Fatal: true}
)

// PageTable is a second-level paging structure holding 1024 entries that
// map 4 KiB pages. The entries live inside a physical frame so that the MMU
// can walk them once paging is enabled.
//
// Every table belongs to an owner class (kernel or user). Unused entries carry
// the owner's user bit so that the page allocator can keep kernel and user
// allocations in separate tables.
type PageTable struct {
	frame   mm.Frame
	entries []byte
	user    bool
}

// CreatePageTable allocates a frame for a new page table and initializes all
// its entries as not present, writable and tagged with the requested owner
// class.
func CreatePageTable(mem mm.Memory, allocFn mm.FrameAllocatorFn, user bool) (*PageTable, *kernel.Error) {
	frame, err := allocFn()
	if err != nil {
		return nil, err
	}

	entries := mem.Bytes(frame.Address, mm.PageSize)
	if entries == nil {
		return nil, errTableNotBacked
	}

	table := &PageTable{frame: frame, entries: entries, user: user}

	free := pageTableEntry(FlagRW)
	if user {
		free.SetFlags(FlagUser)
	}

	for index := uint32(0); index < entriesPerTable; index++ {
		table.setEntry(index, free)
	}

	return table, nil
}

// Frame returns the physical frame that holds the table entries.
func (t *PageTable) Frame() mm.Frame {
	return t.frame
}

// User returns true if the table belongs to the user owner class.
func (t *PageTable) User() bool {
	return t.user
}

// entry returns the table entry at the given index.
func (t *PageTable) entry(index uint32) pageTableEntry {
	return pageTableEntry(binary.LittleEndian.Uint32(t.entries[index<<entryShift:]))
}

// setEntry overwrites the table entry at the given index.
func (t *PageTable) setEntry(index uint32, pte pageTableEntry) {
	binary.LittleEndian.PutUint32(t.entries[index<<entryShift:], uint32(pte))
}

// TableSlot is a page directory slot. A slot is either empty or refers to a
// present page table.
type TableSlot struct {
	table *PageTable
}

// EmptySlot returns a slot that does not reference a page table.
func EmptySlot() TableSlot {
	return TableSlot{}
}

// PresentSlot returns a slot that references the supplied table.
func PresentSlot(table *PageTable) TableSlot {
	return TableSlot{table: table}
}

// IsEmpty returns true if the slot does not reference a page table.
func (s TableSlot) IsEmpty() bool {
	return s.table == nil
}

// Table returns the page table referenced by this slot or nil if the slot is
// empty.
func (s TableSlot) Table() *PageTable {
	return s.table
}

// encode returns the hardware encoding of the slot. Empty slots are encoded
// as a not-present, writable entry.
func (s TableSlot) encode() pageTableEntry {
	pte := pageTableEntry(FlagRW)
	if s.table == nil {
		return pte
	}

	pte.SetFlags(FlagPresent)
	pte.SetFrame(s.table.frame.Address)
	if s.table.user {
		pte.SetFlags(FlagUser)
	}
	return pte
}
