// Package heap implements a free-list heap allocator on top of the page
// allocator.
package heap

import (
	"thingy/kernel"
	"thingy/kernel/mm"
)

var (
	// ErrCorrupted is returned when node metadata fails validation.
	ErrCorrupted = &kernel.Error{Module: "heap", Message: "heap metadata is corrupted", Fatal: true}

	// ErrInvalidFree is returned when freeing a pointer that was not
	// returned by the allocator or that has already been freed.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "attempted to free an invalid pointer", Fatal: true}

	errRequestTooLarge = &kernel.Error{Module: "heap", Message: "allocation request exceeds the address space"}
)

// maxRequest is the largest payload that can be requested.
const maxRequest = uint32(0xffffffff) - overhead - mm.PageSize

// PageAllocator is implemented by allocators that provide the heap with runs
// of mapped pages.
type PageAllocator interface {
	Alloc(count uint32, user bool) (mm.Page, *kernel.Error)
}

// VirtMemory provides access to the memory behind mapped virtual addresses.
type VirtMemory interface {
	ReadVirt(virtAddr mm.VirtAddr, dst []byte) *kernel.Error
	WriteVirt(virtAddr mm.VirtAddr, src []byte) *kernel.Error
	CopyVirt(dst, src mm.VirtAddr, size uint32) *kernel.Error
}

// Allocator carves variable sized allocations out of page runs (arenas)
// obtained from a PageAllocator.
//
// Every node (allocated or free) is linked into a single list, most recently
// created first. Allocation is first-fit over that list; oversized nodes are
// split and the remainder is linked right after the allocated piece. Freed
// nodes are never merged with their neighbors and arenas are never returned to
// the page allocator.
type Allocator struct {
	pages PageAllocator
	mem   VirtMemory

	// arenas holds the page runs obtained from the page allocator in the
	// order they were requested.
	arenas []mm.Page

	// head is the address of the most recently created node.
	head mm.VirtAddr
}

// Init binds the allocator to a page allocator and the virtual memory that
// backs its pages.
func (alloc *Allocator) Init(pages PageAllocator, mem VirtMemory) {
	alloc.pages = pages
	alloc.mem = mem
	alloc.arenas = alloc.arenas[:0]
	alloc.head = 0
}

// Alloc reserves size bytes of kernel (user=false) or user memory and returns
// the address of the payload. A zero size yields a zero address and no error.
func (alloc *Allocator) Alloc(size uint32, user bool) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	if size > maxRequest {
		return 0, errRequestTooLarge
	}
	size = (size + sizeAlign - 1) &^ (sizeAlign - 1)

	for {
		ptr, found, err := alloc.allocFromList(size, user)
		if err != nil || found {
			return ptr, err
		}

		if err = alloc.grow(size, user); err != nil {
			return 0, err
		}
	}
}

// allocFromList scans the node list for the first free node of the requested
// class that can hold size bytes.
func (alloc *Allocator) allocFromList(size uint32, user bool) (mm.VirtAddr, bool, *kernel.Error) {
	for cur := alloc.head; cur != 0; {
		ref, ok := alloc.resolve(cur)
		if !ok {
			return 0, false, ErrCorrupted
		}

		hdr, err := alloc.check(ref)
		if err != nil {
			return 0, false, err
		}

		if !hdr.free || hdr.user != user || hdr.size < size {
			cur = hdr.next
			continue
		}

		if hdr.size > size+overhead+splitSlack {
			if err = alloc.split(ref, hdr, size); err != nil {
				return 0, false, err
			}
			if hdr, err = alloc.check(ref); err != nil {
				return 0, false, err
			}
		}

		hdr.free = false
		if err = alloc.setHeader(ref, hdr); err != nil {
			return 0, false, err
		}

		return cur + headerSize, true, nil
	}

	return 0, false, nil
}

// split shrinks the node at ref to size bytes and formats the remaining space
// as a new free node that follows it both in memory and in the node list.
func (alloc *Allocator) split(ref nodeRef, hdr header, size uint32) *kernel.Error {
	rest := nodeRef{arena: ref.arena, offset: ref.offset + overhead + size}
	restHdr := header{
		size: hdr.size - size - overhead,
		next: hdr.next,
		free: true,
		user: hdr.user,
	}

	if err := alloc.writeNode(rest, restHdr); err != nil {
		return err
	}

	hdr.size = size
	hdr.next = alloc.addr(rest)
	if err := alloc.writeNode(ref, hdr); err != nil {
		return err
	}

	_, err := alloc.check(rest)
	return err
}

// grow requests enough pages to hold a node with a size byte payload, formats
// a single free node spanning the run and links it at the head of the list.
func (alloc *Allocator) grow(size uint32, user bool) *kernel.Error {
	page, err := alloc.pages.Alloc(mm.PagesFor(uint64(size)+overhead), user)
	if err != nil {
		return err
	}

	alloc.arenas = append(alloc.arenas, page)
	ref := nodeRef{arena: len(alloc.arenas) - 1}
	hdr := header{
		size: uint32(page.Size()) - overhead,
		next: alloc.head,
		free: true,
		user: user,
	}

	if err = alloc.writeNode(ref, hdr); err != nil {
		return err
	}

	alloc.head = page.Address
	return nil
}

// Free releases the allocation whose payload starts at ptr. Freeing a zero
// address is a no-op.
func (alloc *Allocator) Free(ptr mm.VirtAddr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	ref, hdr, err := alloc.node(ptr)
	if err != nil {
		return err
	}

	if hdr.free {
		return ErrInvalidFree
	}

	hdr.free = true
	return alloc.setHeader(ref, hdr)
}

// Realloc resizes the allocation at ptr to size bytes. If the existing node
// can already hold size bytes, ptr is returned unchanged. Otherwise a new node
// is allocated, the payload is copied over and the old node is freed.
//
// A zero ptr behaves like Alloc; a zero size frees ptr and returns 0.
func (alloc *Allocator) Realloc(ptr mm.VirtAddr, size uint32, user bool) (mm.VirtAddr, *kernel.Error) {
	if ptr == 0 {
		return alloc.Alloc(size, user)
	}

	if size == 0 {
		return 0, alloc.Free(ptr)
	}

	_, hdr, err := alloc.node(ptr)
	if err != nil {
		return 0, err
	}

	if hdr.free {
		return 0, ErrInvalidFree
	}

	if size <= hdr.size {
		return ptr, nil
	}

	newPtr, err := alloc.Alloc(size, user)
	if err != nil {
		return 0, err
	}

	if err = alloc.mem.CopyVirt(newPtr, ptr, hdr.size); err != nil {
		return 0, err
	}

	if err = alloc.Free(ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}

// node returns the validated node whose payload starts at ptr.
func (alloc *Allocator) node(ptr mm.VirtAddr) (nodeRef, header, *kernel.Error) {
	if ptr < headerSize {
		return nodeRef{}, header{}, ErrInvalidFree
	}

	ref, ok := alloc.resolve(ptr - headerSize)
	if !ok {
		return nodeRef{}, header{}, ErrInvalidFree
	}

	hdr, err := alloc.check(ref)
	return ref, hdr, err
}
