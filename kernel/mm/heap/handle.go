package heap

import (
	"thingy/kernel"
	"thingy/kernel/mm"
)

// Handle is a view of an Allocator bound to a single owner class.
type Handle struct {
	alloc *Allocator
	user  bool
}

// Kernel returns a handle that allocates kernel memory.
func (alloc *Allocator) Kernel() Handle {
	return Handle{alloc: alloc}
}

// User returns a handle that allocates user memory.
func (alloc *Allocator) User() Handle {
	return Handle{alloc: alloc, user: true}
}

// Alloc reserves size bytes from the handle's owner class.
func (h Handle) Alloc(size uint32) (mm.VirtAddr, *kernel.Error) {
	return h.alloc.Alloc(size, h.user)
}

// Realloc resizes an allocation that belongs to the handle's owner class.
func (h Handle) Realloc(ptr mm.VirtAddr, size uint32) (mm.VirtAddr, *kernel.Error) {
	if err := h.checkClass(ptr); err != nil {
		return 0, err
	}
	return h.alloc.Realloc(ptr, size, h.user)
}

// Free releases an allocation that belongs to the handle's owner class.
func (h Handle) Free(ptr mm.VirtAddr) *kernel.Error {
	if err := h.checkClass(ptr); err != nil {
		return err
	}
	return h.alloc.Free(ptr)
}

// checkClass returns ErrInvalidFree if ptr refers to an allocation of the
// other owner class.
func (h Handle) checkClass(ptr mm.VirtAddr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	_, hdr, err := h.alloc.node(ptr)
	if err != nil {
		return err
	}

	if hdr.user != h.user {
		return ErrInvalidFree
	}
	return nil
}
