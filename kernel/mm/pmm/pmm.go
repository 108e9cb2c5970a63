// Package pmm implements the physical frame allocator.
package pmm

import (
	"thingy/kernel"
	"thingy/multiboot"
)

var (
	// ErrOutOfMemory is returned when no run of free frames large enough
	// to satisfy an allocation request exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidFree is returned when attempting to free a frame that is
	// not currently allocated.
	ErrInvalidFree = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated", Fatal: true}

	errInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
)

// BootInfo is implemented by boot-information providers that describe the
// physical memory layout of the machine.
type BootInfo interface {
	// VisitMemRegions invokes the visitor for each memory map entry.
	VisitMemRegions(multiboot.MemRegionVisitor)

	// VisitModules invokes the visitor for each loaded boot module.
	VisitModules(multiboot.ModuleVisitor)

	// Framebuffer returns the framebuffer set up by the loader or nil.
	Framebuffer() *multiboot.FramebufferInfo

	// KernelImage returns the physical [start, end) range of the kernel.
	KernelImage() (uint64, uint64)
}
