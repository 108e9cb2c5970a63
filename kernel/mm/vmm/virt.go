package vmm

import (
	"thingy/kernel"
	"thingy/kernel/mm"
)

// virtChunk returns the physical memory backing the part of [virtAddr,
// virtAddr+size) that lies inside the page containing virtAddr.
func (pdt *PageDirectory) virtChunk(virtAddr mm.VirtAddr, size uint32) ([]byte, *kernel.Error) {
	if rem := mm.PageSize - virtAddr.PageOffset(); size > rem {
		size = rem
	}

	physAddr, err := pdt.Translate(virtAddr)
	if err != nil {
		return nil, err
	}

	chunk := pdt.mem.Bytes(physAddr, size)
	if chunk == nil {
		return nil, ErrInvalidMapping
	}
	return chunk, nil
}

// ReadVirt copies len(dst) bytes starting at virtAddr into dst. Each page in
// the range is translated separately so the range may span physically
// discontiguous frames.
func (pdt *PageDirectory) ReadVirt(virtAddr mm.VirtAddr, dst []byte) *kernel.Error {
	for len(dst) > 0 {
		chunk, err := pdt.virtChunk(virtAddr, uint32(len(dst)))
		if err != nil {
			return err
		}

		n := kernel.Memcopy(chunk, dst)
		dst = dst[n:]
		virtAddr += mm.VirtAddr(n)
	}
	return nil
}

// WriteVirt copies src to the virtual memory region starting at virtAddr.
func (pdt *PageDirectory) WriteVirt(virtAddr mm.VirtAddr, src []byte) *kernel.Error {
	for len(src) > 0 {
		chunk, err := pdt.virtChunk(virtAddr, uint32(len(src)))
		if err != nil {
			return err
		}

		n := kernel.Memcopy(src, chunk)
		src = src[n:]
		virtAddr += mm.VirtAddr(n)
	}
	return nil
}

// CopyVirt copies size bytes from the virtual region at src to the virtual
// region at dst. The regions must not overlap.
func (pdt *PageDirectory) CopyVirt(dst, src mm.VirtAddr, size uint32) *kernel.Error {
	for size > 0 {
		srcChunk, err := pdt.virtChunk(src, size)
		if err != nil {
			return err
		}

		dstChunk, err := pdt.virtChunk(dst, uint32(len(srcChunk)))
		if err != nil {
			return err
		}

		n := uint32(kernel.Memcopy(srcChunk, dstChunk))
		size -= n
		src += mm.VirtAddr(n)
		dst += mm.VirtAddr(n)
	}
	return nil
}

// ZeroVirt clears size bytes starting at virtAddr.
func (pdt *PageDirectory) ZeroVirt(virtAddr mm.VirtAddr, size uint32) *kernel.Error {
	for size > 0 {
		chunk, err := pdt.virtChunk(virtAddr, size)
		if err != nil {
			return err
		}

		kernel.Memset(chunk, 0)
		size -= uint32(len(chunk))
		virtAddr += mm.VirtAddr(len(chunk))
	}
	return nil
}
