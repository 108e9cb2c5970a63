package heap

import (
	"encoding/binary"
	"thingy/kernel"
	"thingy/kernel/mm"
)

const (
	magicBegin = uint32(0x04206969)
	magicEnd   = uint32(0xDEADBEEF)

	// headerSize is the size of the metadata preceding each payload:
	// magic (4), size (4), next (4), free (1), user (1), padding (2),
	// magic (4).
	headerSize = 20

	// footerSize is the size of the metadata following each payload:
	// magic (4), size (4), magic (4).
	footerSize = 12

	// overhead is the metadata size of a single node.
	overhead = headerSize + footerSize

	// splitSlack is the minimum payload a node must be left with after a
	// split.
	splitSlack = 16

	// sizeAlign is the alignment applied to requested sizes so that node
	// headers stay word aligned.
	sizeAlign = 4
)

// header describes the metadata stored in front of each node payload.
type header struct {
	size uint32
	next mm.VirtAddr
	free bool
	user bool
}

// nodeRef identifies a node by the arena that contains it and the offset of
// its header within that arena.
type nodeRef struct {
	arena  int
	offset uint32
}

// addr returns the virtual address of the node header.
func (alloc *Allocator) addr(ref nodeRef) mm.VirtAddr {
	return alloc.arenas[ref.arena].Address + mm.VirtAddr(ref.offset)
}

// resolve maps the virtual address of a node header to a nodeRef. It returns
// false if the header would not fit inside any arena.
func (alloc *Allocator) resolve(addr mm.VirtAddr) (nodeRef, bool) {
	for index, arena := range alloc.arenas {
		if !arena.Contains(addr) {
			continue
		}

		offset := uint32(addr - arena.Address)
		if uint64(offset)+overhead > arena.Size() {
			return nodeRef{}, false
		}
		return nodeRef{arena: index, offset: offset}, true
	}

	return nodeRef{}, false
}

// isNodeStart returns true if addr is a word-aligned address inside an arena
// that holds a header with valid magic values.
func (alloc *Allocator) isNodeStart(addr mm.VirtAddr) bool {
	ref, ok := alloc.resolve(addr)
	if !ok || ref.offset%sizeAlign != 0 {
		return false
	}

	var hdrBuf [headerSize]byte
	if err := alloc.mem.ReadVirt(addr, hdrBuf[:]); err != nil {
		return false
	}

	return binary.LittleEndian.Uint32(hdrBuf[0:]) == magicBegin && binary.LittleEndian.Uint32(hdrBuf[16:]) == magicEnd
}

// writeNode formats the header and footer of a node.
func (alloc *Allocator) writeNode(ref nodeRef, hdr header) *kernel.Error {
	var (
		hdrBuf = encodeHeader(hdr)
		ftrBuf [footerSize]byte
	)

	binary.LittleEndian.PutUint32(ftrBuf[0:], magicBegin)
	binary.LittleEndian.PutUint32(ftrBuf[4:], hdr.size)
	binary.LittleEndian.PutUint32(ftrBuf[8:], magicEnd)

	nodeAddr := alloc.addr(ref)
	if err := alloc.mem.WriteVirt(nodeAddr, hdrBuf[:]); err != nil {
		return err
	}
	return alloc.mem.WriteVirt(nodeAddr+headerSize+mm.VirtAddr(hdr.size), ftrBuf[:])
}

// setHeader rewrites the header of a node leaving its footer untouched. It
// must only be used when the node size does not change.
func (alloc *Allocator) setHeader(ref nodeRef, hdr header) *kernel.Error {
	hdrBuf := encodeHeader(hdr)
	return alloc.mem.WriteVirt(alloc.addr(ref), hdrBuf[:])
}

func encodeHeader(hdr header) [headerSize]byte {
	var buf [headerSize]byte

	binary.LittleEndian.PutUint32(buf[0:], magicBegin)
	binary.LittleEndian.PutUint32(buf[4:], hdr.size)
	binary.LittleEndian.PutUint32(buf[8:], uint32(hdr.next))
	if hdr.free {
		buf[12] = 1
	}
	if hdr.user {
		buf[13] = 1
	}
	binary.LittleEndian.PutUint32(buf[16:], magicEnd)

	return buf
}

// check reads and validates the metadata of a node. A node is valid if both
// its header and footer carry the expected magic values, the footer size
// matches the header size, the node fits in its arena and its next pointer
// is either 0 or points to the header of another node.
func (alloc *Allocator) check(ref nodeRef) (header, *kernel.Error) {
	var (
		hdrBuf [headerSize]byte
		ftrBuf [footerSize]byte
		hdr    header
	)

	nodeAddr := alloc.addr(ref)
	if err := alloc.mem.ReadVirt(nodeAddr, hdrBuf[:]); err != nil {
		return hdr, ErrCorrupted
	}

	if binary.LittleEndian.Uint32(hdrBuf[0:]) != magicBegin || binary.LittleEndian.Uint32(hdrBuf[16:]) != magicEnd {
		return hdr, ErrCorrupted
	}

	hdr.size = binary.LittleEndian.Uint32(hdrBuf[4:])
	hdr.next = mm.VirtAddr(binary.LittleEndian.Uint32(hdrBuf[8:]))
	hdr.free = hdrBuf[12] != 0
	hdr.user = hdrBuf[13] != 0

	if uint64(ref.offset)+overhead+uint64(hdr.size) > alloc.arenas[ref.arena].Size() {
		return hdr, ErrCorrupted
	}

	if err := alloc.mem.ReadVirt(nodeAddr+headerSize+mm.VirtAddr(hdr.size), ftrBuf[:]); err != nil {
		return hdr, ErrCorrupted
	}

	if binary.LittleEndian.Uint32(ftrBuf[0:]) != magicBegin ||
		binary.LittleEndian.Uint32(ftrBuf[4:]) != hdr.size ||
		binary.LittleEndian.Uint32(ftrBuf[8:]) != magicEnd {
		return hdr, ErrCorrupted
	}

	if hdr.next != 0 && !alloc.isNodeStart(hdr.next) {
		return hdr, ErrCorrupted
	}

	return hdr, nil
}
