package multiboot

import "encoding/binary"

// Builder assembles multiboot2 information payloads. It is used by hosted
// boot paths (emulators and tests) that need to hand the kernel the same
// structure a multiboot2 loader would.
type Builder struct {
	tags []byte
}

// AddMemRegion appends a memory map entry. Consecutive calls extend the same
// memory map tag.
func (b *Builder) AddMemRegion(physAddr, length uint64, memType MemoryEntryType) *Builder {
	var entry [mmapEntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:], physAddr)
	binary.LittleEndian.PutUint64(entry[8:], length)
	binary.LittleEndian.PutUint32(entry[16:], uint32(memType))

	// Extend the last tag if it is a memory map
	if off := b.lastTagOffset(); off >= 0 && tagType(binary.LittleEndian.Uint32(b.tags[off:])) == tagMemoryMap {
		size := binary.LittleEndian.Uint32(b.tags[off+4:])
		b.tags = append(b.tags[:off+int(size)], entry[:]...)
		binary.LittleEndian.PutUint32(b.tags[off+4:], size+mmapEntrySize)
		b.pad()
		return b
	}

	var hdr [mmapHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], mmapEntrySize)
	return b.addTag(tagMemoryMap, append(hdr[:], entry[:]...))
}

// AddModule appends a module tag.
func (b *Builder) AddModule(start, end uint32, name string) *Builder {
	payload := make([]byte, 8, 8+len(name)+1)
	binary.LittleEndian.PutUint32(payload[0:], start)
	binary.LittleEndian.PutUint32(payload[4:], end)
	payload = append(payload, name...)
	payload = append(payload, 0)
	return b.addTag(tagModules, payload)
}

// SetFramebuffer appends a framebuffer info tag.
func (b *Builder) SetFramebuffer(fb FramebufferInfo) *Builder {
	var payload [24]byte
	binary.LittleEndian.PutUint64(payload[0:], fb.PhysAddr)
	binary.LittleEndian.PutUint32(payload[8:], fb.Pitch)
	binary.LittleEndian.PutUint32(payload[12:], fb.Width)
	binary.LittleEndian.PutUint32(payload[16:], fb.Height)
	payload[20] = fb.Bpp
	payload[21] = byte(fb.Type)
	return b.addTag(tagFramebufferInfo, payload[:])
}

// SetCmdLine appends a boot command line tag.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	return b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// Bytes returns the encoded payload terminated by an end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)

	var end [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(end[4:], tagHeaderSize)
	out = append(out, end[:]...)

	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func (b *Builder) addTag(tag tagType, payload []byte) *Builder {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	b.pad()
	return b
}

// pad aligns the tag buffer to the next 8-byte boundary.
func (b *Builder) pad() {
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
}

// lastTagOffset returns the offset of the most recently added tag or -1 if
// no tags have been added.
func (b *Builder) lastTagOffset() int {
	last := -1
	for off := 0; off+tagHeaderSize <= len(b.tags); {
		last = off
		size := int(binary.LittleEndian.Uint32(b.tags[off+4:]))
		off += (size + 7) &^ 7
	}
	return last
}
