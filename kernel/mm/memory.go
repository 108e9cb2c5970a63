package mm

// Memory provides byte-level access to physical memory.
type Memory interface {
	// Bytes returns a slice that overlays size bytes of physical memory
	// starting at addr. Writes to the slice update physical memory. Bytes
	// returns nil if the requested range is not backed by memory.
	Bytes(addr PhysAddr, size uint32) []byte
}

// RAM is a Memory implementation backed by a byte slice whose first element
// corresponds to physical address 0.
type RAM []byte

// Bytes implements Memory.
func (r RAM) Bytes(addr PhysAddr, size uint32) []byte {
	start, end := uint64(addr), uint64(addr)+uint64(size)
	if end > uint64(len(r)) {
		return nil
	}

	return r[start:end:end]
}
