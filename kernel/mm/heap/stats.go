package heap

import (
	"io"
	"thingy/kernel"
	"thingy/kernel/kfmt"
)

// Stats summarizes the state of the heap.
type Stats struct {
	// Arenas is the number of page runs obtained from the page allocator
	// and ArenaBytes their combined size.
	Arenas     int
	ArenaBytes uint64

	// Nodes is the total number of nodes and FreeNodes the number of
	// nodes available for allocation.
	Nodes     int
	FreeNodes int

	// UsedBytes and FreeBytes hold the combined payload size of the
	// allocated and free nodes.
	UsedBytes uint64
	FreeBytes uint64
}

// Overhead returns the number of bytes used by node metadata.
func (s Stats) Overhead() uint64 {
	return uint64(s.Nodes) * overhead
}

// DumpTo writes a summary of the heap statistics to w.
func (s Stats) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "arenas: %d (%d bytes), nodes: %d (%d free)\n", s.Arenas, s.ArenaBytes, s.Nodes, s.FreeNodes)
	kfmt.Fprintf(w, "used: %d bytes, free: %d bytes, metadata: %d bytes\n", s.UsedBytes, s.FreeBytes, s.Overhead())
}

// Stats walks every arena and returns the heap statistics. Any node that
// fails validation aborts the walk with ErrCorrupted.
func (alloc *Allocator) Stats() (Stats, *kernel.Error) {
	var stats Stats

	for index, arena := range alloc.arenas {
		stats.Arenas++
		stats.ArenaBytes += arena.Size()

		ref := nodeRef{arena: index}
		for uint64(ref.offset) < arena.Size() {
			hdr, err := alloc.check(ref)
			if err != nil {
				return stats, err
			}

			stats.Nodes++
			if hdr.free {
				stats.FreeNodes++
				stats.FreeBytes += uint64(hdr.size)
			} else {
				stats.UsedBytes += uint64(hdr.size)
			}

			ref.offset += overhead + hdr.size
		}
	}

	return stats, nil
}

// Verify validates every node in every arena and ensures that the node list
// reaches each node exactly once.
func (alloc *Allocator) Verify() *kernel.Error {
	stats, err := alloc.Stats()
	if err != nil {
		return err
	}

	var listed int
	for cur := alloc.head; cur != 0; listed++ {
		if listed == stats.Nodes {
			// The list is longer than the number of nodes; it must
			// contain a cycle.
			return ErrCorrupted
		}

		ref, ok := alloc.resolve(cur)
		if !ok {
			return ErrCorrupted
		}

		hdr, err := alloc.check(ref)
		if err != nil {
			return err
		}
		cur = hdr.next
	}

	if listed != stats.Nodes {
		return ErrCorrupted
	}

	return nil
}
