package vmm

import (
	"testing"
	"thingy/kernel"
	"thingy/kernel/mm"
)

var (
	errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}
	errTestBadFree     = &kernel.Error{Module: "test", Message: "bad free", Fatal: true}
)

// testFrames hands out frames sequentially from a RAM buffer and keeps track
// of the frames that are currently in use.
type testFrames struct {
	next, limit uint32
	used        map[uint32]bool
	free        []uint32

	// allocLimit, if non-zero, caps the number of successful allocations.
	allocLimit, allocCount int

	// freeErr, if set, is returned by Free without releasing the frame.
	freeErr *kernel.Error
}

func newTestFrames(ram mm.RAM) *testFrames {
	return &testFrames{limit: uint32(len(ram)) >> mm.PageShift, used: make(map[uint32]bool)}
}

func (f *testFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	if f.allocLimit != 0 && f.allocCount == f.allocLimit {
		return mm.Frame{}, errTestOutOfFrames
	}

	var index uint32
	switch {
	case len(f.free) != 0:
		index = f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
	case f.next < f.limit:
		index = f.next
		f.next++
	default:
		return mm.Frame{}, errTestOutOfFrames
	}

	f.allocCount++
	f.used[index] = true
	return mm.Frame{Address: mm.PhysAddr(index << mm.PageShift), Count: 1}, nil
}

func (f *testFrames) Free(frame mm.Frame) *kernel.Error {
	if f.freeErr != nil {
		return f.freeErr
	}

	if !f.used[frame.Index()] {
		return errTestOutOfFrames
	}
	delete(f.used, frame.Index())
	f.free = append(f.free, frame.Index())
	return nil
}

func testDirectory(t *testing.T, ramSize mm.Size) (*PageDirectory, mm.RAM, *testFrames) {
	ram := make(mm.RAM, ramSize)
	frames := newTestFrames(ram)

	pdt, err := CreatePageDirectory(ram, frames.AllocFrame)
	if err != nil {
		t.Fatal(err)
	}

	return pdt, ram, frames
}
