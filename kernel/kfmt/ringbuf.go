package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize bytes of Printf output
// written before an output sink is configured. When full, the oldest bytes
// are overwritten and counted in dropped.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest buffered byte; count is the
	// number of buffered bytes.
	start, count int

	dropped int
}

// Write appends p to the buffer, overwriting the oldest data if needed.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			rb.dropped++
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// contiguous returns the buffered bytes that can be read without wrapping.
func (rb *ringBuffer) contiguous() []byte {
	end := rb.start + rb.count
	if end > ringBufferSize {
		end = ringBufferSize
	}
	return rb.buffer[rb.start:end]
}

func (rb *ringBuffer) consume(n int) {
	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.count -= n
}

// Read moves up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := copy(p, rb.contiguous())
	rb.consume(n)
	return n, nil
}

// WriteTo drains the buffer into w.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.count != 0 {
		n, err := w.Write(rb.contiguous())
		rb.consume(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}
