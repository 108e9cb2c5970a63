package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that tags every line sent to Sink with Prefix.
// If Sink is nil, output goes to the current kfmt output sink.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the last written line has no line feed yet.
	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that tags each line written to w
// with prefix (e.g. "[pmm] ").
func NewPrefixWriter(w io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: w, Prefix: []byte(prefix)}
}

// Write sends p to the sink line by line. The prefix is emitted lazily, right
// before the first byte of each line, and is not included in the returned
// byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	sink := w.Sink
	if sink == nil {
		sink = GetOutputSink()
	}

	var written int
	for len(p) != 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := bytes.IndexByte(p, '\n') + 1
		if lineLen == 0 {
			lineLen = len(p)
		}

		n, err := sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.midLine = false
		}
		p = p[lineLen:]
	}

	return written, nil
}
