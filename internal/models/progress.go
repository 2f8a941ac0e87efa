package models

import "io"

// ProgressWriter counts bytes written through it and reports the running
// total to a ProgressFunc. A nil fn disables reporting.
type ProgressWriter struct {
	fn    ProgressFunc
	total int64
}

// NewProgressWriter creates a ProgressWriter reporting to fn.
func NewProgressWriter(fn ProgressFunc) *ProgressWriter {
	return &ProgressWriter{fn: fn}
}

func (w *ProgressWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	if w.fn != nil {
		w.fn(w.total)
	}
	return len(p), nil
}

// Total returns the byte count written so far.
func (w *ProgressWriter) Total() int64 { return w.total }

// ProgressReader is the reader-side counterpart of ProgressWriter, for
// backends that stream uploads from an io.Reader.
type ProgressReader struct {
	r     io.Reader
	fn    ProgressFunc
	total int64
}

// NewProgressReader wraps r, reporting cumulative read counts to fn.
func NewProgressReader(r io.Reader, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, fn: fn}
}

func (r *ProgressReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.total += int64(n)
		if r.fn != nil {
			r.fn(r.total)
		}
	}
	return n, err
}
