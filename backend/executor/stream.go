package executor

import (
	"bytes"
	"strings"
)

// maxLineBytes caps a single emitted line; longer output is split
const maxLineBytes = 16 * 1024

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.truncated = true
		kept := make([]byte, t.max)
		copy(kept, t.buf[over:])
		t.buf = kept
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "...(truncated)\n" + string(t.buf)
	}
	return string(t.buf)
}

// lineWriter splits a byte stream into lines and hands each to emit
type lineWriter struct {
	emit    func(line string)
	pending []byte
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.pending[:i]), "\r"))
		w.pending = w.pending[i+1:]
	}
	for len(w.pending) > maxLineBytes {
		w.emit(string(w.pending[:maxLineBytes]))
		w.pending = w.pending[maxLineBytes:]
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.emit(strings.TrimRight(string(w.pending), "\r"))
		w.pending = nil
	}
}
