package objcodec

import (
	"bufio"
	"bytes"
	"io"
)

// BytesWriter writes into a caller-owned slice and never grows it. Writes
// that do not fit are truncated and fail with io.ErrShortWrite.
type BytesWriter struct {
	buf []byte
	n   int
}

var _ WriterPro = (*BytesWriter)(nil)

func NewBytesWriter(p []byte) *BytesWriter {
	return &BytesWriter{buf: p[:cap(p)]}
}

func (w *BytesWriter) put(n, total int) error {
	w.n += n
	if n < total {
		return io.ErrShortWrite
	}
	return nil
}

func (w *BytesWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.n:], p)
	return n, w.put(n, len(p))
}

func (w *BytesWriter) WriteString(s string) (int, error) {
	n := copy(w.buf[w.n:], s)
	return n, w.put(n, len(s))
}

func (w *BytesWriter) WriteByte(c byte) error {
	if w.n >= len(w.buf) {
		return w.put(0, 1)
	}
	w.buf[w.n] = c
	return w.put(1, 1)
}

func (w *BytesWriter) Close() error { return nil }
func (w *BytesWriter) Flush() error { return nil }
func (w *BytesWriter) Size() int    { return len(w.buf) }

// Len is the number of bytes written into the slice.
func (w *BytesWriter) Len() int { return w.n }

func (w *BytesWriter) Bytes() []byte { return w.buf[:w.n] }

func (w *BytesWriter) Reset() { w.n = 0 }

// BytesReader reads an in-memory encoded stream. Its offset is the position
// of the next unread byte, so after a decode it marks where trailing data
// begins.
type BytesReader struct {
	buf []byte
	off int
}

var _ ReaderPro = (*BytesReader)(nil)

func NewBytesReader(b []byte) *BytesReader {
	return &BytesReader{buf: b}
}

func (r *BytesReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *BytesReader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *BytesReader) Close() error { return nil }
func (r *BytesReader) Size() int    { return len(r.buf) }

// Offset is the number of bytes consumed.
func (r *BytesReader) Offset() int { return r.off }

// Remaining is the number of unread bytes.
func (r *BytesReader) Remaining() int { return max(len(r.buf)-r.off, 0) }

// Adapters that give standard buffered types the WriterPro and ReaderPro
// method sets.
type (
	bufioWriter  struct{ *bufio.Writer }
	bufioReader  struct{ *bufio.Reader }
	bufferWriter struct{ *bytes.Buffer }
	bufferReader struct{ *bytes.Buffer }
	sliceReader  struct{ *bytes.Reader }
)

func (bufioWriter) Close() error  { return nil }
func (bufioReader) Close() error  { return nil }
func (bufferWriter) Close() error { return nil }
func (bufferWriter) Flush() error { return nil }
func (bufferReader) Close() error { return nil }
func (sliceReader) Close() error  { return nil }

func (w bufferWriter) Size() int { return w.Available() }
func (r bufferReader) Size() int { return r.Len() }
func (r sliceReader) Size() int  { return int(r.Reader.Size()) }
