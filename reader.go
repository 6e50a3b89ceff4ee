package objcodec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

type reader interface {
	io.Reader
	io.Closer
}

type ReaderPro interface {
	reader
	io.ByteReader
	Size() int
}

// Reader provides a buffered reader that simplifies reading binary data.
// It wraps bufio.Reader and tracks the first error. Subsequent reads become no-ops.
//
// Count is the stream cursor: the number of bytes consumed so far. Decode
// errors report it as their offset.
type Reader struct {
	r     ReaderPro
	count int64 // total bytes read
	err   error // first error encountered.
}

var _ ReaderPro = (*Reader)(nil)

// NewReaderSize creates a new Reader with a specified buffer size.
//
// Readers that are already buffered or in-memory are used directly, so a
// decode from a *bytes.Reader or *BytesReader never consumes bytes past the
// end of the object. Plain streams are wrapped in a bufio.Reader, which may
// read ahead of the cursor.
func NewReaderSize(r io.Reader, size int) (*Reader, error) {
	if r == nil {
		return nil, ErrNilIO
	}

	switch reader := r.(type) {
	// Reuse the underlying buffer if it's already a compatible Reader.
	case *Reader:
		if reader.r.Size() >= size {
			return &Reader{r: reader.r}, nil
		}

	// prevent unpredictable double-buffering.
	case *bufio.Reader:
		if reader.Size() >= size {
			return &Reader{r: bufioReader{reader}}, nil
		}
		return nil, ErrAlreadyBuffered

	// underlying is a buf so we don't need buffering
	case *BytesReader:
		return &Reader{r: reader}, nil
	case *bytes.Reader:
		return &Reader{r: sliceReader{reader}}, nil
	case *bytes.Buffer:
		return &Reader{r: bufferReader{reader}}, nil
	}

	if size < 16 {
		return nil, ErrSizeTooSmall
	}

	// default use bufio
	return &Reader{r: bufioReader{bufio.NewReaderSize(r, size)}}, nil
}

// NewReader creates a new Reader with a default buffer size.
func NewReader(r io.Reader) (*Reader, error) {
	return NewReaderSize(r, 4096)
}

// Close closes the underlying reader if it implements io.Closer.
func (r *Reader) Close() error {
	return r.r.Close()
}

// Read implements the io.Reader interface.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.r.Read(p)
	r.count += int64(n)
	r.setError(err)
	return n, r.err
}

func (r *Reader) Size() int    { return r.r.Size() }
func (r *Reader) Count() int64 { return r.count }
func (r *Reader) Err() error   { return r.err }
func (r *Reader) IsEOF() bool  { return r.err == io.EOF }

// setError records the first non-nil error.
func (r *Reader) setError(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// Result returns the total bytes read and the final error state.
func (r *Reader) Result() (int64, error) {
	return r.count, r.err
}

// readChunk bounds the allocation made for a length prefix before the
// bytes behind it have arrived.
const readChunk = 64 * 1024

// readFull reads exactly n bytes. Lengths above readChunk are read into a
// buffer that grows as data arrives.
func (r *Reader) readFull(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n <= readChunk {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			// A partial read is different from a clean end-of-stream.
			r.err = io.ErrUnexpectedEOF
			return nil
		}
		return buf
	}
	var buf bytes.Buffer
	buf.Grow(readChunk)
	if m, err := io.CopyN(&buf, r, int64(n)); m < int64(n) || err != nil {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	return buf.Bytes()
}

// ReadBytes reads n bytes and returns a new byte slice.
func (r *Reader) ReadBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	return r.readFull(n)
}

// Skip discards n bytes.
func (r *Reader) Skip(n int64) {
	if r.err != nil {
		return
	}
	if n < 0 {
		r.err = ErrDiscardNegative
		return
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		r.err = io.ErrUnexpectedEOF
	}
}

// ReadUvarint reads an unsigned LEB128 varint.
func (r *Reader) ReadUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r)
	if err != nil {
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			r.err = io.ErrUnexpectedEOF
		case errors.Is(err, io.EOF):
			// ReadByte already latched the EOF.
		default:
			r.err = ErrVarintOverflow
		}
		return 0
	}
	return v
}

// ReadLenBytes reads a uvarint length followed by that many bytes.
// A non-zero limit caps the accepted length.
func (r *Reader) ReadLenBytes(limit uint) []byte {
	n := r.ReadUvarint()
	if r.err != nil {
		return nil
	}
	if err := checkLimit(uint(n), limit, "bytes"); err != nil {
		r.err = err
		return nil
	}
	if n > math.MaxInt32 {
		r.err = errors.Wrapf(ErrLimitExceeded, "bytes length %d out of range", n)
		return nil
	}
	if n == 0 {
		return []byte{}
	}
	return r.readFull(int(n))
}

// ReadLenString is ReadLenBytes returning a string.
func (r *Reader) ReadLenString(limit uint) string {
	return string(r.ReadLenBytes(limit))
}

// --- Primitive Read Operations ---

func (r *Reader) ReadBool(dest *bool) {
	var b uint8
	r.ReadUint8(&b)
	if r.err == nil {
		*dest = b != 0
	}
}

func (r *Reader) ReadByte() (byte, error) {
	if r.err != nil {
		return 0, r.err
	}
	b, err := r.r.ReadByte()
	if err == nil {
		r.count++
	} else {
		r.err = err
	}
	return b, err
}

func (r *Reader) ReadUint8(dest *uint8) {
	b, err := r.ReadByte()
	if err == nil {
		*dest = b
	}
}

func (r *Reader) ReadUint16(dest *uint16) {
	buf := r.readFull(2)
	if r.err == nil {
		*dest = Order.Uint16(buf)
	}
}

func (r *Reader) ReadUint32(dest *uint32) {
	buf := r.readFull(4)
	if r.err == nil {
		*dest = Order.Uint32(buf)
	}
}

func (r *Reader) ReadUint64(dest *uint64) {
	buf := r.readFull(8)
	if r.err == nil {
		*dest = Order.Uint64(buf)
	}
}

func (r *Reader) ReadInt8(dest *int8) {
	var v uint8
	r.ReadUint8(&v)
	if r.err == nil {
		*dest = int8(v)
	}
}

func (r *Reader) ReadInt16(dest *int16) {
	var v uint16
	r.ReadUint16(&v)
	if r.err == nil {
		*dest = int16(v)
	}
}

func (r *Reader) ReadInt32(dest *int32) {
	var v uint32
	r.ReadUint32(&v)
	if r.err == nil {
		*dest = int32(v)
	}
}

func (r *Reader) ReadInt64(dest *int64) {
	var v uint64
	r.ReadUint64(&v)
	if r.err == nil {
		*dest = int64(v)
	}
}

func (r *Reader) ReadFloat32(dest *float32) {
	var v uint32
	r.ReadUint32(&v)
	if r.err == nil {
		*dest = math.Float32frombits(v)
	}
}

func (r *Reader) ReadFloat64(dest *float64) {
	var v uint64
	r.ReadUint64(&v)
	if r.err == nil {
		*dest = math.Float64frombits(v)
	}
}
