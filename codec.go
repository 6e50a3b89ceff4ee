// Package objcodec is a registry-driven binary serializer for object graphs.
//
// Struct types describe their members with `codec` field tags. Descriptors
// are built once per type and cached in a Registry. The encoder writes a
// self-describing stream of type markers and tagged member records, shared
// and cyclic pointers become back-references, and types stored behind an
// interface must be registered under a stable name. Decoders skip members
// they do not know and leave missing ones untouched, so both sides of a
// stream may evolve independently.
package objcodec

import (
	"bytes"
	"io"
	"reflect"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// BeforeEncoder is implemented by types that need to run code right before
// their members are written.
type BeforeEncoder interface {
	BeforeEncode() error
}

// AfterDecoder is implemented by types that need to run code once all their
// members have been decoded.
type AfterDecoder interface {
	AfterDecode() error
}

// Marshal encodes v, a struct or a pointer to a struct, and returns the bytes.
// Map entries are written in ascending key order; Go maps keep no insertion
// order to preserve.
func Marshal(v any, opts ...Option) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	w, err := NewWriter(buf)
	if err != nil {
		return nil, err
	}
	if err := encodeRoot(w, newOptions(opts), v); err != nil {
		return nil, err
	}
	if _, err := w.Result(); err != nil {
		return nil, errors.Wrap(err, "objcodec: write")
	}
	return bytes.Clone(buf.Bytes()), nil
}

// MarshalTo encodes v into dst without growing it. It returns the number of
// bytes written. If dst is too small the error wraps io.ErrShortWrite and
// names the size that would have fit.
func MarshalTo(dst []byte, v any, opts ...Option) (int, error) {
	bw := NewBytesWriter(dst)
	w, err := NewWriter(bw)
	if err != nil {
		return 0, err
	}
	err = encodeRoot(w, newOptions(opts), v)
	if errors.Is(err, io.ErrShortWrite) {
		if need, serr := Size(v, opts...); serr == nil {
			err = errors.Wrapf(err, "objcodec: need %d bytes, have %d", need, len(dst))
		}
	}
	return bw.Len(), err
}

// Size returns the length of v's encoding without keeping the bytes.
// Encode hooks run as they would for Marshal.
func Size(v any, opts ...Option) (int, error) {
	w, err := NewWriter(io.Discard)
	if err != nil {
		return 0, err
	}
	if err := encodeRoot(w, newOptions(opts), v); err != nil {
		return 0, err
	}
	n, err := w.Result()
	return int(n), err
}

// Unmarshal decodes the object at the start of data as a T. T is a struct,
// a pointer to a struct, or an interface implemented by registered types.
// Bytes after the object are ignored.
func Unmarshal[T any](data []byte, opts ...Option) (T, error) {
	var zero T
	v, err := UnmarshalType(data, reflect.TypeFor[T](), opts...)
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

// UnmarshalType is Unmarshal for a type known only at run time. A nil t
// accepts any registered type and returns a pointer to it, or the struct
// itself when it was encoded by value.
func UnmarshalType(data []byte, t reflect.Type, opts ...Option) (any, error) {
	o := newOptions(opts)
	br := NewBytesReader(data)
	r, err := NewReader(br)
	if err != nil {
		return nil, err
	}
	v, err := decodeRoot(r, o, t)
	if err != nil {
		return nil, err
	}
	logTrailing(o.Logger, br)
	return v, nil
}

// Populate decodes data into existing, a non-nil pointer to a struct.
// existing keeps its identity, members absent from data keep their current
// values, and nested pointers already held by existing are reused when the
// stream holds an object of their type.
func Populate(data []byte, existing any, opts ...Option) error {
	o := newOptions(opts)
	br := NewBytesReader(data)
	r, err := NewReader(br)
	if err != nil {
		return err
	}
	if err := populateRoot(r, o, existing); err != nil {
		return err
	}
	logTrailing(o.Logger, br)
	return nil
}

func logTrailing(l *zap.Logger, br *BytesReader) {
	if n := br.Remaining(); n > 0 {
		l.Debug("ignoring trailing data", zap.Int("bytes", n), zap.Int("offset", br.Offset()))
	}
}
