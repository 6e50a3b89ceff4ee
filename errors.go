package objcodec

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNilIO is returned when a Reader or Writer is built over a nil stream.
	ErrNilIO = errors.New("objcodec: nil io.Reader or io.Writer")

	// ErrSizeTooSmall is returned by NewReaderSize for buffers under 16 bytes,
	// the bufio minimum.
	ErrSizeTooSmall = errors.New("objcodec: reader buffer size below 16 bytes")

	// ErrAlreadyBuffered is returned when a stream is already wrapped in a
	// smaller bufio buffer. Wrapping it twice would read ahead unpredictably.
	ErrAlreadyBuffered = errors.New("objcodec: reader or writer is already buffered")

	// ErrInvalidWrite is returned when an io.Writer reports a negative count.
	ErrInvalidWrite = errors.New("objcodec: writer returned invalid count from Write")

	// ErrDiscardNegative is returned by Skip for a negative byte count.
	ErrDiscardNegative = errors.New("objcodec: cannot discard negative number of bytes")

	// ErrTruncatedData is the cause of a CorruptDataError for input that ends
	// before the object does.
	ErrTruncatedData = errors.New("objcodec: truncated data")

	// ErrVarintOverflow indicates a uvarint longer than 10 bytes.
	ErrVarintOverflow = errors.New("objcodec: varint overflows a 64-bit integer")

	// ErrLimitExceeded indicates a length, count or depth above the configured Limits.
	ErrLimitExceeded = errors.New("objcodec: limit exceeded")
)

// Sentinels for the four failure classes. Every typed error below matches
// exactly one of them under errors.Is.
var (
	ErrSchema      = errors.New("objcodec: schema error")
	ErrEncode      = errors.New("objcodec: encode error")
	ErrUnknownType = errors.New("objcodec: unknown type")
	ErrCorruptData = errors.New("objcodec: corrupt data")
)

// SchemaError is returned when a type cannot be described, e.g. two members
// share a tag or a member's Go type has no wire representation.
type SchemaError struct {
	Type   reflect.Type
	Member string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("objcodec: schema error: %v.%s: %s", e.Type, e.Member, e.Reason)
	}
	return fmt.Sprintf("objcodec: schema error: %v: %s", e.Type, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// EncodeError is returned when a value in the graph cannot be written.
// It aborts the whole Encode call.
type EncodeError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *EncodeError) Error() string {
	msg := "objcodec: encode error"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EncodeError) Is(target error) bool { return target == ErrEncode }
func (e *EncodeError) Unwrap() error        { return e.Cause }

// UnknownTypeError is returned when a type marker names a type that was
// never registered.
type UnknownTypeError struct {
	Name     string
	Offset   int64
	position bool
}

func (e *UnknownTypeError) Error() string {
	if !e.position {
		return fmt.Sprintf("objcodec: unknown type %q", e.Name)
	}
	return fmt.Sprintf("objcodec: unknown type %q at offset %d", e.Name, e.Offset)
}

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

// CorruptDataError is returned for truncated or malformed input.
// Offset is the stream cursor position at which the problem was detected.
type CorruptDataError struct {
	Offset   int64
	State    State
	Reason   string
	Cause    error
	position bool
}

func (e *CorruptDataError) Error() string {
	msg := "objcodec: corrupt data"
	if e.position {
		msg += fmt.Sprintf(" at offset %d (%s)", e.Offset, e.State)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptDataError) Is(target error) bool { return target == ErrCorruptData }
func (e *CorruptDataError) Unwrap() error        { return e.Cause }

func schemaErrorf(t reflect.Type, member, format string, args ...any) error {
	return errors.WithStack(&SchemaError{Type: t, Member: member, Reason: fmt.Sprintf(format, args...)})
}
