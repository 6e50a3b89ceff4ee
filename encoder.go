package objcodec

import (
	"cmp"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Encoder writes object graphs to a stream. Each Encode call is independent:
// it has its own reference table and type table. An Encoder is not safe for
// concurrent use, and after an error it refuses further calls because the
// stream holds a partial object.
type Encoder struct {
	w    *Writer
	opts *Options
	err  error
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer, opts ...Option) (*Encoder, error) {
	o := newOptions(opts)
	bw, err := NewWriterSize(w, o.BufferSize)
	if err != nil {
		return nil, err
	}
	return &Encoder{w: bw, opts: o}, nil
}

// Encode writes v, a struct or a pointer to a struct, and flushes.
func (e *Encoder) Encode(v any) error {
	if e.err != nil {
		return e.err
	}
	err := encodeRoot(e.w, e.opts, v)
	if err == nil {
		if _, werr := e.w.Result(); werr != nil {
			err = errors.Wrap(werr, "objcodec: write")
		}
	}
	e.err = err
	return err
}

// encoder is the per-call state.
type encoder struct {
	w     *Writer
	opts  *Options
	reg   *Registry
	refs  encodeRefs
	types map[reflect.Type]uint64
	depth uint
	path  []string
}

func encodeRoot(w *Writer, opts *Options, v any) error {
	e := &encoder{
		w:     w,
		opts:  opts,
		reg:   opts.Registry,
		types: make(map[reflect.Type]uint64),
	}
	if v == nil {
		e.w.WriteUint8(refNull)
		return e.w.Err()
	}

	rv := reflect.ValueOf(v)
	var err error
	switch {
	case rv.Kind() == reflect.Pointer && rv.Type().Elem().Kind() == reflect.Struct:
		err = e.writeRef(rv, false)
	case rv.Kind() == reflect.Struct:
		err = e.writeValueRef(rv, false)
	default:
		return e.fail("root must be a struct or a pointer to a struct, got %v", rv.Type())
	}
	if err != nil {
		return err
	}
	return e.w.Err()
}

func (e *encoder) fail(format string, args ...any) error {
	return errors.WithStack(&EncodeError{Path: e.pathString(), Reason: fmt.Sprintf(format, args...)})
}

func (e *encoder) failCause(cause error, format string, args ...any) error {
	return errors.WithStack(&EncodeError{Path: e.pathString(), Reason: fmt.Sprintf(format, args...), Cause: cause})
}

func (e *encoder) pathString() string { return strings.Join(e.path, "") }

func (e *encoder) push(seg string) { e.path = append(e.path, seg) }
func (e *encoder) pop()            { e.path = e.path[:len(e.path)-1] }

// describe resolves the descriptor of a concrete struct type. Values found
// behind an interface must be registered, otherwise no decoder could
// resolve their type marker.
func (e *encoder) describe(t reflect.Type, polymorphic bool) (*TypeDescriptor, error) {
	if polymorphic && !e.reg.Registered(t) {
		return nil, e.fail("polymorphic value of unregistered type %v", t)
	}
	return e.reg.Describe(t)
}

// writeRef writes an object-ref for ptr, a pointer to a struct.
func (e *encoder) writeRef(ptr reflect.Value, polymorphic bool) error {
	if ptr.IsNil() {
		e.w.WriteUint8(refNull)
		return nil
	}
	id, fresh := e.refs.assign(ptr)
	if !fresh {
		e.w.WriteUint8(refBack)
		e.w.WriteUvarint(id)
		return nil
	}
	desc, err := e.describe(ptr.Type().Elem(), polymorphic)
	if err != nil {
		return err
	}
	e.w.WriteUint8(refDef)
	e.w.WriteUvarint(id)
	e.writeTypeMarker(desc)
	return e.writeBody(desc, ptr)
}

// writeValueRef writes an object-ref for a struct held by value. It has no
// identity, so it is never shared.
func (e *encoder) writeValueRef(v reflect.Value, polymorphic bool) error {
	desc, err := e.describe(v.Type(), polymorphic)
	if err != nil {
		return err
	}
	e.w.WriteUint8(refValue)
	e.writeTypeMarker(desc)
	return e.writeBody(desc, addressable(v))
}

func (e *encoder) writeTypeMarker(desc *TypeDescriptor) {
	if idx, ok := e.types[desc.Type]; ok {
		e.w.WriteUvarint(idx)
		return
	}
	e.types[desc.Type] = uint64(len(e.types) + 1)
	e.w.WriteUvarint(0)
	e.w.WriteLenString(desc.Name)
}

func (e *encoder) writeKey(tag uint32, name string) {
	if e.opts.MemberNames {
		e.w.WriteLenString(name)
	} else {
		e.w.WriteUvarint(uint64(tag))
	}
}

func (e *encoder) writeTerminator() {
	if e.opts.MemberNames {
		e.w.WriteLenString("")
	} else {
		e.w.WriteUvarint(0)
	}
}

// writeBody writes the members of *ptr followed by the terminator.
func (e *encoder) writeBody(desc *TypeDescriptor, ptr reflect.Value) error {
	e.depth++
	defer func() { e.depth-- }()
	if err := checkLimit(e.depth, e.opts.Limits.depth(), "nesting"); err != nil {
		return e.failCause(err, "object graph too deep")
	}

	if desc.vt.before != nil {
		if err := desc.vt.before(ptr); err != nil {
			return e.failCause(err, "before-encode hook of %s failed", desc.Name)
		}
	}

	if desc.vt.encode != nil {
		data, err := desc.vt.encode(ptr)
		if err != nil {
			return e.failCause(err, "custom encoding of %s failed", desc.Name)
		}
		if err := checkLimit(uint(len(data)), e.opts.Limits.MaxStringLen, "bytes"); err != nil {
			return e.failCause(err, "custom payload of %s too large", desc.Name)
		}
		e.writeKey(CustomTag, customName)
		e.w.WriteUint8(uint8(WireBytes))
		e.w.WriteLenBytes(data)
		e.writeTerminator()
		return nil
	}

	obj := ptr.Elem()
	for _, m := range desc.Members {
		fv := m.Get(obj)
		if (m.OmitEmpty || e.opts.OmitDefaults) && fv.IsZero() {
			continue
		}
		e.writeKey(m.Tag, m.Name)
		e.w.WriteUint8(uint8(m.Wire))
		e.push("." + m.Name)
		err := e.writeValue(fv, m.Wire)
		e.pop()
		if err != nil {
			return err
		}
	}
	e.writeTerminator()
	return nil
}

// writeValue writes the payload of v, whose wire type is already known.
func (e *encoder) writeValue(v reflect.Value, wire WireType) error {
	switch wire {
	case WireBool:
		e.w.WriteBool(v.Bool())
	case WireInt8:
		e.w.WriteInt8(int8(v.Int()))
	case WireInt16:
		e.w.WriteInt16(int16(v.Int()))
	case WireInt32:
		e.w.WriteInt32(int32(v.Int()))
	case WireInt64:
		e.w.WriteInt64(v.Int())
	case WireUint8:
		e.w.WriteUint8(uint8(v.Uint()))
	case WireUint16:
		e.w.WriteUint16(uint16(v.Uint()))
	case WireUint32:
		e.w.WriteUint32(uint32(v.Uint()))
	case WireUint64:
		e.w.WriteUint64(v.Uint())
	case WireFloat32:
		e.w.WriteFloat32(float32(v.Float()))
	case WireFloat64:
		e.w.WriteFloat64(v.Float())

	case WireString:
		s := v.String()
		if err := checkLimit(uint(len(s)), e.opts.Limits.MaxStringLen, "string"); err != nil {
			return e.failCause(err, "string too long")
		}
		e.w.WriteLenString(s)

	case WireBytes:
		b := v.Bytes()
		if err := checkLimit(uint(len(b)), e.opts.Limits.MaxStringLen, "bytes"); err != nil {
			return e.failCause(err, "byte slice too long")
		}
		e.w.WriteLenBytes(b)

	case WireStruct:
		desc, err := e.describe(v.Type(), false)
		if err != nil {
			return err
		}
		e.writeTypeMarker(desc)
		return e.writeBody(desc, addressable(v))

	case WireRef:
		return e.writeRefValue(v)

	case WireSeq:
		return e.writeSeq(v)

	case WireMap:
		return e.writeMap(v)

	case WireOpt:
		ew, err := wireOf(v.Type().Elem())
		if err != nil {
			return e.failCause(err, "unsupported optional")
		}
		e.w.WriteUint8(uint8(ew))
		if v.IsNil() {
			e.w.WriteUint8(0)
			return nil
		}
		e.w.WriteUint8(1)
		return e.writeValue(v.Elem(), ew)

	default:
		return e.fail("invalid wire type %v", wire)
	}
	return nil
}

// writeRefValue handles members declared as a pointer to a struct or as an
// interface.
func (e *encoder) writeRefValue(v reflect.Value) error {
	if v.Kind() == reflect.Pointer {
		return e.writeRef(v, false)
	}
	if v.IsNil() {
		e.w.WriteUint8(refNull)
		return nil
	}
	inner := v.Elem()
	switch {
	case inner.Kind() == reflect.Pointer && inner.Type().Elem().Kind() == reflect.Struct:
		return e.writeRef(inner, true)
	case inner.Kind() == reflect.Struct:
		return e.writeValueRef(inner, true)
	}
	return e.fail("polymorphic member holds %v; only structs and pointers to structs are supported", inner.Type())
}

func (e *encoder) writeSeq(v reflect.Value) error {
	ew, err := wireOf(v.Type().Elem())
	if err != nil {
		return e.failCause(err, "unsupported sequence")
	}
	n := v.Len()
	if err := checkLimit(uint(n), e.opts.Limits.MaxSequenceLen, "sequence"); err != nil {
		return e.failCause(err, "sequence too long")
	}
	e.w.WriteUint8(uint8(ew))
	e.w.WriteUvarint(uint64(n))
	for i := 0; i < n; i++ {
		e.push("[" + strconv.Itoa(i) + "]")
		err := e.writeValue(v.Index(i), ew)
		e.pop()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) writeMap(v reflect.Value) error {
	t := v.Type()
	kw, err := wireOf(t.Key())
	if err != nil {
		return e.failCause(err, "unsupported mapping key")
	}
	vw, err := wireOf(t.Elem())
	if err != nil {
		return e.failCause(err, "unsupported mapping value")
	}
	n := v.Len()
	if err := checkLimit(uint(n), e.opts.Limits.MaxSequenceLen, "mapping"); err != nil {
		return e.failCause(err, "mapping too large")
	}
	e.w.WriteUint8(uint8(kw))
	e.w.WriteUint8(uint8(vw))
	e.w.WriteUvarint(uint64(n))

	for _, en := range mapEntries(v) {
		if err := e.writeValue(en.key, kw); err != nil {
			return err
		}
		e.push("[" + keyString(en.key) + "]")
		err := e.writeValue(en.val, vw)
		e.pop()
		if err != nil {
			return err
		}
	}
	return nil
}

type mapEntry struct {
	key, val reflect.Value
}

// mapEntries collects the entries of a map sorted by key, so equal maps
// encode to equal bytes. Entries come from the iterator rather than
// MapIndex, which cannot find NaN keys.
func mapEntries(v reflect.Value) []mapEntry {
	entries := make([]mapEntry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries = append(entries, mapEntry{key: iter.Key(), val: iter.Value()})
	}
	if len(entries) < 2 {
		return entries
	}
	var compare func(a, b reflect.Value) int
	switch entries[0].key.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		compare = func(a, b reflect.Value) int { return cmp.Compare(a.Int(), b.Int()) }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		compare = func(a, b reflect.Value) int { return cmp.Compare(a.Uint(), b.Uint()) }
	case reflect.Float32, reflect.Float64:
		compare = func(a, b reflect.Value) int { return cmp.Compare(a.Float(), b.Float()) }
	case reflect.String:
		compare = func(a, b reflect.Value) int { return cmp.Compare(a.String(), b.String()) }
	case reflect.Bool:
		compare = func(a, b reflect.Value) int { return cmp.Compare(boolInt(a.Bool()), boolInt(b.Bool())) }
	default:
		return entries
	}
	slices.SortStableFunc(entries, func(a, b mapEntry) int { return compare(a.key, b.key) })
	return entries
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return strconv.Quote(k.String())
	}
	return fmt.Sprintf("%v", k.Interface())
}

// addressable returns a pointer to v, copying v if it is not addressable.
// Hooks and custom encoders are called through pointers.
func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v.Addr()
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p
}
