package objcodec

import (
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// State is the position of the decoder within the object it is reading.
type State uint8

const (
	StateTypeMarker State = iota
	StateMembers
	StateAfterHook
	StateDone
)

func (s State) String() string {
	switch s {
	case StateTypeMarker:
		return "type-marker"
	case StateMembers:
		return "members"
	case StateAfterHook:
		return "after-hook"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Decoder reads object graphs from a stream. Each Decode call has its own
// reference table and type table, matching one Encoder.Encode call.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r    *Reader
	opts *Options
}

// NewDecoder returns a Decoder reading from r. Unbuffered streams are wrapped
// in a bufio.Reader, which may read past the end of the last object.
func NewDecoder(r io.Reader, opts ...Option) (*Decoder, error) {
	o := newOptions(opts)
	br, err := NewReaderSize(r, o.BufferSize)
	if err != nil {
		return nil, err
	}
	return &Decoder{r: br, opts: o}, nil
}

// Decode reads the next object. expected is a struct type, a pointer to a
// struct, or an interface type; nil means any registered type. It returns
// io.EOF when the stream ends cleanly before the object.
func (dec *Decoder) Decode(expected reflect.Type) (any, error) {
	start := dec.r.Count()
	v, err := decodeRoot(dec.r, dec.opts, expected)
	if err != nil && dec.atEOF(start) {
		return nil, io.EOF
	}
	return v, err
}

// DecodeInto reads the next object into existing, a non-nil pointer to a
// struct, keeping its identity.
func (dec *Decoder) DecodeInto(existing any) error {
	start := dec.r.Count()
	err := populateRoot(dec.r, dec.opts, existing)
	if err != nil && dec.atEOF(start) {
		return io.EOF
	}
	return err
}

func (dec *Decoder) atEOF(start int64) bool {
	return dec.r.Count() == start && dec.r.IsEOF()
}

// DecodeAs is Decode with T as the expected type.
func DecodeAs[T any](dec *Decoder) (T, error) {
	var zero T
	v, err := dec.Decode(reflect.TypeFor[T]())
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

// decoder is the per-call state.
type decoder struct {
	r     *Reader
	opts  *Options
	reg   *Registry
	log   *zap.Logger
	refs  decodeRefs
	types []string
	depth uint
	state State

	// claimed holds the existing pointers already reused in populate mode,
	// so two stream objects never land in the same instance.
	claimed map[refKey]struct{}

	// visit is set by Walk. When nil, walking only skips.
	visit Visitor
}

func newDecoder(r *Reader, opts *Options) *decoder {
	return &decoder{r: r, opts: opts, reg: opts.Registry, log: opts.Logger}
}

func decodeRoot(r *Reader, opts *Options, expected reflect.Type) (any, error) {
	if expected == nil {
		expected = anyType
	}
	switch {
	case expected.Kind() == reflect.Struct,
		expected.Kind() == reflect.Interface,
		expected.Kind() == reflect.Pointer && expected.Elem().Kind() == reflect.Struct:
	default:
		return nil, schemaErrorf(expected, "", "decode target must be a struct, a pointer to a struct or an interface")
	}
	holder := reflect.New(expected).Elem()
	d := newDecoder(r, opts)
	if err := d.readRef(holder); err != nil {
		return nil, err
	}
	d.state = StateDone
	return holder.Interface(), nil
}

func populateRoot(r *Reader, opts *Options, existing any) error {
	rv := reflect.ValueOf(existing)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.Newf("objcodec: populate target must be a non-nil pointer to a struct, got %T", existing)
	}
	holder := reflect.New(rv.Type()).Elem()
	holder.Set(rv)
	d := newDecoder(r, opts)
	if err := d.readRef(holder); err != nil {
		return err
	}
	d.state = StateDone
	return nil
}

func (d *decoder) corrupt(format string, args ...any) error {
	return d.corruptCause(nil, format, args...)
}

func (d *decoder) corruptCause(cause error, format string, args ...any) error {
	return errors.WithStack(&CorruptDataError{
		Offset:   d.r.Count(),
		State:    d.state,
		Reason:   fmt.Sprintf(format, args...),
		Cause:    cause,
		position: d.opts.ErrorPosition,
	})
}

func (d *decoder) unknown(name string) error {
	return errors.WithStack(&UnknownTypeError{Name: name, Offset: d.r.Count(), position: d.opts.ErrorPosition})
}

// ioErr converts the reader's latched error, if any.
func (d *decoder) ioErr() error {
	err := d.r.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return d.corruptCause(ErrTruncatedData, "truncated input")
	case errors.Is(err, ErrVarintOverflow):
		return d.corruptCause(err, "malformed varint")
	case errors.Is(err, ErrLimitExceeded):
		return d.corruptCause(err, "limit exceeded")
	case errors.Is(err, ErrDiscardNegative):
		return d.corruptCause(err, "length out of range")
	}
	return errors.Wrap(err, "objcodec: read")
}

func (d *decoder) refErr(err error) error {
	if re, ok := err.(*refError); ok && re.typeName != "" {
		return d.unknown(re.typeName)
	}
	return d.corrupt("%v", err)
}

func (d *decoder) readByte() (byte, error) {
	var b uint8
	d.r.ReadUint8(&b)
	return b, d.ioErr()
}

func (d *decoder) readUvarint() (uint64, error) {
	v := d.r.ReadUvarint()
	return v, d.ioErr()
}

func (d *decoder) readWire() (WireType, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	w := WireType(b)
	if !w.Valid() {
		return 0, d.corrupt("invalid wire type %d", b)
	}
	return w, nil
}

// readCount reads an element count. The result always fits an int.
func (d *decoder) readCount() (uint64, error) {
	n, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if err := checkLimit(n, uint64(d.opts.Limits.MaxSequenceLen), "sequence"); err != nil {
		return 0, d.corruptCause(err, "sequence too long")
	}
	if n > math.MaxInt32 {
		return 0, d.corrupt("sequence count %d out of range", n)
	}
	return n, nil
}

// enter descends one nesting level. Every successful enter is paired with
// a leave.
func (d *decoder) enter() error {
	if err := checkLimit(d.depth+1, d.opts.Limits.depth(), "nesting"); err != nil {
		return d.corruptCause(err, "nesting too deep")
	}
	d.depth++
	return nil
}

func (d *decoder) leave() { d.depth-- }

// readKey reads a member key. end reports the terminator.
func (d *decoder) readKey() (tag uint64, name string, end bool, err error) {
	if d.opts.MemberNames {
		name = d.r.ReadLenString(d.opts.Limits.MaxStringLen)
		end = name == ""
	} else {
		tag = d.r.ReadUvarint()
		end = tag == 0
	}
	return tag, name, end, d.ioErr()
}

// readTypeName reads a type marker and returns the name it stands for,
// extending the per-call type table on first use.
func (d *decoder) readTypeName() (string, error) {
	d.state = StateTypeMarker
	idx, err := d.readUvarint()
	if err != nil {
		return "", err
	}
	if idx == 0 {
		name := d.r.ReadLenString(d.opts.Limits.MaxStringLen)
		if err := d.ioErr(); err != nil {
			return "", err
		}
		if name == "" {
			return "", d.corrupt("empty type name")
		}
		d.types = append(d.types, name)
		return name, nil
	}
	if idx > uint64(len(d.types)) {
		return "", d.corrupt("type index %d is not defined", idx)
	}
	return d.types[idx-1], nil
}

// resolve maps a marker name onto the descriptor to decode into. static is
// the declared type of the destination: a struct, a pointer to one, or an
// interface, in which case the name must be registered.
func (d *decoder) resolve(name string, static reflect.Type) (*TypeDescriptor, error) {
	if static.Kind() == reflect.Interface {
		t, ok := d.reg.Lookup(name)
		if !ok {
			return nil, d.unknown(name)
		}
		if !t.AssignableTo(static) && !reflect.PointerTo(t).AssignableTo(static) {
			return nil, d.corrupt("type %q does not implement %v", name, static)
		}
		return d.reg.Describe(t)
	}

	desc, err := d.reg.Describe(indirect(static))
	if err != nil {
		return nil, err
	}
	if desc.Name != name {
		if _, ok := d.reg.Lookup(name); !ok {
			return nil, d.unknown(name)
		}
		return nil, d.corrupt("type %q found where %s is declared", name, desc.Name)
	}
	return desc, nil
}

// readRef reads an object-ref into target, a settable struct, pointer to
// struct, or interface value.
func (d *decoder) readRef(target reflect.Value) error {
	d.state = StateTypeMarker
	marker, err := d.readByte()
	if err != nil {
		return err
	}

	switch marker {
	case refNull:
		target.SetZero()
		return nil
	case refBack:
		id, err := d.readUvarint()
		if err != nil {
			return err
		}
		ptr, err := d.refs.resolve(id)
		if err != nil {
			return d.refErr(err)
		}
		return d.assign(target, ptr, false)
	case refDef, refValue:
	default:
		return d.corrupt("invalid reference marker 0x%02x", marker)
	}

	var id uint64
	if marker == refDef {
		if id, err = d.readUvarint(); err != nil {
			return err
		}
	}
	name, err := d.readTypeName()
	if err != nil {
		return err
	}
	desc, err := d.resolve(name, target.Type())
	if err != nil {
		return err
	}

	ptr := d.reuse(target, desc.Type)
	if !ptr.IsValid() {
		ptr = desc.New()
	}
	if marker == refDef {
		if err := d.refs.define(id, ptr); err != nil {
			return d.refErr(err)
		}
	}
	if err := d.readBody(desc, ptr); err != nil {
		return err
	}
	return d.assign(target, ptr, marker == refValue)
}

// reuse returns the instance already held by target if it can receive an
// object of type t, or the zero Value.
func (d *decoder) reuse(target reflect.Value, t reflect.Type) reflect.Value {
	if target.Kind() == reflect.Struct {
		if target.CanAddr() && target.Type() == t {
			return target.Addr()
		}
		return reflect.Value{}
	}
	cur := target
	if cur.Kind() == reflect.Interface {
		cur = cur.Elem()
	}
	if !cur.IsValid() || cur.Kind() != reflect.Pointer || cur.IsNil() || cur.Type().Elem() != t {
		return reflect.Value{}
	}
	k := refKey{t: cur.Type(), p: cur.UnsafePointer()}
	if _, taken := d.claimed[k]; taken {
		return reflect.Value{}
	}
	if d.claimed == nil {
		d.claimed = make(map[refKey]struct{})
	}
	d.claimed[k] = struct{}{}
	return cur
}

// assign stores ptr, a pointer to a decoded struct, into target. byValue
// prefers storing the struct itself in interface targets.
func (d *decoder) assign(target, ptr reflect.Value, byValue bool) error {
	tt := target.Type()
	switch target.Kind() {
	case reflect.Pointer:
		if ptr.Type().AssignableTo(tt) {
			target.Set(ptr)
			return nil
		}
	case reflect.Struct:
		if ptr.Type().Elem() == tt {
			target.Set(ptr.Elem())
			return nil
		}
	case reflect.Interface:
		v, alt := ptr, ptr.Elem()
		if byValue {
			v, alt = alt, v
		}
		if v.Type().AssignableTo(tt) {
			target.Set(v)
			return nil
		}
		if alt.Type().AssignableTo(tt) {
			target.Set(alt)
			return nil
		}
	}
	return d.corrupt("object of type %v cannot be stored in %v", ptr.Type().Elem(), tt)
}

// readBody decodes members into *ptr until the terminator, then runs the
// after-decode hook.
func (d *decoder) readBody(desc *TypeDescriptor, ptr reflect.Value) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	obj := ptr.Elem()
	for {
		d.state = StateMembers
		tag, name, end, err := d.readKey()
		if err != nil {
			return err
		}
		if end {
			break
		}
		wire, err := d.readWire()
		if err != nil {
			return err
		}

		var (
			m      *MemberDescriptor
			ok     bool
			custom bool
		)
		if d.opts.MemberNames {
			m, ok = desc.MemberByName(name)
			custom = name == customName
		} else {
			if tag <= math.MaxUint32 {
				m, ok = desc.Member(uint32(tag))
			}
			custom = tag == CustomTag
		}

		switch {
		case custom && desc.vt.decode != nil:
			if wire != WireBytes {
				return d.corrupt("custom payload of %s has wire type %v", desc.Name, wire)
			}
			data := d.r.ReadLenBytes(d.opts.Limits.MaxStringLen)
			if err := d.ioErr(); err != nil {
				return err
			}
			if err := desc.vt.decode(ptr, data); err != nil {
				return d.corruptCause(err, "custom decoding of %s failed", desc.Name)
			}
		case ok:
			if m.Wire != wire {
				return d.corrupt("member %s.%s has wire type %v, declared %v", desc.Name, m.Name, wire, m.Wire)
			}
			if err := d.readValue(m.Get(obj), wire); err != nil {
				return err
			}
		default:
			if ce := d.log.Check(zap.DebugLevel, "skipping unknown member"); ce != nil {
				ce.Write(
					zap.String("type", desc.Name),
					zap.Uint64("tag", tag),
					zap.String("name", name),
					zap.Stringer("wire", wire),
					zap.Int64("offset", d.r.Count()))
			}
			if err := d.walkValue(wire); err != nil {
				return err
			}
		}
	}

	d.state = StateAfterHook
	if desc.vt.after != nil {
		if err := desc.vt.after(ptr); err != nil {
			return d.corruptCause(err, "after-decode hook of %s failed", desc.Name)
		}
	}
	d.state = StateDone
	return nil
}

// readValue decodes a payload of the given wire type into v, which must be
// settable and addressable.
func (d *decoder) readValue(v reflect.Value, wire WireType) error {
	switch wire {
	case WireBool:
		var x bool
		d.r.ReadBool(&x)
		v.SetBool(x)
	case WireInt8:
		var x int8
		d.r.ReadInt8(&x)
		v.SetInt(int64(x))
	case WireInt16:
		var x int16
		d.r.ReadInt16(&x)
		v.SetInt(int64(x))
	case WireInt32:
		var x int32
		d.r.ReadInt32(&x)
		v.SetInt(int64(x))
	case WireInt64:
		var x int64
		d.r.ReadInt64(&x)
		v.SetInt(x)
	case WireUint8:
		var x uint8
		d.r.ReadUint8(&x)
		v.SetUint(uint64(x))
	case WireUint16:
		var x uint16
		d.r.ReadUint16(&x)
		v.SetUint(uint64(x))
	case WireUint32:
		var x uint32
		d.r.ReadUint32(&x)
		v.SetUint(uint64(x))
	case WireUint64:
		var x uint64
		d.r.ReadUint64(&x)
		v.SetUint(x)
	case WireFloat32:
		var x float32
		d.r.ReadFloat32(&x)
		v.SetFloat(float64(x))
	case WireFloat64:
		var x float64
		d.r.ReadFloat64(&x)
		v.SetFloat(x)

	case WireString:
		v.SetString(d.r.ReadLenString(d.opts.Limits.MaxStringLen))

	case WireBytes:
		b := d.r.ReadLenBytes(d.opts.Limits.MaxStringLen)
		if len(b) == 0 {
			b = nil
		}
		v.SetBytes(b)

	case WireStruct:
		name, err := d.readTypeName()
		if err != nil {
			return err
		}
		desc, err := d.resolve(name, v.Type())
		if err != nil {
			return err
		}
		return d.readBody(desc, v.Addr())

	case WireRef:
		return d.readRef(v)

	case WireSeq:
		return d.readSeq(v)

	case WireMap:
		return d.readMap(v)

	case WireOpt:
		return d.readOpt(v)

	default:
		return d.corrupt("invalid wire type %d", wire)
	}
	return d.ioErr()
}

func (d *decoder) readSeq(v reflect.Value) error {
	ew, err := d.readWire()
	if err != nil {
		return err
	}
	n, err := d.readCount()
	if err != nil {
		return err
	}
	t := v.Type()
	if want, _ := wireOf(t.Elem()); ew != want {
		return d.corrupt("sequence of %v found where %v elements are declared", ew, want)
	}

	if t.Kind() == reflect.Array {
		if n > uint64(t.Len()) {
			return d.corrupt("sequence of %d elements does not fit %v", n, t)
		}
		v.SetZero()
		for i := range int(n) {
			if err := d.readValue(v.Index(i), ew); err != nil {
				return err
			}
		}
		return nil
	}

	if n == 0 {
		v.SetZero()
		return nil
	}
	s := reflect.MakeSlice(t, 0, int(min(n, maxPrealloc)))
	zero := reflect.Zero(t.Elem())
	for i := range int(n) {
		s = reflect.Append(s, zero)
		if err := d.readValue(s.Index(i), ew); err != nil {
			return err
		}
	}
	v.Set(s)
	return nil
}

func (d *decoder) readMap(v reflect.Value) error {
	kw, err := d.readWire()
	if err != nil {
		return err
	}
	vw, err := d.readWire()
	if err != nil {
		return err
	}
	n, err := d.readCount()
	if err != nil {
		return err
	}
	t := v.Type()
	wantK, _ := wireOf(t.Key())
	wantV, _ := wireOf(t.Elem())
	if kw != wantK || vw != wantV {
		return d.corrupt("mapping of %v to %v found where %v to %v is declared", kw, vw, wantK, wantV)
	}

	if n == 0 {
		v.SetZero()
		return nil
	}
	m := reflect.MakeMapWithSize(t, int(min(n, maxPrealloc)))
	for range n {
		k := reflect.New(t.Key()).Elem()
		if err := d.readValue(k, kw); err != nil {
			return err
		}
		e := reflect.New(t.Elem()).Elem()
		if err := d.readValue(e, vw); err != nil {
			return err
		}
		m.SetMapIndex(k, e)
	}
	v.Set(m)
	return nil
}

func (d *decoder) readOpt(v reflect.Value) error {
	ew, err := d.readWire()
	if err != nil {
		return err
	}
	present, err := d.readByte()
	if err != nil {
		return err
	}
	et := v.Type().Elem()
	if want, _ := wireOf(et); ew != want {
		return d.corrupt("optional %v found where %v is declared", ew, want)
	}
	switch present {
	case 0:
		v.SetZero()
		return nil
	case 1:
	default:
		return d.corrupt("invalid presence byte %d", present)
	}
	if v.IsNil() {
		v.Set(reflect.New(et))
	}
	return d.readValue(v.Elem(), ew)
}
