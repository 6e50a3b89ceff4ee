package objcodec

import (
	"math"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Visitor receives the structure of a stream from Walk. Any error it returns
// stops the walk and is returned unchanged.
type Visitor interface {
	// VisitObjectStart opens an object. id is 0 for objects without identity.
	VisitObjectStart(id uint64, typeName string) error
	// VisitMember announces the next member. In named mode tag is 0, otherwise name is empty.
	VisitMember(tag uint64, name string, wire WireType) error
	// VisitValue reports a scalar: bool, a fixed-width number, string or []byte.
	VisitValue(wire WireType, v any) error
	// VisitNull reports a null reference or an absent optional.
	VisitNull() error
	// VisitBackRef reports a reference to an already defined object.
	VisitBackRef(id uint64) error
	// VisitSequenceStart opens a sequence or mapping of n entries. Mapping
	// entries are visited as alternating keys and values.
	VisitSequenceStart(wire WireType, n int) error
	VisitSequenceEnd(wire WireType) error
	VisitObjectEnd(typeName string) error
}

// Walk traverses an encoded stream without resolving any type, reporting
// its structure to v. Only the first object in data is walked.
func Walk(data []byte, v Visitor, opts ...Option) error {
	if v == nil {
		return errors.New("objcodec: Walk called with a nil Visitor")
	}
	r, err := NewReader(NewBytesReader(data))
	if err != nil {
		return err
	}
	d := newDecoder(r, newOptions(opts))
	d.visit = v
	return d.walkRef()
}

// walkRef walks one object-ref. Without a visitor it is the skipper used for
// unknown members: objects of registered types are still materialized, so
// later back-references to them resolve.
func (d *decoder) walkRef() error {
	d.state = StateTypeMarker
	marker, err := d.readByte()
	if err != nil {
		return err
	}

	switch marker {
	case refNull:
		if d.visit != nil {
			return d.visit.VisitNull()
		}
		return nil

	case refBack:
		id, err := d.readUvarint()
		if err != nil {
			return err
		}
		if id == 0 || id > uint64(d.refs.len()) {
			return d.corrupt("back-reference to undefined object id %d", id)
		}
		if d.visit != nil {
			return d.visit.VisitBackRef(id)
		}
		return nil

	case refDef:
		id, err := d.readUvarint()
		if err != nil {
			return err
		}
		name, err := d.readTypeName()
		if err != nil {
			return err
		}
		if d.visit == nil {
			if t, ok := d.reg.Lookup(name); ok {
				return d.materialize(id, t)
			}
		}
		if err := d.refs.reserve(id, name); err != nil {
			return d.refErr(err)
		}
		return d.walkBody(id, name)

	case refValue:
		name, err := d.readTypeName()
		if err != nil {
			return err
		}
		return d.walkBody(0, name)
	}
	return d.corrupt("invalid reference marker 0x%02x", marker)
}

// materialize decodes a skipped object of a registered type into a fresh
// instance and binds it to id.
func (d *decoder) materialize(id uint64, t reflect.Type) error {
	desc, err := d.reg.Describe(t)
	if err != nil {
		return err
	}
	ptr := desc.New()
	if err := d.refs.define(id, ptr); err != nil {
		return d.refErr(err)
	}
	return d.readBody(desc, ptr)
}

func (d *decoder) walkBody(id uint64, name string) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	if d.visit != nil {
		if err := d.visit.VisitObjectStart(id, name); err != nil {
			return err
		}
	}
	for {
		d.state = StateMembers
		tag, key, end, err := d.readKey()
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
		if d.visit != nil {
			if err := d.visit.VisitMember(tag, key, wire); err != nil {
				return err
			}
		}
		if err := d.walkValue(wire); err != nil {
			return err
		}
	}
	d.state = StateDone
	if d.visit != nil {
		return d.visit.VisitObjectEnd(name)
	}
	return nil
}

// walkValue walks one payload of the given wire type.
func (d *decoder) walkValue(wire WireType) error {
	if n := wire.fixedSize(); n > 0 {
		if d.visit == nil {
			d.r.Skip(int64(n))
			return d.ioErr()
		}
		v, err := d.readScalar(wire)
		if err != nil {
			return err
		}
		return d.visit.VisitValue(wire, v)
	}

	switch wire {
	case WireSeq, WireMap, WireOpt:
		if err := d.enter(); err != nil {
			return err
		}
		defer d.leave()
	}

	switch wire {
	case WireString, WireBytes:
		if d.visit == nil {
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			if err := checkLimit(n, uint64(d.opts.Limits.MaxStringLen), wire.String()); err != nil {
				return d.corruptCause(err, "limit exceeded")
			}
			if n > math.MaxInt64 {
				return d.corrupt("%v length %d out of range", wire, n)
			}
			d.r.Skip(int64(n))
			return d.ioErr()
		}
		b := d.r.ReadLenBytes(d.opts.Limits.MaxStringLen)
		if err := d.ioErr(); err != nil {
			return err
		}
		if wire == WireString {
			return d.visit.VisitValue(wire, string(b))
		}
		return d.visit.VisitValue(wire, b)

	case WireStruct:
		name, err := d.readTypeName()
		if err != nil {
			return err
		}
		return d.walkBody(0, name)

	case WireRef:
		return d.walkRef()

	case WireSeq:
		ew, err := d.readWire()
		if err != nil {
			return err
		}
		n, err := d.readCount()
		if err != nil {
			return err
		}
		return d.walkEntries(WireSeq, n, ew)

	case WireMap:
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
		return d.walkEntries(WireMap, n, kw, vw)

	case WireOpt:
		ew, err := d.readWire()
		if err != nil {
			return err
		}
		present, err := d.readByte()
		if err != nil {
			return err
		}
		switch present {
		case 0:
			if d.visit != nil {
				return d.visit.VisitNull()
			}
			return nil
		case 1:
			return d.walkValue(ew)
		}
		return d.corrupt("invalid presence byte %d", present)
	}
	return d.corrupt("invalid wire type %d", wire)
}

// walkEntries walks n entries, each made of one payload per wire type.
func (d *decoder) walkEntries(kind WireType, n uint64, wires ...WireType) error {
	if d.visit != nil {
		if err := d.visit.VisitSequenceStart(kind, int(n)); err != nil {
			return err
		}
	}
	for range n {
		for _, w := range wires {
			if err := d.walkValue(w); err != nil {
				return err
			}
		}
	}
	if d.visit != nil {
		return d.visit.VisitSequenceEnd(kind)
	}
	return nil
}

func (d *decoder) readScalar(wire WireType) (any, error) {
	var v any
	switch wire {
	case WireBool:
		var x bool
		d.r.ReadBool(&x)
		v = x
	case WireInt8:
		var x int8
		d.r.ReadInt8(&x)
		v = x
	case WireUint8:
		var x uint8
		d.r.ReadUint8(&x)
		v = x
	case WireInt16:
		var x int16
		d.r.ReadInt16(&x)
		v = x
	case WireUint16:
		var x uint16
		d.r.ReadUint16(&x)
		v = x
	case WireInt32:
		var x int32
		d.r.ReadInt32(&x)
		v = x
	case WireUint32:
		var x uint32
		d.r.ReadUint32(&x)
		v = x
	case WireInt64:
		var x int64
		d.r.ReadInt64(&x)
		v = x
	case WireUint64:
		var x uint64
		d.r.ReadUint64(&x)
		v = x
	case WireFloat32:
		var x float32
		d.r.ReadFloat32(&x)
		v = x
	case WireFloat64:
		var x float64
		d.r.ReadFloat64(&x)
		v = x
	}
	return v, d.ioErr()
}
