package objcodec

import (
	"reflect"
	"strconv"
)

// Kind is the declared semantic kind of a member.
type Kind uint8

const (
	KindPrimitive Kind = iota + 1
	KindString
	KindObject
	KindPolymorphic
	KindSequence
	KindMapping
	KindOptional
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindPolymorphic:
		return "polymorphic"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindOptional:
		return "optional"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// WireType identifies the payload layout of a value in the stream. Every
// wire type is self-delimiting, which is what lets a decoder skip members
// it has no descriptor for.
type WireType byte

const (
	WireBool    WireType = 1
	WireInt8    WireType = 2
	WireUint8   WireType = 3
	WireInt16   WireType = 4
	WireUint16  WireType = 5
	WireInt32   WireType = 6
	WireUint32  WireType = 7
	WireInt64   WireType = 8
	WireUint64  WireType = 9
	WireFloat32 WireType = 10
	WireFloat64 WireType = 11
	WireString  WireType = 12
	WireBytes   WireType = 13
	WireStruct  WireType = 14
	WireRef     WireType = 15
	WireSeq     WireType = 16
	WireMap     WireType = 17
	WireOpt     WireType = 18

	wireMax = WireOpt
)

var wireNames = [...]string{
	WireBool:    "bool",
	WireInt8:    "int8",
	WireUint8:   "uint8",
	WireInt16:   "int16",
	WireUint16:  "uint16",
	WireInt32:   "int32",
	WireUint32:  "uint32",
	WireInt64:   "int64",
	WireUint64:  "uint64",
	WireFloat32: "float32",
	WireFloat64: "float64",
	WireString:  "string",
	WireBytes:   "bytes",
	WireStruct:  "struct",
	WireRef:     "ref",
	WireSeq:     "seq",
	WireMap:     "map",
	WireOpt:     "opt",
}

func (w WireType) String() string {
	if w.Valid() {
		return wireNames[w]
	}
	return "WireType(" + strconv.Itoa(int(w)) + ")"
}

// Valid reports whether w is a known wire type.
func (w WireType) Valid() bool { return w >= WireBool && w <= wireMax }

// fixedSize returns the payload size of fixed-width wire types, or 0.
func (w WireType) fixedSize() int {
	switch w {
	case WireBool, WireInt8, WireUint8:
		return 1
	case WireInt16, WireUint16:
		return 2
	case WireInt32, WireUint32, WireFloat32:
		return 4
	case WireInt64, WireUint64, WireFloat64:
		return 8
	}
	return 0
}

// Reference markers that open every object-ref payload.
const (
	refNull  byte = 0
	refBack  byte = 1
	refDef   byte = 2
	refValue byte = 3
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// kindOf maps a Go type to its semantic kind. ok is false when t has no
// supported encoding.
func kindOf(t reflect.Type) (Kind, bool) {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindPrimitive, true
	case reflect.String:
		return KindString, true
	case reflect.Struct:
		return KindObject, true
	case reflect.Interface:
		return KindPolymorphic, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindPrimitive, true
		}
		return KindSequence, true
	case reflect.Array:
		return KindSequence, true
	case reflect.Map:
		return KindMapping, true
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct {
			return KindObject, true
		}
		return KindOptional, true
	}
	return 0, false
}

// wireOf returns the wire type used for values of t. It validates the whole
// type expression (element, key and pointee types) without describing any
// struct, so it never recurses into another type's members.
func wireOf(t reflect.Type) (WireType, error) {
	switch t.Kind() {
	case reflect.Bool:
		return WireBool, nil
	case reflect.Int8:
		return WireInt8, nil
	case reflect.Uint8:
		return WireUint8, nil
	case reflect.Int16:
		return WireInt16, nil
	case reflect.Uint16:
		return WireUint16, nil
	case reflect.Int32:
		return WireInt32, nil
	case reflect.Uint32:
		return WireUint32, nil
	case reflect.Int, reflect.Int64:
		return WireInt64, nil
	case reflect.Uint, reflect.Uint64:
		return WireUint64, nil
	case reflect.Float32:
		return WireFloat32, nil
	case reflect.Float64:
		return WireFloat64, nil
	case reflect.String:
		return WireString, nil
	case reflect.Struct:
		return WireStruct, nil
	case reflect.Interface:
		return WireRef, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return WireBytes, nil
		}
		if _, err := wireOf(t.Elem()); err != nil {
			return 0, err
		}
		return WireSeq, nil
	case reflect.Array:
		if _, err := wireOf(t.Elem()); err != nil {
			return 0, err
		}
		return WireSeq, nil
	case reflect.Map:
		kw, err := wireOf(t.Key())
		if err != nil {
			return 0, err
		}
		if kw.fixedSize() == 0 && kw != WireString {
			return 0, errUnsupported{t, "map keys must be scalar"}
		}
		if _, err := wireOf(t.Elem()); err != nil {
			return 0, err
		}
		return WireMap, nil
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct {
			return WireRef, nil
		}
		if t.Elem().Kind() == reflect.Pointer {
			return 0, errUnsupported{t, "pointer to pointer"}
		}
		if _, err := wireOf(t.Elem()); err != nil {
			return 0, err
		}
		return WireOpt, nil
	}
	return 0, errUnsupported{t, "no wire representation"}
}

type errUnsupported struct {
	t      reflect.Type
	reason string
}

func (e errUnsupported) Error() string { return e.t.String() + ": " + e.reason }
