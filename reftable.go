package objcodec

import (
	"reflect"
	"unsafe"
)

// refKey is an object's identity. The type is part of it because a struct
// and its first field share an address.
type refKey struct {
	t reflect.Type
	p unsafe.Pointer
}

// encodeRefs assigns ids to objects in the order they are first written.
type encodeRefs struct {
	ids map[refKey]uint64
}

// assign returns the id of ptr, a non-nil pointer to a struct. fresh is true
// the first time ptr is seen, in which case the caller must write its
// definition.
func (r *encodeRefs) assign(ptr reflect.Value) (id uint64, fresh bool) {
	if r.ids == nil {
		r.ids = make(map[refKey]uint64)
	}
	k := refKey{t: ptr.Type(), p: ptr.UnsafePointer()}
	if id, ok := r.ids[k]; ok {
		return id, false
	}
	id = uint64(len(r.ids) + 1)
	r.ids[k] = id
	return id, true
}

// refSlot is one arena entry. An unresolved slot belongs to an object whose
// type the decoder could not materialize while skipping it.
type refSlot struct {
	ptr      reflect.Value
	typeName string
}

// decodeRefs is the id -> instance arena. Ids are dense and start at 1.
type decodeRefs struct {
	slots []refSlot
}

type refError struct {
	reason   string
	typeName string
}

func (e *refError) Error() string { return e.reason }

// define binds the next id to ptr. It is called before the object's members
// are decoded, so back-references from inside the object resolve to it.
func (r *decodeRefs) define(id uint64, ptr reflect.Value) error {
	return r.put(id, refSlot{ptr: ptr})
}

// reserve consumes id for an object that was skipped without being materialized.
func (r *decodeRefs) reserve(id uint64, typeName string) error {
	return r.put(id, refSlot{typeName: typeName})
}

func (r *decodeRefs) put(id uint64, s refSlot) error {
	next := uint64(len(r.slots) + 1)
	switch {
	case id < next:
		return &refError{reason: "object id redefined"}
	case id > next:
		return &refError{reason: "object id defined out of order"}
	}
	r.slots = append(r.slots, s)
	return nil
}

// resolve returns the instance bound to id.
func (r *decodeRefs) resolve(id uint64) (reflect.Value, error) {
	if id == 0 || id > uint64(len(r.slots)) {
		return reflect.Value{}, &refError{reason: "back-reference to undefined object id"}
	}
	s := r.slots[id-1]
	if !s.ptr.IsValid() {
		return reflect.Value{}, &refError{reason: "back-reference to an object of unknown type", typeName: s.typeName}
	}
	return s.ptr, nil
}

func (r *decodeRefs) len() int { return len(r.slots) }
