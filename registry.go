package objcodec

import (
	"encoding"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// TagKey is the struct tag that marks a field as a serializable member.
const TagKey = "codec"

// CustomTag is the reserved member tag under which a custom payload is
// written. Explicit tags must be below it.
const CustomTag = 1 << 21

// customName is the member key of the custom payload in named mode.
const customName = "$custom"

// DefaultRegistry is the process-wide registry used when no WithRegistry
// option is given.
var DefaultRegistry = NewRegistry()

var (
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
	beforeEncoderType     = reflect.TypeOf((*BeforeEncoder)(nil)).Elem()
	afterDecoderType      = reflect.TypeOf((*AfterDecoder)(nil)).Elem()
)

// EncodeFunc produces the custom payload for v, a pointer to the registered type.
type EncodeFunc func(v any) ([]byte, error)

// DecodeFunc restores v, a pointer to the registered type, from a custom payload.
type DecodeFunc func(v any, data []byte) error

// HookFunc is a lifecycle hook invoked with a pointer to the object.
type HookFunc func(v any) error

type typeConfig struct {
	encode EncodeFunc
	decode DecodeFunc
	before HookFunc
	after  HookFunc
	ctor   func() any
}

// TypeOption customizes a registered type.
type TypeOption func(*typeConfig)

// WithEncodeFunc overrides member-wise encoding with a custom payload.
// It must be paired with WithDecodeFunc.
func WithEncodeFunc(fn EncodeFunc) TypeOption { return func(c *typeConfig) { c.encode = fn } }

// WithDecodeFunc is the inverse of WithEncodeFunc.
func WithDecodeFunc(fn DecodeFunc) TypeOption { return func(c *typeConfig) { c.decode = fn } }

// WithBeforeEncode runs fn before the object's members are written.
func WithBeforeEncode(fn HookFunc) TypeOption { return func(c *typeConfig) { c.before = fn } }

// WithAfterDecode runs fn once after all of the object's members are decoded.
func WithAfterDecode(fn HookFunc) TypeOption { return func(c *typeConfig) { c.after = fn } }

// WithConstructor replaces the zero-value allocation used by the decoder.
// fn must return a non-nil pointer to the registered type.
func WithConstructor(fn func() any) TypeOption { return func(c *typeConfig) { c.ctor = fn } }

// MemberDescriptor describes one serializable member of a struct type.
type MemberDescriptor struct {
	Name      string
	Tag       uint32
	Kind      Kind
	Wire      WireType
	Type      reflect.Type
	OmitEmpty bool

	index []int
}

// Get returns the member's field within obj, an addressable struct value.
func (m *MemberDescriptor) Get(obj reflect.Value) reflect.Value {
	return obj.FieldByIndex(m.index)
}

// Set stores v into the member's field within obj.
func (m *MemberDescriptor) Set(obj, v reflect.Value) {
	obj.FieldByIndex(m.index).Set(v)
}

// vtable holds the per-type overrides, resolved once at describe time.
type vtable struct {
	encode func(ptr reflect.Value) ([]byte, error)
	decode func(ptr reflect.Value, data []byte) error
	before func(ptr reflect.Value) error
	after  func(ptr reflect.Value) error
}

// TypeDescriptor is the cached, immutable metadata of a struct type.
type TypeDescriptor struct {
	Type    reflect.Type
	Name    string
	Members []*MemberDescriptor // ordered by Tag

	byTag  map[uint32]*MemberDescriptor
	byName map[string]*MemberDescriptor
	vt     vtable
	ctor   func() reflect.Value
}

// Member looks a member up by tag.
func (d *TypeDescriptor) Member(tag uint32) (*MemberDescriptor, bool) {
	m, ok := d.byTag[tag]
	return m, ok
}

// MemberByName looks a member up by name.
func (d *TypeDescriptor) MemberByName(name string) (*MemberDescriptor, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// New allocates a default-constructed instance and returns a pointer to it.
func (d *TypeDescriptor) New() reflect.Value { return d.ctor() }

// Custom reports whether the type replaces member-wise encoding with a custom payload.
func (d *TypeDescriptor) Custom() bool { return d.vt.encode != nil }

type typeEntry struct {
	once       sync.Once
	name       string
	cfg        typeConfig
	registered bool
	desc       *TypeDescriptor
	err        error
}

// Registry maps Go types to their descriptors and stable names.
//
// Lookups are lock-free. First-time population of a type is serialized per
// type, never globally, and describing a type does not describe its member
// types, so concurrent callers never wait on each other's recursion.
type Registry struct {
	entries *xsync.Map[reflect.Type, *typeEntry]
	names   *xsync.Map[string, reflect.Type]
	logger  *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for describe diagnostics.
func WithRegistryLogger(l *zap.Logger) RegistryOption { return func(r *Registry) { r.logger = l } }

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: xsync.NewMap[reflect.Type, *typeEntry](),
		names:   xsync.NewMap[string, reflect.Type](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L().Named("objcodec.registry")
}

// RegisterType registers T in DefaultRegistry. See Registry.Register.
func RegisterType[T any](name string, opts ...TypeOption) error {
	var zero T
	return DefaultRegistry.Register(zero, name, opts...)
}

// Register binds the struct type of sample (or the struct it points to) to
// name. Registration is required for every type that appears behind an
// interface, and must happen before the type is first described. Registering
// the same type under the same name again without options is a no-op.
// An empty name selects the default "pkgpath.Name".
func (r *Registry) Register(sample any, name string, opts ...TypeOption) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return schemaErrorf(nil, "", "cannot register nil")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return schemaErrorf(t, "", "only struct types can be registered")
	}
	if name == "" {
		name = defaultTypeName(t)
	}

	e := &typeEntry{name: name, registered: true}
	for _, opt := range opts {
		opt(&e.cfg)
	}

	prev, loaded := r.names.LoadOrStore(name, t)
	if loaded && prev != t {
		return schemaErrorf(t, "", "name %q is already registered for %v", name, prev)
	}
	insertedName := !loaded

	actual, loaded := r.entries.LoadOrStore(t, e)
	if !loaded {
		return nil
	}
	if actual.registered && actual.name == name && len(opts) == 0 {
		return nil
	}
	if insertedName {
		r.names.Delete(name)
	}
	if !actual.registered {
		return schemaErrorf(t, "", "type was described before it was registered")
	}
	return schemaErrorf(t, "", "already registered as %q", actual.name)
}

// Lookup resolves a registered name.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	return r.names.Load(name)
}

// Registered reports whether t (or the struct it points to) was registered.
func (r *Registry) Registered(t reflect.Type) bool {
	e, ok := r.entries.Load(indirect(t))
	return ok && e.registered
}

// Types returns the sorted names of all registered types.
func (r *Registry) Types() []string {
	names := make([]string, 0, r.names.Size())
	r.names.Range(func(name string, _ reflect.Type) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Describe returns the descriptor of t, a struct type or a pointer to one.
// The first call for a type builds and caches the descriptor; every later
// call returns the same pointer.
func (r *Registry) Describe(t reflect.Type) (*TypeDescriptor, error) {
	if t == nil {
		return nil, schemaErrorf(nil, "", "cannot describe nil type")
	}
	t = indirect(t)
	if t.Kind() != reflect.Struct {
		return nil, schemaErrorf(t, "", "only struct types can be described")
	}
	e, ok := r.entries.Load(t)
	if !ok {
		e, _ = r.entries.LoadOrStore(t, &typeEntry{name: defaultTypeName(t)})
	}
	e.once.Do(func() {
		e.desc, e.err = r.build(t, e)
	})
	return e.desc, e.err
}

func (r *Registry) build(t reflect.Type, e *typeEntry) (*TypeDescriptor, error) {
	d := &TypeDescriptor{
		Type:   t,
		Name:   e.name,
		byTag:  make(map[uint32]*MemberDescriptor),
		byName: make(map[string]*MemberDescriptor),
	}
	if err := collectMembers(t, t, nil, &d.Members); err != nil {
		return nil, err
	}

	if dups := lo.FindDuplicatesBy(d.Members, func(m *MemberDescriptor) uint32 { return m.Tag }); len(dups) > 0 {
		return nil, schemaErrorf(t, dups[0].Name, "tag %d is used by more than one member", dups[0].Tag)
	}
	if dups := lo.FindDuplicatesBy(d.Members, func(m *MemberDescriptor) string { return m.Name }); len(dups) > 0 {
		return nil, schemaErrorf(t, dups[0].Name, "member name is used more than once")
	}
	sort.Slice(d.Members, func(i, j int) bool { return d.Members[i].Tag < d.Members[j].Tag })
	for _, m := range d.Members {
		d.byTag[m.Tag] = m
		d.byName[m.Name] = m
	}

	vt, err := resolveVtable(t, e.cfg)
	if err != nil {
		return nil, err
	}
	d.vt = vt
	d.ctor = constructor(t, e.cfg.ctor)

	r.log().Debug("described type",
		zap.String("name", d.Name),
		zap.Stringer("type", t),
		zap.Int("members", len(d.Members)),
		zap.Bool("custom", d.Custom()),
		zap.Bool("registered", e.registered))
	return d, nil
}

// collectMembers gathers the tagged fields of t. Untagged embedded structs
// are flattened into their parent.
func collectMembers(root, t reflect.Type, index []int, out *[]*MemberDescriptor) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		path := append(slices.Clone(index), i)

		raw, tagged := f.Tag.Lookup(TagKey)
		if !tagged {
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				if err := collectMembers(root, f.Type, path, out); err != nil {
					return err
				}
			}
			continue
		}
		if raw == "-" {
			continue
		}
		if !f.IsExported() {
			return schemaErrorf(root, f.Name, "tagged field is not exported")
		}

		m := &MemberDescriptor{Name: f.Name, Type: f.Type, index: path}
		explicit, err := parseMemberTag(raw, m)
		if err != nil {
			return schemaErrorf(root, f.Name, "%v", err)
		}
		if !explicit {
			m.Tag = autoTag(m.Name)
		}

		kind, ok := kindOf(f.Type)
		if !ok {
			return schemaErrorf(root, f.Name, "type %v has no supported encoding", f.Type)
		}
		wire, err := wireOf(f.Type)
		if err != nil {
			return schemaErrorf(root, f.Name, "%v", err)
		}
		m.Kind, m.Wire = kind, wire
		*out = append(*out, m)
	}
	return nil
}

// parseMemberTag parses `codec:"<tag>[,omitempty][,name=<alias>]"`.
// It reports whether an explicit numeric tag was present.
func parseMemberTag(raw string, m *MemberDescriptor) (bool, error) {
	parts := strings.Split(raw, ",")
	explicit := false
	if parts[0] != "" {
		n, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return false, errInvalidTag(parts[0])
		}
		if n == 0 || n >= CustomTag {
			return false, errTagRange(n)
		}
		m.Tag = uint32(n)
		explicit = true
	}
	for _, opt := range parts[1:] {
		switch {
		case opt == "omitempty":
			m.OmitEmpty = true
		case strings.HasPrefix(opt, "name="):
			m.Name = strings.TrimPrefix(opt, "name=")
			if m.Name == "" || m.Name == customName {
				return false, errInvalidTag(opt)
			}
		case opt == "":
		default:
			return false, errInvalidTag(opt)
		}
	}
	return explicit, nil
}

type errInvalidTag string

func (e errInvalidTag) Error() string { return "invalid tag option " + strconv.Quote(string(e)) }

type errTagRange uint64

func (e errTagRange) Error() string {
	return "tag " + strconv.FormatUint(uint64(e), 10) + " out of range [1, " + strconv.Itoa(CustomTag) + ")"
}

// autoTag derives a tag from a member name. It depends only on the name, so
// adding or reordering members never renumbers existing ones.
func autoTag(name string) uint32 {
	return uint32(xxhash.Sum64String(name)%(CustomTag-1)) + 1
}

func resolveVtable(t reflect.Type, cfg typeConfig) (vtable, error) {
	var vt vtable
	pt := reflect.PointerTo(t)

	switch {
	case cfg.encode != nil:
		fn := cfg.encode
		vt.encode = func(p reflect.Value) ([]byte, error) { return fn(p.Interface()) }
	case pt.Implements(binaryMarshalerType):
		vt.encode = func(p reflect.Value) ([]byte, error) {
			return p.Interface().(encoding.BinaryMarshaler).MarshalBinary()
		}
	}
	switch {
	case cfg.decode != nil:
		fn := cfg.decode
		vt.decode = func(p reflect.Value, data []byte) error { return fn(p.Interface(), data) }
	case pt.Implements(binaryUnmarshalerType):
		vt.decode = func(p reflect.Value, data []byte) error {
			return p.Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(data)
		}
	}
	if (vt.encode == nil) != (vt.decode == nil) {
		return vtable{}, schemaErrorf(t, "", "custom encoding needs both an encode and a decode function")
	}

	switch {
	case cfg.before != nil:
		fn := cfg.before
		vt.before = func(p reflect.Value) error { return fn(p.Interface()) }
	case pt.Implements(beforeEncoderType):
		vt.before = func(p reflect.Value) error { return p.Interface().(BeforeEncoder).BeforeEncode() }
	}
	switch {
	case cfg.after != nil:
		fn := cfg.after
		vt.after = func(p reflect.Value) error { return fn(p.Interface()) }
	case pt.Implements(afterDecoderType):
		vt.after = func(p reflect.Value) error { return p.Interface().(AfterDecoder).AfterDecode() }
	}
	return vt, nil
}

func constructor(t reflect.Type, fn func() any) func() reflect.Value {
	if fn == nil {
		return func() reflect.Value { return reflect.New(t) }
	}
	pt := reflect.PointerTo(t)
	return func() reflect.Value {
		v := reflect.ValueOf(fn())
		if !v.IsValid() || v.Type() != pt || v.IsNil() {
			return reflect.New(t)
		}
		return v
	}
}

func defaultTypeName(t reflect.Type) string {
	if t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func indirect(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
