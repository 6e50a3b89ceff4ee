package objcodec

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// Limits bounds what a single Encode or Decode call will accept, so a
// hostile or corrupt length prefix cannot trigger a huge allocation.
// A zero field means unlimited, except MaxDepth: nesting is always capped
// at maxNesting so a stream cannot exhaust the goroutine stack.
type Limits struct {
	MaxStringLen   uint // Maximum string or []byte length
	MaxSequenceLen uint // Maximum element count of a sequence or mapping
	MaxDepth       uint // Maximum object nesting depth
}

// DefaultLimits provides sensible defaults for most use cases
var DefaultLimits = Limits{
	MaxStringLen:   64 * 1024 * 1024, // 64MB
	MaxSequenceLen: 16 * 1024 * 1024, // 16M elements
	MaxDepth:       1024,
}

const (
	// maxNesting caps MaxDepth, and applies when it is zero.
	maxNesting = 1 << 14

	// maxPrealloc caps the capacity allocated from a length prefix before
	// the elements behind it have been read.
	maxPrealloc = 1024
)

// depth returns the effective nesting limit.
func (l Limits) depth() uint {
	if l.MaxDepth == 0 || l.MaxDepth > maxNesting {
		return maxNesting
	}
	return l.MaxDepth
}

// Options configures encoders and decoders. Both sides of a stream must agree
// on MemberNames.
type Options struct {
	Registry *Registry
	Logger   *zap.Logger
	Limits   Limits

	// OmitDefaults drops every member holding its zero value, not only the
	// ones tagged omitempty.
	OmitDefaults bool

	// MemberNames keys member records by name instead of numeric tag.
	MemberNames bool

	// ErrorPosition includes the byte offset in decode error messages.
	// The Offset field is populated regardless.
	ErrorPosition bool

	// BufferSize is the bufio size used when wrapping unbuffered streams.
	BufferSize int
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Registry:      DefaultRegistry,
		Limits:        DefaultLimits,
		ErrorPosition: true,
		BufferSize:    4096,
	}
}

func newOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.L().Named("objcodec")
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry
	}
	return o
}

// WithRegistry resolves types against r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option { return func(o *Options) { o.Registry = r } }

// WithLogger sets the logger used for debug diagnostics.
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithOmitDefaults omits every zero-valued member when encoding.
func WithOmitDefaults() Option { return func(o *Options) { o.OmitDefaults = true } }

// WithMemberNames keys member records by member name.
func WithMemberNames() Option { return func(o *Options) { o.MemberNames = true } }

// WithLimits replaces DefaultLimits.
func WithLimits(l Limits) Option { return func(o *Options) { o.Limits = l } }

// WithErrorPosition toggles byte offsets in decode error messages.
func WithErrorPosition(on bool) Option { return func(o *Options) { o.ErrorPosition = on } }

// WithBufferSize sets the bufio size for unbuffered streams.
func WithBufferSize(n int) Option { return func(o *Options) { o.BufferSize = n } }

// checkLimit validates a length against a limit, with 0 meaning unlimited.
func checkLimit[T constraints.Unsigned](length, limit T, name string) error {
	if limit > 0 && length > limit {
		return errors.Wrapf(ErrLimitExceeded, "%s length %d exceeds %d", name, length, limit)
	}
	return nil
}
