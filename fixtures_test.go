package objcodec

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type Point struct {
	X int `codec:"1"`
	Y int `codec:"2"`
}

type Node struct {
	Name string `codec:"1"`
	Next *Node  `codec:"2"`
}

type Pair struct {
	Left  *Node `codec:"1"`
	Right *Node `codec:"2"`
}

type Shape interface {
	Area() float64
}

type Circle struct {
	R float64 `codec:"1"`
}

func (c *Circle) Area() float64 { return 3 * c.R * c.R }

type Square struct {
	Side float64 `codec:"1"`
}

func (s Square) Area() float64 { return s.Side * s.Side }

type Blob struct {
	Size float64 `codec:"1"`
}

func (b *Blob) Area() float64 { return b.Size }

type Drawing struct {
	Title  string  `codec:"1"`
	Shapes []Shape `codec:"2"`
	Main   Shape   `codec:"3"`
}

// Color replaces member-wise encoding with its own three-byte payload.
type Color struct {
	R, G, B uint8
}

func (c *Color) MarshalBinary() ([]byte, error) { return []byte{c.R, c.G, c.B}, nil }

func (c *Color) UnmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return errors.Newf("color needs 3 bytes, got %d", len(data))
	}
	c.R, c.G, c.B = data[0], data[1], data[2]
	return nil
}

type Palette struct {
	Name string `codec:"1"`
	Fg   Color  `codec:"2"`
	Bg   *Color `codec:"3"`
}

// Counter counts its lifecycle hooks.
type Counter struct {
	N int `codec:"1"`

	encoded int
	decoded int
}

func (c *Counter) BeforeEncode() error { c.encoded++; return nil }
func (c *Counter) AfterDecode() error  { c.decoded++; return nil }

type Counters struct {
	A *Counter `codec:"1"`
	B *Counter `codec:"2"`
}

type Bag struct {
	Items []int  `codec:"1"`
	Text  string `codec:"2"`
}

// Everything covers every member kind.
type Everything struct {
	Flag    bool               `codec:"1"`
	I8      int8               `codec:"2"`
	I16     int16              `codec:"3"`
	I32     int32              `codec:"4"`
	I64     int64              `codec:"5"`
	U8      uint8              `codec:"6"`
	U16     uint16             `codec:"7"`
	U32     uint32             `codec:"8"`
	U64     uint64             `codec:"9"`
	F32     float32            `codec:"10"`
	F64     float64            `codec:"11"`
	Int     int                `codec:"12"`
	Uint    uint               `codec:"13"`
	Text    string             `codec:"14"`
	Raw     []byte             `codec:"15"`
	At      Point              `codec:"16"`
	Ref     *Point             `codec:"17"`
	List    []int32            `codec:"18"`
	Fixed   [3]uint16          `codec:"19"`
	Points  []Point            `codec:"20"`
	Lookup  map[string]int     `codec:"21"`
	Nested  map[int64][]string `codec:"22"`
	MaybeI  *int               `codec:"23"`
	MaybeS  *string            `codec:"24"`
	Missing *float64           `codec:"25"`
	Grid    [][]uint8          `codec:"26"`
}

// nameOf is the registration name the tests use for a sample.
func nameOf(sample any) string {
	return indirect(reflect.TypeOf(sample)).Name()
}

// newRegistry returns a registry holding samples under their bare type names.
func newRegistry(t *testing.T, samples ...any) *Registry {
	t.Helper()
	reg := NewRegistry(WithRegistryLogger(zaptest.NewLogger(t)))
	for _, s := range samples {
		require.NoError(t, reg.Register(s, nameOf(s)))
	}
	return reg
}

func testOptions(t *testing.T, reg *Registry, opts ...Option) []Option {
	return append([]Option{WithRegistry(reg), WithLogger(zaptest.NewLogger(t))}, opts...)
}

func ptr[T any](v T) *T { return &v }
