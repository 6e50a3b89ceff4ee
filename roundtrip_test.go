package objcodec

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type RoundTripSuite struct {
	suite.Suite
	reg *Registry
}

func (s *RoundTripSuite) SetupTest() {
	s.reg = newRegistry(s.T(), Point{}, Node{}, Pair{}, Circle{}, Square{}, Drawing{}, Counter{})
}

func (s *RoundTripSuite) opts(extra ...Option) []Option {
	return testOptions(s.T(), s.reg, extra...)
}

func (s *RoundTripSuite) TestPointLayout() {
	data, err := Marshal(Point{X: 3, Y: 4}, s.opts()...)
	s.Require().NoError(err)

	expected := []byte{
		refValue,
		0x00, 0x05, 'P', 'o', 'i', 'n', 't', // new type marker
		0x01, byte(WireInt64), 3, 0, 0, 0, 0, 0, 0, 0,
		0x02, byte(WireInt64), 4, 0, 0, 0, 0, 0, 0, 0,
		0x00, // terminator
	}
	s.Assert().Equal(expected, data)
	s.Assert().Len(data, 29)

	got, err := Unmarshal[Point](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(Point{X: 3, Y: 4}, got)

	s.T().Run("TrailingGarbageIgnored", func(t *testing.T) {
		got, err := Unmarshal[Point](append(bytes.Clone(data), 0xFF), s.opts()...)
		require.NoError(t, err)
		assert.Equal(t, Point{X: 3, Y: 4}, got)
	})

	s.T().Run("TruncatedPrefixFails", func(t *testing.T) {
		for i := range data {
			_, err := Unmarshal[Point](data[:i], s.opts()...)
			require.ErrorIs(t, err, ErrCorruptData, "prefix of %d bytes", i)

			var cde *CorruptDataError
			require.ErrorAs(t, err, &cde)
			assert.EqualValues(t, i, cde.Offset)
			assert.ErrorIs(t, err, ErrTruncatedData)
		}
	})
}

func (s *RoundTripSuite) TestEveryKind() {
	in := Everything{
		Flag: true, I8: -8, I16: -16, I32: -32, I64: -64,
		U8: 8, U16: 16, U32: 32, U64: 64,
		F32: 1.5, F64: -2.25, Int: -1 << 40, Uint: 1 << 40,
		Text:   "héllo",
		Raw:    []byte{0, 1, 2},
		At:     Point{X: 1, Y: 2},
		Ref:    &Point{X: 3, Y: 4},
		List:   []int32{1, -2, 3},
		Fixed:  [3]uint16{7, 8, 9},
		Points: []Point{{X: 5}, {Y: 6}},
		Lookup: map[string]int{"a": 1, "b": 2},
		Nested: map[int64][]string{-1: {"x"}, 2: {"y", "z"}},
		MaybeI: ptr(42),
		MaybeS: ptr(""),
		Grid:   [][]uint8{{1}, {2, 3}},
	}

	data, err := Marshal(&in, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Everything](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(&in, got)

	again, err := Marshal(got, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(data, again, "equal graphs encode to equal bytes")
}

func (s *RoundTripSuite) TestNilRoot() {
	data, err := Marshal((*Node)(nil), s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{refNull}, data)

	got, err := Unmarshal[*Node](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Nil(got)
}

func (s *RoundTripSuite) TestCycle() {
	a := &Node{Name: "a"}
	b := &Node{Name: "b", Next: a}
	a.Next = b

	data, err := Marshal(a, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Node](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal("a", got.Name)
	s.Assert().Equal("b", got.Next.Name)
	s.Assert().Same(got, got.Next.Next)
}

func (s *RoundTripSuite) TestSelfReference() {
	n := &Node{Name: "self"}
	n.Next = n

	data, err := Marshal(n, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Node](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Same(got, got.Next)
}

func (s *RoundTripSuite) TestSharedReference() {
	shared := &Node{Name: "shared"}
	data, err := Marshal(&Pair{Left: shared, Right: shared}, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Pair](data, s.opts()...)
	s.Require().NoError(err)
	s.Require().NotNil(got.Left)
	s.Assert().Same(got.Left, got.Right)

	s.T().Run("DistinctStayDistinct", func(t *testing.T) {
		data, err := Marshal(&Pair{Left: &Node{Name: "x"}, Right: &Node{Name: "x"}}, s.opts()...)
		require.NoError(t, err)
		got, err := Unmarshal[*Pair](data, s.opts()...)
		require.NoError(t, err)
		assert.NotSame(t, got.Left, got.Right)
		assert.Equal(t, got.Left, got.Right)
	})
}

func (s *RoundTripSuite) TestPolymorphic() {
	c := &Circle{R: 2}
	in := &Drawing{
		Title:  "d",
		Shapes: []Shape{c, Square{Side: 3}, nil},
		Main:   c,
	}
	data, err := Marshal(in, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Drawing](data, s.opts()...)
	s.Require().NoError(err)
	s.Require().Len(got.Shapes, 3)
	s.Assert().Equal(c, got.Shapes[0])
	s.Assert().Equal(Square{Side: 3}, got.Shapes[1], "values stay values")
	s.Assert().Nil(got.Shapes[2])
	s.Assert().Same(got.Shapes[0].(*Circle), got.Main.(*Circle))

	s.T().Run("InterfaceRoot", func(t *testing.T) {
		data, err := Marshal(c, s.opts()...)
		require.NoError(t, err)
		shape, err := Unmarshal[Shape](data, s.opts()...)
		require.NoError(t, err)
		assert.Equal(t, c, shape)

		anything, err := UnmarshalType(data, nil, s.opts()...)
		require.NoError(t, err)
		assert.Equal(t, c, anything)
	})
}

func (s *RoundTripSuite) TestHooksRunOnce() {
	c := &Counter{N: 7}
	data, err := Marshal(&Counters{A: c, B: c}, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(1, c.encoded)

	got, err := Unmarshal[*Counters](data, s.opts()...)
	s.Require().NoError(err)
	s.Require().Same(got.A, got.B)
	s.Assert().Equal(7, got.A.N)
	s.Assert().Equal(1, got.A.decoded)
}

func (s *RoundTripSuite) TestCustomPayload() {
	in := &Palette{Name: "night", Fg: Color{1, 2, 3}, Bg: &Color{4, 5, 6}}
	data, err := Marshal(in, s.opts()...)
	s.Require().NoError(err)

	got, err := Unmarshal[*Palette](data, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(in, got)

	s.T().Run("BadPayload", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(Color{}, "Color",
			WithEncodeFunc(func(any) ([]byte, error) { return []byte{1}, nil }),
			WithDecodeFunc(func(v any, data []byte) error { return v.(*Color).UnmarshalBinary(data) })))
		data, err := Marshal(&Color{}, testOptions(t, reg)...)
		require.NoError(t, err)

		_, err = Unmarshal[*Color](data, testOptions(t, reg)...)
		require.ErrorIs(t, err, ErrCorruptData)
		assert.Contains(t, err.Error(), "color needs 3 bytes")
	})
}

func (s *RoundTripSuite) TestMemberNames() {
	in := &Drawing{Title: "named", Main: &Circle{R: 1}}
	data, err := Marshal(in, s.opts(WithMemberNames())...)
	s.Require().NoError(err)
	s.Assert().True(bytes.Contains(data, []byte("Title")))

	got, err := Unmarshal[*Drawing](data, s.opts(WithMemberNames())...)
	s.Require().NoError(err)
	s.Assert().Equal(in, got)
}

func (s *RoundTripSuite) TestOmitDefaults() {
	full, err := Marshal(Point{}, s.opts()...)
	s.Require().NoError(err)
	short, err := Marshal(Point{}, s.opts(WithOmitDefaults())...)
	s.Require().NoError(err)
	s.Assert().Len(full, 29)
	s.Assert().Len(short, 9)

	got, err := Unmarshal[Point](short, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(Point{}, got)
}

func (s *RoundTripSuite) TestMarshalTo() {
	want, err := Marshal(Point{X: 1, Y: 2}, s.opts()...)
	s.Require().NoError(err)

	buf := make([]byte, 64)
	n, err := MarshalTo(buf, Point{X: 1, Y: 2}, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(want, buf[:n])

	_, err = MarshalTo(make([]byte, 10), Point{X: 1, Y: 2}, s.opts()...)
	s.Assert().ErrorIs(err, io.ErrShortWrite)
	s.Assert().Contains(err.Error(), "need 29 bytes, have 10")

	size, err := Size(Point{X: 1, Y: 2}, s.opts()...)
	s.Require().NoError(err)
	s.Assert().Equal(len(want), size)
}

func (s *RoundTripSuite) TestStream() {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, s.opts()...)
	s.Require().NoError(err)
	s.Require().NoError(enc.Encode(Point{X: 1}))
	s.Require().NoError(enc.Encode(&Node{Name: "n"}))

	dec, err := NewDecoder(onlyReader{&buf}, s.opts()...)
	s.Require().NoError(err)

	p, err := DecodeAs[Point](dec)
	s.Require().NoError(err)
	s.Assert().Equal(Point{X: 1}, p)

	n, err := dec.Decode(reflect.TypeFor[*Node]())
	s.Require().NoError(err)
	s.Assert().Equal(&Node{Name: "n"}, n)

	_, err = dec.Decode(reflect.TypeFor[Point]())
	s.Assert().ErrorIs(err, io.EOF)
}

func (s *RoundTripSuite) TestPopulate() {
	data, err := Marshal(&Pair{Left: &Node{Name: "new-left"}, Right: &Node{Name: "new-right"}}, s.opts()...)
	s.Require().NoError(err)

	left := &Node{Name: "old-left"}
	existing := &Pair{Left: left}
	s.Require().NoError(Populate(data, existing, s.opts()...))

	s.Assert().Same(left, existing.Left, "nested pointers are refreshed in place")
	s.Assert().Equal("new-left", left.Name)
	s.Require().NotNil(existing.Right)
	s.Assert().Equal("new-right", existing.Right.Name)

	s.T().Run("Decoder", func(t *testing.T) {
		dec, err := NewDecoder(bytes.NewReader(data), s.opts()...)
		require.NoError(t, err)
		target := &Pair{}
		require.NoError(t, dec.DecodeInto(target))
		assert.Equal(t, "new-left", target.Left.Name)
	})

	s.T().Run("SharedInStreamNotMerged", func(t *testing.T) {
		shared := &Node{Name: "s"}
		data, err := Marshal(&Pair{Left: &Node{Name: "l"}, Right: &Node{Name: "r"}}, s.opts()...)
		require.NoError(t, err)
		existing := &Pair{Left: shared, Right: shared}
		require.NoError(t, Populate(data, existing, s.opts()...))
		assert.Equal(t, "l", existing.Left.Name)
		assert.Equal(t, "r", existing.Right.Name)
	})

	s.T().Run("RejectsNonPointer", func(t *testing.T) {
		assert.Error(t, Populate(data, Pair{}, s.opts()...))
		assert.Error(t, Populate(data, (*Pair)(nil), s.opts()...))
	})
}

func TestRoundTrip(t *testing.T) {
	suite.Run(t, new(RoundTripSuite))
}

// --- Schema evolution ---

type RecordV1 struct {
	ID   int    `codec:"1"`
	Name string `codec:"2"`
}

type RecordV2 struct {
	ID    int               `codec:"1"`
	Name  string            `codec:"2"`
	Foo   string            `codec:"3"`
	Tags  []string          `codec:"4"`
	Meta  map[string]Point  `codec:"5"`
	Extra *Node             `codec:"6"`
	Color Color             `codec:"7"`
	Opt   *float32          `codec:"8"`
	Any   Shape             `codec:"10"`
	Sets  map[uint8][]int16 `codec:"11"`
}

func evolutionRegistries(t *testing.T) (v1, v2 *Registry) {
	v1 = newRegistry(t, Node{}, Point{})
	require.NoError(t, v1.Register(RecordV1{}, "Record"))
	v2 = newRegistry(t, Node{}, Point{}, Circle{})
	require.NoError(t, v2.Register(RecordV2{}, "Record"))
	return v1, v2
}

func TestForwardCompatibility(t *testing.T) {
	v1, v2 := evolutionRegistries(t)
	in := &RecordV2{
		ID: 9, Name: "rec", Foo: "foo",
		Tags:  []string{"a", "b"},
		Meta:  map[string]Point{"p": {X: 1}},
		Extra: &Node{Name: "extra"},
		Color: Color{9, 9, 9},
		Opt:   ptr(float32(1.5)),
		Any:   &Circle{R: 1},
		Sets:  map[uint8][]int16{1: {1, 2}},
	}
	data, err := Marshal(in, WithRegistry(v2))
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	got, err := Unmarshal[*RecordV1](data, WithRegistry(v1), WithLogger(zap.New(core)))
	require.NoError(t, err)
	assert.Equal(t, &RecordV1{ID: 9, Name: "rec"}, got)
	assert.Equal(t, 8, logs.FilterMessage("skipping unknown member").Len())
}

func TestBackwardCompatibility(t *testing.T) {
	v1, v2 := evolutionRegistries(t)
	data, err := Marshal(&RecordV1{ID: 3, Name: "old"}, WithRegistry(v1))
	require.NoError(t, err)

	got, err := Unmarshal[*RecordV2](data, WithRegistry(v2))
	require.NoError(t, err)
	assert.Equal(t, &RecordV2{ID: 3, Name: "old"}, got)

	t.Run("PopulateKeepsMissingMembers", func(t *testing.T) {
		existing := &RecordV2{Foo: "kept", Tags: []string{"t"}}
		require.NoError(t, Populate(data, existing, WithRegistry(v2)))
		assert.Equal(t, 3, existing.ID)
		assert.Equal(t, "old", existing.Name)
		assert.Equal(t, "kept", existing.Foo)
		assert.Equal(t, []string{"t"}, existing.Tags)
	})
}

type LinkV1 struct {
	Keep *Node `codec:"9"`
}

type LinkV2 struct {
	Dropped *Node `codec:"3"`
	Keep    *Node `codec:"9"`
}

type Secret struct {
	Code string `codec:"1"`
}

func (s *Secret) Area() float64 { return 0 }

type HiddenV1 struct {
	Alias Shape `codec:"9"`
}

type HiddenV2 struct {
	Hidden *Secret `codec:"3"`
	Alias  Shape   `codec:"9"`
}

func TestSkippedObjectsStayReferenceable(t *testing.T) {
	t.Run("RegisteredType", func(t *testing.T) {
		v1 := newRegistry(t, Node{})
		require.NoError(t, v1.Register(LinkV1{}, "Link"))
		v2 := newRegistry(t, Node{})
		require.NoError(t, v2.Register(LinkV2{}, "Link"))

		n := &Node{Name: "both"}
		data, err := Marshal(&LinkV2{Dropped: n, Keep: n}, WithRegistry(v2))
		require.NoError(t, err)

		got, err := Unmarshal[*LinkV1](data, WithRegistry(v1))
		require.NoError(t, err)
		require.NotNil(t, got.Keep)
		assert.Equal(t, "both", got.Keep.Name)
	})

	t.Run("UnknownType", func(t *testing.T) {
		v1 := newRegistry(t)
		require.NoError(t, v1.Register(HiddenV1{}, "Hidden"))
		v2 := newRegistry(t, Secret{})
		require.NoError(t, v2.Register(HiddenV2{}, "Hidden"))

		sec := &Secret{Code: "x"}
		data, err := Marshal(&HiddenV2{Hidden: sec, Alias: sec}, WithRegistry(v2))
		require.NoError(t, err)

		_, err = Unmarshal[*HiddenV1](data, WithRegistry(v1))
		require.ErrorIs(t, err, ErrUnknownType)
		var ute *UnknownTypeError
		require.ErrorAs(t, err, &ute)
		assert.Equal(t, "Secret", ute.Name)
	})
}
