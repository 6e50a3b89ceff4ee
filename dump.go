package objcodec

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dump writes an indented, human-readable rendering of an encoded stream to
// w. It needs no registered types, which makes it useful for inspecting data
// written by another program.
//
//	Point {
//	  1 (int64): 3
//	  2 (int64): 4
//	}
func Dump(w io.Writer, data []byte, opts ...Option) error {
	bw, err := NewWriter(w)
	if err != nil {
		return err
	}
	p := &printer{w: bw}
	if err := Walk(data, p, opts...); err != nil {
		return err
	}
	_, err = bw.Result()
	return err
}

// printer is the Visitor behind Dump.
type printer struct {
	w      *Writer
	indent int
	label  string
}

var _ Visitor = (*printer)(nil)

func (p *printer) line(s string) error {
	_, _ = p.w.WriteString(strings.Repeat("  ", p.indent))
	_, _ = p.w.WriteString(p.label)
	p.label = ""
	_, _ = p.w.WriteString(s)
	return p.w.WriteByte('\n')
}

func (p *printer) VisitObjectStart(id uint64, typeName string) error {
	defer func() { p.indent++ }()
	if id == 0 {
		return p.line(typeName + " {")
	}
	return p.line(fmt.Sprintf("%s #%d {", typeName, id))
}

func (p *printer) VisitObjectEnd(string) error {
	p.indent--
	return p.line("}")
}

func (p *printer) VisitMember(tag uint64, name string, wire WireType) error {
	if name == "" {
		name = strconv.FormatUint(tag, 10)
	}
	p.label = name + " (" + wire.String() + "): "
	return nil
}

func (p *printer) VisitValue(wire WireType, v any) error {
	switch x := v.(type) {
	case string:
		return p.line(strconv.Quote(x))
	case []byte:
		return p.line(fmt.Sprintf("0x%x", x))
	}
	return p.line(fmt.Sprint(v))
}

func (p *printer) VisitNull() error { return p.line("null") }

func (p *printer) VisitBackRef(id uint64) error { return p.line(fmt.Sprintf("-> #%d", id)) }

func (p *printer) VisitSequenceStart(wire WireType, n int) error {
	defer func() { p.indent++ }()
	return p.line(fmt.Sprintf("%s[%d] [", wire, n))
}

func (p *printer) VisitSequenceEnd(WireType) error {
	p.indent--
	return p.line("]")
}
