package cip

import (
	"fmt"
)

type LogicalType byte
type LogicalFormat byte
type SegmentType byte

const (
	CipPortSegment    SegmentType = 0b000
	CipLogicalSegment SegmentType = 0b001

	CipLogicalTypeClassId     LogicalType = 0x0
	CipLogicalTypeInstanceId  LogicalType = 0b1
	CipLogicalTypeAttributeId LogicalType = 0b100

	CipLogicalFormat8bit LogicalFormat = 0b0
)

// Well-known objects addressed by unconnected requests.
const (
	ClassIdentity          byte = 0x01
	ClassMessageRouter     byte = 0x02
	ClassConnectionManager byte = 0x06
)

// EPath is an encoded path used in CIP communications.
type EPath_t []byte

type PathBuilder struct {
	err   error
	epath EPath_t
}

// A fluent-style Epath builder.
func EPath() *PathBuilder {
	return &PathBuilder{}
}

func (b *PathBuilder) add(p EPath_t, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.epath = append(b.epath, p...)
	return b
}

func (b *PathBuilder) Class(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeClassId, id), nil)
}

func (b *PathBuilder) Instance(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, id), nil)
}

func (b *PathBuilder) Attribute(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeAttributeId, id), nil)
}

// Tag appends one symbolic segment per name and one member segment per
// element index.
func (b *PathBuilder) Tag(tag ParsedTag) *PathBuilder {
	for _, seg := range tag {
		if seg.Kind == ElementSegment {
			b = b.add(memberSegment(seg.Element), nil)
		} else {
			b = b.add(symbolicSegmentAsciiExt([]byte(seg.Name)))
		}
	}
	return b
}

// Port appends a port segment with a one byte link address, e.g. the
// backplane port 1 and a slot number.
func (b *PathBuilder) Port(port, link byte) *PathBuilder {
	return b.add(EPath_t{byte(CipPortSegment)<<5 | port&0x0F, link}, nil)
}

func (b *PathBuilder) Build() (EPath_t, error) {
	if b.err != nil {
		return nil, b.err
	}

	// return a copy to avoid messing up the builder if more paths need to be added.
	out := append(EPath_t{}, b.epath...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

func (p EPath_t) WordLen() byte {
	return byte(len(p) / 2)
}

// Paths of the two objects every request goes through. Both are 8-bit
// class/instance pairs and cannot fail to build.
var (
	MessageRouterPath     = mustPath(EPath().Class(ClassMessageRouter).Instance(1))
	ConnectionManagerPath = mustPath(EPath().Class(ClassConnectionManager).Instance(1))
)

func mustPath(b *PathBuilder) EPath_t {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// logicalSegment encodes an 8-bit logical segment.
func logicalSegment(logicalType LogicalType, value byte) EPath_t {
	var head byte
	head |= (byte(CipLogicalSegment) & 0b111) << 5
	head |= (byte(logicalType) & 0b111) << 2
	head |= byte(CipLogicalFormat8bit) & 0b11
	return EPath_t{head, value}
}

// memberSegment creates a member/element segment for array indexing
func memberSegment(index uint32) EPath_t {
	if index <= 0xFF {
		return EPath_t{0x28, byte(index)}
	} else if index <= 0xFFFF {
		// 16-bit member (with pad byte for alignment)
		return EPath_t{0x29, 0x00, byte(index), byte(index >> 8)}
	}
	return EPath_t{0x2A, 0x00, byte(index), byte(index >> 8), byte(index >> 16), byte(index >> 24)}
}

func symbolicSegmentAsciiExt(symbol []byte) (EPath_t, error) {
	if len(symbol) > 255 {
		return nil, fmt.Errorf("SymbolicSegmentAsciiExt: Symbol is too long, maximum 255 bytes.")
	}
	if len(symbol) == 0 {
		return nil, fmt.Errorf("SymbolicSegmentAsciiExt: Symbol length is zero - cannot encode epath.")
	}
	out := []byte{0x91, byte(len(symbol))}
	out = append(out, symbol...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return EPath_t(out), nil
}
