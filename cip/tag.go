package cip

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind distinguishes the two parts a tag path is built from.
type SegmentKind uint8

const (
	NameSegment SegmentKind = iota
	ElementSegment
)

// TagSegment is one step of a tag path: a symbol name or an array element.
type TagSegment struct {
	Kind    SegmentKind
	Name    string
	Element uint32
}

// ParsedTag is the ordered segment list of a tag string like
// "Recipe.Step[3].Name". String() renders it back unchanged.
type ParsedTag []TagSegment

// TagParseError reports a malformed tag string.
type TagParseError struct {
	Tag string
	Pos int
	Msg string
}

func (e *TagParseError) Error() string {
	return fmt.Sprintf("invalid tag %q at offset %d: %s", e.Tag, e.Pos, e.Msg)
}

// ParseTag splits identifier(.identifier | [index])* into segments.
// The colon is part of a name, so "Program:Main.Tag" has two name segments.
func ParseTag(tag string) (ParsedTag, error) {
	fail := func(pos int, msg string) (ParsedTag, error) {
		return nil, &TagParseError{Tag: tag, Pos: pos, Msg: msg}
	}
	if tag == "" {
		return fail(0, "empty tag")
	}

	var out ParsedTag
	i := 0
	expectName := true
	for i < len(tag) {
		if expectName {
			n := strings.IndexAny(tag[i:], ".[]")
			if n < 0 {
				n = len(tag) - i
			}
			if n == 0 {
				return fail(i, "expected a name")
			}
			if n > 255 {
				return fail(i, "name longer than 255 bytes")
			}
			out = append(out, TagSegment{Kind: NameSegment, Name: tag[i : i+n]})
			i += n
			expectName = false
			continue
		}

		switch tag[i] {
		case '.':
			i++
			if i == len(tag) {
				return fail(i, "trailing '.'")
			}
			expectName = true
		case '[':
			end := strings.IndexByte(tag[i:], ']')
			if end < 0 {
				return fail(i, "missing ']'")
			}
			digits := tag[i+1 : i+end]
			idx, err := strconv.ParseUint(digits, 10, 32)
			if err == nil && len(digits) > 1 && digits[0] == '0' {
				return fail(i+1, fmt.Sprintf("leading zero in element index %q", digits))
			}
			if err != nil {
				return fail(i+1, fmt.Sprintf("bad element index %q", digits))
			}
			out = append(out, TagSegment{Kind: ElementSegment, Element: uint32(idx)})
			i += end + 1
		default:
			return fail(i, fmt.Sprintf("unexpected %q", tag[i]))
		}
	}
	return out, nil
}

// MustParseTag is ParseTag for literals known to be valid.
func MustParseTag(tag string) ParsedTag {
	p, err := ParseTag(tag)
	if err != nil {
		panic(err)
	}
	return p
}

func (p ParsedTag) String() string {
	var sb strings.Builder
	for i, seg := range p {
		switch seg.Kind {
		case NameSegment:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(seg.Name)
		case ElementSegment:
			sb.WriteByte('[')
			sb.WriteString(strconv.FormatUint(uint64(seg.Element), 10))
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

// PathSize is the encoded size of the tag path in bytes, always even.
func (p ParsedTag) PathSize() int {
	n := 0
	for _, seg := range p {
		switch seg.Kind {
		case NameSegment:
			l := len(seg.Name)
			n += 2 + l + l%2
		case ElementSegment:
			switch {
			case seg.Element <= 0xFF:
				n += 2
			case seg.Element <= 0xFFFF:
				n += 4
			default:
				n += 6
			}
		}
	}
	return n
}

// Path encodes the tag as symbolic and element segments.
func (p ParsedTag) Path() (EPath_t, error) {
	return EPath().Tag(p).Build()
}

// DecodeTagPath is the inverse of ParsedTag.Path.
func DecodeTagPath(path []byte) (ParsedTag, error) {
	var out ParsedTag
	for i := 0; i < len(path); {
		switch path[i] {
		case 0x91:
			if i+2 > len(path) {
				return nil, fmt.Errorf("DecodeTagPath: truncated symbol at %d", i)
			}
			l := int(path[i+1])
			if i+2+l > len(path) {
				return nil, fmt.Errorf("DecodeTagPath: symbol length %d overruns path", l)
			}
			out = append(out, TagSegment{Kind: NameSegment, Name: string(path[i+2 : i+2+l])})
			i += 2 + l + l%2
		case 0x28:
			if i+2 > len(path) {
				return nil, fmt.Errorf("DecodeTagPath: truncated element at %d", i)
			}
			out = append(out, TagSegment{Kind: ElementSegment, Element: uint32(path[i+1])})
			i += 2
		case 0x29:
			if i+4 > len(path) {
				return nil, fmt.Errorf("DecodeTagPath: truncated element at %d", i)
			}
			out = append(out, TagSegment{Kind: ElementSegment, Element: uint32(UINT(path[i+2:]))})
			i += 4
		case 0x2A:
			if i+6 > len(path) {
				return nil, fmt.Errorf("DecodeTagPath: truncated element at %d", i)
			}
			out = append(out, TagSegment{Kind: ElementSegment, Element: UDINT(path[i+2:])})
			i += 6
		default:
			return nil, fmt.Errorf("DecodeTagPath: unsupported segment 0x%02X at %d", path[i], i)
		}
	}
	return out, nil
}
