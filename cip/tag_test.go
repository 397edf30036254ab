package cip

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseTagRoundTrip(t *testing.T) {
	tags := []string{
		"Temp",
		"Counter[0]",
		"Recipe.Step[3].Name",
		"Program:MainProgram.Motor.Speed",
		"Grid[1][2]",
		"Big[65535]",
		"Huge[65536].x",
		"a.b.c.d",
	}
	for _, s := range tags {
		t.Run(s, func(t *testing.T) {
			p, err := ParseTag(s)
			if err != nil {
				t.Fatalf("ParseTag: %v", err)
			}
			if got := p.String(); got != s {
				t.Errorf("String() = %q, want %q", got, s)
			}
		})
	}
}

func TestParseTagSegments(t *testing.T) {
	p, err := ParseTag("Recipe.Step[3].Name")
	if err != nil {
		t.Fatal(err)
	}
	want := ParsedTag{
		{Kind: NameSegment, Name: "Recipe"},
		{Kind: NameSegment, Name: "Step"},
		{Kind: ElementSegment, Element: 3},
		{Kind: NameSegment, Name: "Name"},
	}
	if len(p) != len(want) {
		t.Fatalf("got %d segments, want %d", len(p), len(want))
	}
	for i := range want {
		if p[i] != want[i] {
			t.Errorf("segment %d: got %+v, want %+v", i, p[i], want[i])
		}
	}
}

func TestParseTagErrors(t *testing.T) {
	bad := []string{"", ".x", "x.", "x..y", "x[", "x[]", "x[a]", "x[-1]", "[1]", "x]", "x[1]y", "x[4294967296]", "a[007]", "x[00]"}
	for _, s := range bad {
		_, err := ParseTag(s)
		var perr *TagParseError
		if !errors.As(err, &perr) {
			t.Errorf("ParseTag(%q): expected *TagParseError, got %v", s, err)
		}
	}
}

func TestTagPathEncoding(t *testing.T) {
	tests := []struct {
		tag  string
		want []byte
	}{
		{"Temp", []byte{0x91, 4, 'T', 'e', 'm', 'p'}},
		{"Abc", []byte{0x91, 3, 'A', 'b', 'c', 0}},
		{"X[7]", []byte{0x91, 1, 'X', 0, 0x28, 7}},
		{"X[300]", []byte{0x91, 1, 'X', 0, 0x29, 0, 0x2C, 0x01}},
		{"X[70000]", []byte{0x91, 1, 'X', 0, 0x2A, 0, 0x70, 0x11, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			p := MustParseTag(tt.tag)
			path, err := p.Path()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(path, tt.want) {
				t.Errorf("path = % X, want % X", []byte(path), tt.want)
			}
			if p.PathSize() != len(path) {
				t.Errorf("PathSize() = %d, encoded %d", p.PathSize(), len(path))
			}
			back, err := DecodeTagPath(path)
			if err != nil {
				t.Fatal(err)
			}
			if back.String() != tt.tag {
				t.Errorf("decoded %q, want %q", back.String(), tt.tag)
			}
		})
	}
}

func TestWellKnownPaths(t *testing.T) {
	if !bytes.Equal(MessageRouterPath, []byte{0x20, 0x02, 0x24, 0x01}) {
		t.Errorf("message router path % X", []byte(MessageRouterPath))
	}
	if !bytes.Equal(ConnectionManagerPath, []byte{0x20, 0x06, 0x24, 0x01}) {
		t.Errorf("connection manager path % X", []byte(ConnectionManagerPath))
	}
}
