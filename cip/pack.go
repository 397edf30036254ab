package cip

import (
	"encoding/binary"
	"math"
)

// Elementary CIP data are little endian on the wire. The Append helpers grow a
// byte slice, the readers take a value from the front of one.

func AppendUSINT(b []byte, v uint8) []byte { return append(b, v) }

func AppendUINT(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }

func AppendUDINT(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func AppendINT(b []byte, v int16) []byte { return AppendUINT(b, uint16(v)) }

func AppendDINT(b []byte, v int32) []byte { return AppendUDINT(b, uint32(v)) }

func AppendREAL(b []byte, v float32) []byte { return AppendUDINT(b, math.Float32bits(v)) }

func USINT(b []byte) uint8 { return b[0] }

func UINT(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func UDINT(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func INT(b []byte) int16 { return int16(UINT(b)) }

func DINT(b []byte) int32 { return int32(UDINT(b)) }

func REAL(b []byte) float32 { return math.Float32frombits(UDINT(b)) }

// PutUINT, PutUDINT and PutREAL overwrite in place, used when patching
// offsets or values inside an already built buffer.
func PutUINT(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

func PutUDINT(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func PutREAL(b []byte, v float32) { PutUDINT(b, math.Float32bits(v)) }
