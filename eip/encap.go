package eip

import (
	"encoding/binary"
	"fmt"
)

// Encapsulation commands.
const (
	NOP               uint16 = 0x00
	ListServices      uint16 = 0x04
	ListIdentity      uint16 = 0x63
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
)

const (
	// HeaderSize is the fixed encapsulation header length.
	HeaderSize = 24
	// DefaultPort is the registered EtherNet/IP TCP port (0xAF12).
	DefaultPort = 44818
	// ProtocolVersion is sent with RegisterSession.
	ProtocolVersion uint16 = 1
)

// senderContext is echoed back by the target; it only helps when reading
// packet captures.
var senderContext = [8]byte{'e', 'i', 'p', 's', 'c', 'a', 'n', 0}

// Generic Ethernet/IP Encapsulation
type EipEncap struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	Context       [8]byte
	Options       uint32
	Data          []byte
}

// NewEncap fills length and context for a request.
func NewEncap(command uint16, session uint32, data []byte) EipEncap {
	return EipEncap{
		Command:       command,
		Length:        uint16(len(data)),
		SessionHandle: session,
		Context:       senderContext,
		Data:          data,
	}
}

// Convert to bytes
func (m *EipEncap) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, m.Length)
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// FrameLength returns header plus declared payload length of a frame
// whose header is in raw.
func FrameLength(raw []byte) (int, error) {
	if len(raw) < HeaderSize {
		return 0, fmt.Errorf("FrameLength: need %d header bytes, have %d", HeaderSize, len(raw))
	}
	return HeaderSize + int(binary.LittleEndian.Uint16(raw[2:4])), nil
}

// ParseEipEncap parses one complete frame.
func ParseEipEncap(raw []byte) (*EipEncap, error) {
	n, err := FrameLength(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < n {
		return nil, fmt.Errorf("ParseEipEncap: frame declares %d bytes, have %d", n, len(raw))
	}
	m := &EipEncap{
		Command:       binary.LittleEndian.Uint16(raw[0:2]),
		Length:        binary.LittleEndian.Uint16(raw[2:4]),
		SessionHandle: binary.LittleEndian.Uint32(raw[4:8]),
		Status:        binary.LittleEndian.Uint32(raw[8:12]),
		Options:       binary.LittleEndian.Uint32(raw[20:24]),
		Data:          raw[HeaderSize:n],
	}
	copy(m.Context[:], raw[12:20])
	return m, nil
}

// StatusText describes an encapsulation status.
func StatusText(status uint32) string {
	switch status {
	case 0x00:
		return "OK"
	case 0x01:
		return "invalid or unsupported command"
	case 0x02:
		return "no memory on target"
	case 0x03:
		return "malformed data in request"
	case 0x64:
		return "invalid session ID"
	case 0x65:
		return "invalid data length"
	case 0x69:
		return "unsupported protocol revision"
	}
	return fmt.Sprintf("unknown status 0x%X", status)
}

// EncapError is a reply with an unexpected command or a non-zero status.
type EncapError struct {
	Want   uint16
	Got    uint16
	Status uint32
}

func (e *EncapError) Error() string {
	if e.Want != e.Got {
		return fmt.Sprintf("encapsulation reply: expected command 0x%02X, got 0x%02X", e.Want, e.Got)
	}
	return fmt.Sprintf("encapsulation command 0x%02X: status 0x%X (%s)", e.Got, e.Status, StatusText(e.Status))
}

// Check verifies that m answers command with status OK.
func (m *EipEncap) Check(command uint16) error {
	if m.Command != command || m.Status != 0 {
		return &EncapError{Want: command, Got: m.Command, Status: m.Status}
	}
	return nil
}

// General Request/Receive data wrapper type.
type EipCommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Generate a LittleEndian encoded byte slice for RrData.
func (r *EipCommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	raw = append(raw, r.Packet...)
	return raw
}

func ParseEipCommandData(raw []byte) (*EipCommandData, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("ParseCommandData:  Raw bytes too short: Minimum 8, got %d", len(raw))
	}

	return &EipCommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
