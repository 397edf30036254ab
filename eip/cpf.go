package eip

// Code related to the CommonPacket Format for EIP per ODVA v1.4

import (
	"encoding/binary"
	"fmt"
)

const (
	CpfAddressNullId          uint16 = 0x00
	CpfUnconnectedMessageId   uint16 = 0xB2
	CpfListServicesResponseId uint16 = 0x100
)

// Cpf consists of a wrapper for data items.
type EipCommonPacket struct {
	Items []EipCommonPacketItem
}

// Common Packet Item format used for Data and Address items.
type EipCommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// UnconnectedPacket wraps a message in a null address item and an
// unconnected data item.
func UnconnectedPacket(msg []byte) EipCommonPacket {
	return EipCommonPacket{Items: []EipCommonPacketItem{
		{TypeId: CpfAddressNullId},
		{TypeId: CpfUnconnectedMessageId, Length: uint16(len(msg)), Data: msg},
	}}
}

// UnconnectedData returns the payload of the unconnected data item.
func (p *EipCommonPacket) UnconnectedData() ([]byte, error) {
	if len(p.Items) != 2 || p.Items[0].TypeId != CpfAddressNullId {
		return nil, fmt.Errorf("UnconnectedData: expected null address and data item, got %d items", len(p.Items))
	}
	if p.Items[1].TypeId != CpfUnconnectedMessageId {
		return nil, fmt.Errorf("UnconnectedData: data item type 0x%04X", p.Items[1].TypeId)
	}
	return p.Items[1].Data, nil
}

// Generate a Little-Endian Encoded byte representation of the CommonPacket.
func (p *EipCommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, value := range p.Items {
		raw = append(raw, value.Bytes()...)
	}
	return raw
}

// Generate a Little-Endian encoded byte representation of the CommonPacketItem.
func (item *EipCommonPacketItem) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, item.Length)
	raw = append(raw, item.Data...)
	return raw
}

// Parses and returns a list of CommonPacketItems from a raw byte stream.
func ParseEipCommonPacket(raw []byte) (*EipCommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseEipCommonPacket:  Raw bytes too short: Minimum 2, got %d", len(raw))
	}

	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	var items []EipCommonPacketItem
	for i := uint16(0); i < itemCount; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseEipCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		typeId := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := 4 + int(length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseEipCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}

		items = append(items, EipCommonPacketItem{TypeId: typeId, Length: length, Data: raw[4:need]})
		raw = raw[need:]
	}

	return &EipCommonPacket{Items: items}, nil
}

// RRDataSize is the SendRRData payload size around a message of msgSize:
// interface handle, timeout, item count and the two item headers.
func RRDataSize(msgSize int) int {
	return 4 + 2 + 2 + 4 + 4 + msgSize
}
