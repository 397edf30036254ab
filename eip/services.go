package eip

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ServiceFlagCIP marks a ListServices entry that carries CIP over TCP.
const ServiceFlagCIP uint16 = 1 << 5

// ServiceInfo is one ListServices entry.
type ServiceInfo struct {
	TypeId  uint16
	Version uint16
	Flags   uint16
	Name    string
}

// SupportsCIP reports whether the service can encapsulate CIP PDUs.
func (s ServiceInfo) SupportsCIP() bool {
	return s.Flags&ServiceFlagCIP != 0
}

// ParseListServices decodes the payload of a ListServices reply.
func ParseListServices(data []byte) ([]ServiceInfo, error) {
	cpf, err := ParseEipCommonPacket(data)
	if err != nil {
		return nil, fmt.Errorf("ListServices: %w", err)
	}
	out := make([]ServiceInfo, 0, len(cpf.Items))
	for i, item := range cpf.Items {
		if len(item.Data) < 4+16 {
			return nil, fmt.Errorf("ListServices: item %d is %d bytes", i, len(item.Data))
		}
		out = append(out, ServiceInfo{
			TypeId:  item.TypeId,
			Version: binary.LittleEndian.Uint16(item.Data[0:2]),
			Flags:   binary.LittleEndian.Uint16(item.Data[2:4]),
			Name:    strings.TrimRight(string(item.Data[4:20]), "\x00"),
		})
	}
	return out, nil
}

// ListServicesData encodes entries the way a target answers ListServices.
func ListServicesData(services ...ServiceInfo) []byte {
	cpf := EipCommonPacket{}
	for _, s := range services {
		data := binary.LittleEndian.AppendUint16(nil, s.Version)
		data = binary.LittleEndian.AppendUint16(data, s.Flags)
		var name [16]byte
		copy(name[:], s.Name)
		data = append(data, name[:]...)
		cpf.Items = append(cpf.Items, EipCommonPacketItem{TypeId: s.TypeId, Length: uint16(len(data)), Data: data})
	}
	return cpf.Bytes()
}

// RegisterSessionData is the RegisterSession payload: version and options.
func RegisterSessionData() []byte {
	return binary.LittleEndian.AppendUint16(binary.LittleEndian.AppendUint16(nil, ProtocolVersion), 0)
}
