package cip

import (
	"fmt"
)

// Identity object attributes read after connecting.
const (
	AttrVendorID    byte = 1
	AttrDeviceType  byte = 2
	AttrRevision    byte = 4
	AttrSerial      byte = 6
	AttrProductName byte = 7
)

// IdentityAttributes lists the attributes Identity.Set understands.
var IdentityAttributes = []byte{AttrVendorID, AttrDeviceType, AttrRevision, AttrSerial, AttrProductName}

// Identity describes the device answering on a connection.
type Identity struct {
	VendorID    uint16
	DeviceType  uint16
	Major       uint8
	Minor       uint8
	Serial      uint32
	ProductName string
}

// GetAttributeSingle builds a request for one attribute of class/instance.
func GetAttributeSingle(class, instance, attr byte) (Request, error) {
	path, err := EPath().Class(class).Instance(instance).Attribute(attr).Build()
	if err != nil {
		return Request{}, err
	}
	return Request{Service: SvcGetAttributeSingle, Path: path}, nil
}

// Set stores the value of one identity attribute from reply data.
func (id *Identity) Set(attr byte, data []byte) error {
	short := func(n int) error {
		if len(data) < n {
			return fmt.Errorf("identity attribute %d: %d bytes, need %d", attr, len(data), n)
		}
		return nil
	}
	switch attr {
	case AttrVendorID:
		if err := short(2); err != nil {
			return err
		}
		id.VendorID = UINT(data)
	case AttrDeviceType:
		if err := short(2); err != nil {
			return err
		}
		id.DeviceType = UINT(data)
	case AttrRevision:
		if err := short(2); err != nil {
			return err
		}
		id.Major, id.Minor = data[0], data[1]
	case AttrSerial:
		if err := short(4); err != nil {
			return err
		}
		id.Serial = UDINT(data)
	case AttrProductName:
		if err := short(1); err != nil {
			return err
		}
		n := int(data[0])
		if err := short(1 + n); err != nil {
			return err
		}
		id.ProductName = string(data[1 : 1+n])
	default:
		return fmt.Errorf("identity attribute %d not supported", attr)
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (vendor 0x%04X, type 0x%04X, rev %d.%d, serial 0x%08X)",
		id.ProductName, id.VendorID, id.DeviceType, id.Major, id.Minor, id.Serial)
}
