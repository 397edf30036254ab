package cip

import "fmt"

// Services used by the scanner.
const (
	SvcGetAttributeAll    byte = 0x01
	SvcGetAttributeSingle byte = 0x0E
	SvcMultipleService    byte = 0x0A
	SvcReadData           byte = 0x4C
	SvcWriteData          byte = 0x4D
	SvcUnconnectedSend    byte = 0x52
	SvcForwardOpen        byte = 0x54

	// ReplyFlag is set on the service code of every reply.
	ReplyFlag byte = 0x80
)

// General status codes.
const (
	StatusSuccess           byte = 0x00
	StatusConnectionFailure byte = 0x01
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusNotEnoughData     byte = 0x13
	StatusTooMuchData       byte = 0x15
	StatusEmbeddedFailure   byte = 0x1E
	StatusGeneralError      byte = 0xFF
)

// Extended status codes seen on tag access and unconnected routing.
const (
	ExtStatusIllegalType     uint16 = 0x2101
	ExtStatusTagNotFound     uint16 = 0x2104
	ExtStatusTagReadOnly     uint16 = 0x2105
	ExtStatusSizeTooSmall    uint16 = 0x2107
	ExtStatusSizeTooLarge    uint16 = 0x2108
	ExtStatusOffsetError     uint16 = 0x2109
	ExtStatusNoConnection    uint16 = 0x0107
	ExtStatusSendTimedOut    uint16 = 0x0204
	ExtStatusLinkNotFound    uint16 = 0x0312
	ExtStatusExtendedLinkErr uint16 = 0xFF00
)

func ServiceName(service byte) string {
	var name string
	switch service &^ ReplyFlag {
	case SvcGetAttributeAll:
		name = "Get_Attribute_All"
	case SvcGetAttributeSingle:
		name = "Get_Attribute_Single"
	case SvcMultipleService:
		name = "Multiple_Service_Packet"
	case SvcReadData:
		name = "Read_Tag"
	case SvcWriteData:
		name = "Write_Tag"
	case SvcUnconnectedSend:
		name = "Unconnected_Send"
	case SvcForwardOpen:
		name = "Forward_Open"
	default:
		return fmt.Sprintf("Service 0x%02X", service)
	}
	if service&ReplyFlag != 0 {
		return name + "-Reply"
	}
	return name
}

func StatusText(status byte) string {
	switch status {
	case StatusSuccess:
		return "Success"
	case StatusConnectionFailure:
		return "Connection Failure (see extended status)"
	case 0x02:
		return "Resource Unavailable"
	case 0x03:
		return "Invalid Parameter"
	case StatusPathSegmentError:
		return "Unknown Tag or Path Segment Error"
	case StatusPathUnknown:
		return "Instance Not Found"
	case StatusPartialTransfer:
		return "Buffer Too Small, Partial Data Only"
	case 0x07:
		return "Connection Lost"
	case StatusServiceNotSupport:
		return "Service Not Supported"
	case 0x09:
		return "Invalid Attribute Value"
	case 0x0C:
		return "Object State Conflict"
	case 0x0E:
		return "Attribute Not Settable"
	case 0x0F:
		return "Privilege Violation"
	case 0x10:
		return "Device State Conflict"
	case 0x11:
		return "Reply Data Too Large"
	case StatusNotEnoughData:
		return "Not Enough Data"
	case 0x14:
		return "Attribute Not Supported"
	case StatusTooMuchData:
		return "Too Much Data"
	case 0x16:
		return "Object Does Not Exist"
	case StatusEmbeddedFailure:
		return "Embedded Service Error"
	case 0x20:
		return "Invalid Parameter Type"
	case 0x26:
		return "Invalid Path Size"
	case StatusGeneralError:
		return "General Error"
	default:
		return fmt.Sprintf("Status 0x%02X", status)
	}
}

func ExtStatusText(ext uint16) string {
	switch ext {
	case ExtStatusIllegalType:
		return "Illegal Data Type"
	case ExtStatusTagNotFound:
		return "Tag Not Found"
	case ExtStatusTagReadOnly:
		return "Tag Read Only"
	case ExtStatusSizeTooSmall:
		return "Size Too Small"
	case ExtStatusSizeTooLarge:
		return "Size Too Large"
	case ExtStatusOffsetError:
		return "Offset Out of Range"
	case 0x0100:
		return "Connection In Use"
	case ExtStatusNoConnection:
		return "Connection Not Found"
	case 0x0110:
		return "Module Not Found"
	case 0x0203:
		return "Connection Timed Out"
	case ExtStatusSendTimedOut:
		return "Unconnected Send Timed Out, No Module in Slot?"
	case 0x0205:
		return "Parameter Error"
	case 0x0311:
		return "Invalid Port"
	case ExtStatusLinkNotFound:
		return "Link Not Found, No Module in Slot?"
	case ExtStatusExtendedLinkErr:
		return "Extended Link Error"
	default:
		return fmt.Sprintf("Extended Status 0x%04X", ext)
	}
}

// StatusError is a non-zero general status in a reply.
type StatusError struct {
	Service   byte
	Status    byte
	ExtStatus []uint16
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: status 0x%02X (%s)", ServiceName(e.Service), e.Status, StatusText(e.Status))
	for _, ext := range e.ExtStatus {
		msg += fmt.Sprintf(", ext 0x%04X (%s)", ext, ExtStatusText(ext))
	}
	return msg
}
