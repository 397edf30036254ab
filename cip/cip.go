package cip

import (
	"errors"
	"fmt"
)

// ErrServiceMismatch is returned when a reply answers a different service.
var ErrServiceMismatch = errors.New("reply service does not match request")

// Request is a Message Router request: service, path size in words, path
// and service data.
type Request struct {
	Service byte
	Path    EPath_t
	Data    []byte
}

// RequestSize is the encoded size of a request with the given path and data.
func RequestSize(pathBytes, dataBytes int) int {
	return 2 + pathBytes + dataBytes
}

func (r Request) Size() int {
	return RequestSize(len(r.Path), len(r.Data))
}

func (r Request) Marshal() []byte {
	return r.AppendTo(make([]byte, 0, r.Size()))
}

func (r Request) AppendTo(out []byte) []byte {
	out = append(out, r.Service)
	out = append(out, r.Path.WordLen())
	out = append(out, r.Path...)
	out = append(out, r.Data...)
	return out
}

// Response is a Message Router response.
type Response struct {
	ReplyService     byte
	GeneralStatus    byte
	AdditionalStatus []uint16
	Data             []byte
}

// ParseResponse splits reply service, status, extended status words and
// the remaining data.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("MR response too short: %d bytes", len(raw))
	}
	ext := int(raw[3])
	if len(raw) < 4+2*ext {
		return nil, fmt.Errorf("MR response too short for %d extended status words", ext)
	}
	resp := &Response{
		ReplyService:  raw[0],
		GeneralStatus: raw[2],
		Data:          raw[4+2*ext:],
	}
	for i := 0; i < ext; i++ {
		resp.AdditionalStatus = append(resp.AdditionalStatus, UINT(raw[4+2*i:]))
	}
	return resp, nil
}

// Err reports a non-zero general status as a *StatusError.
func (r *Response) Err() error {
	if r.GeneralStatus == StatusSuccess {
		return nil
	}
	return &StatusError{Service: r.ReplyService, Status: r.GeneralStatus, ExtStatus: r.AdditionalStatus}
}

// Check verifies that this answers service (the reply flag is not
// required) and that the status is success.
func (r *Response) Check(service byte) error {
	if r.ReplyService&^ReplyFlag != service {
		return fmt.Errorf("%w: expected %s, got %s", ErrServiceMismatch,
			ServiceName(service|ReplyFlag), ServiceName(r.ReplyService))
	}
	return r.Err()
}
