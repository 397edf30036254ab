package cip

import "fmt"

// WriteResponseSize is the size of a Write_Tag acknowledgement: a bare
// MR response header.
const WriteResponseSize = 4

// ReadRequestSize returns the exact size of a Read_Tag request for tag.
func ReadRequestSize(tag ParsedTag) int {
	return RequestSize(tag.PathSize(), 2)
}

// ReadRequest builds Read_Tag for elements elements of tag.
func ReadRequest(tag ParsedTag, elements uint16) (Request, error) {
	path, err := tag.Path()
	if err != nil {
		return Request{}, err
	}
	return Request{Service: SvcReadData, Path: path, Data: AppendUINT(nil, elements)}, nil
}

// ReadResponseData checks a Read_Tag reply and returns its typed data
// (abbreviated type followed by the elements).
func ReadResponseData(raw []byte) ([]byte, error) {
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.Check(SvcReadData); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteRequestSize returns the exact size of a Write_Tag request carrying
// typedBytes of typed data.
func WriteRequestSize(tag ParsedTag, typedBytes int) int {
	return RequestSize(tag.PathSize(), typedBytes+2)
}

// WriteRequest builds Write_Tag from typed data as returned by a read.
// The type header is sent unchanged, followed by the element count and
// the raw elements.
func WriteRequest(tag ParsedTag, elements uint16, typed []byte) (Request, error) {
	_, hdr, err := TypeHeader(typed)
	if err != nil {
		return Request{}, fmt.Errorf("WriteRequest %s: %w", tag, err)
	}
	path, err := tag.Path()
	if err != nil {
		return Request{}, err
	}
	data := make([]byte, 0, len(typed)+2)
	data = append(data, typed[:hdr]...)
	data = AppendUINT(data, elements)
	data = append(data, typed[hdr:]...)
	return Request{Service: SvcWriteData, Path: path, Data: data}, nil
}

// CheckWriteResponse verifies a Write_Tag acknowledgement.
func CheckWriteResponse(raw []byte) error {
	resp, err := ParseResponse(raw)
	if err != nil {
		return err
	}
	return resp.Check(SvcWriteData)
}
