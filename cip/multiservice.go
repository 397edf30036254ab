package cip

import (
	"fmt"
)

// MultiRequestSize is the size of a Multiple Service Packet request for
// count sub-requests totalling requestsSize bytes.
func MultiRequestSize(count, requestsSize int) int {
	return RequestSize(len(MessageRouterPath), 2+2*count+requestsSize)
}

// MultiResponseSize is the size of the matching reply for count
// sub-replies totalling responsesSize bytes.
func MultiResponseSize(count, responsesSize int) int {
	return 4 + 2 + 2*count + responsesSize
}

// MultiRequestBuilder assembles a Multiple Service Packet. Sub-requests
// must be added in order: each offset is derived from the one before.
type MultiRequestBuilder struct {
	buf   []byte
	base  int // index of the count field
	count int
	added int
}

// NewMultiRequest prepares the header for count sub-requests. Only the
// first offset is known up front, the rest stay zero until Add fills them.
func NewMultiRequest(count int) *MultiRequestBuilder {
	m := &MultiRequestBuilder{count: count}
	m.buf = append(m.buf, SvcMultipleService, MessageRouterPath.WordLen())
	m.buf = append(m.buf, MessageRouterPath...)
	m.base = len(m.buf)
	m.buf = AppendUINT(m.buf, uint16(count))
	m.buf = AppendUINT(m.buf, uint16((count+1)*2))
	for i := 1; i < count; i++ {
		m.buf = AppendUINT(m.buf, 0)
	}
	return m
}

func (m *MultiRequestBuilder) offset(i int) int {
	return int(UINT(m.buf[m.base+2+2*i:]))
}

// Add appends the next sub-request and fixes up the offset of the one
// after it.
func (m *MultiRequestBuilder) Add(r Request) error {
	i := m.added
	if i >= m.count {
		return fmt.Errorf("MultipleService: item #%d > count (%d)", i, m.count)
	}
	off := m.offset(i)
	if off == 0 || m.base+off != len(m.buf) {
		return fmt.Errorf("MultipleService: item #%d not added in order", i)
	}
	m.buf = r.AppendTo(m.buf)
	if i+1 < m.count {
		PutUINT(m.buf[m.base+2+2*(i+1):], uint16(off+r.Size()))
	}
	m.added++
	return nil
}

// Bytes returns the finished request.
func (m *MultiRequestBuilder) Bytes() ([]byte, error) {
	if m.added != m.count {
		return nil, fmt.Errorf("MultipleService: %d of %d items added", m.added, m.count)
	}
	return m.buf, nil
}

// BuildMultipleServiceRequest builds a Multiple Service Packet request.
func BuildMultipleServiceRequest(requests []Request) ([]byte, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("MultipleService: no requests provided")
	}
	m := NewMultiRequest(len(requests))
	for _, r := range requests {
		if err := m.Add(r); err != nil {
			return nil, err
		}
	}
	return m.Bytes()
}

// splitOffsets cuts the block that starts at the count field into its
// items. The last item runs to the end of the block.
func splitOffsets(block []byte) ([][]byte, error) {
	if len(block) < 2 {
		return nil, fmt.Errorf("MultipleService: too short: %d bytes", len(block))
	}
	count := int(UINT(block))
	if len(block) < 2+2*count {
		return nil, fmt.Errorf("MultipleService: too short for %d items", count)
	}
	items := make([][]byte, count)
	for i := 0; i < count; i++ {
		start := int(UINT(block[2+2*i:]))
		end := len(block)
		if i+1 < count {
			end = int(UINT(block[2+2*(i+1):]))
		}
		if start < 2+2*count || start > end || end > len(block) {
			return nil, fmt.Errorf("MultipleService: item #%d has bad offsets %d..%d", i, start, end)
		}
		items[i] = block[start:end]
	}
	return items, nil
}

// SplitMultipleServiceRequest recovers the raw sub-requests of a Multiple
// Service Packet request.
func SplitMultipleServiceRequest(raw []byte) ([][]byte, error) {
	if len(raw) < 2 || raw[0] != SvcMultipleService {
		return nil, fmt.Errorf("MultipleService: not a multiple service request")
	}
	start := 2 + 2*int(raw[1])
	if start > len(raw) {
		return nil, fmt.Errorf("MultipleService: path overruns request")
	}
	return splitOffsets(raw[start:])
}

// MultiResponse is a parsed Multiple Service Packet reply.
type MultiResponse struct {
	*Response
	Replies [][]byte
}

// ParseMultiResponse parses the reply header and, when the status allows
// it, the sub-replies. A non-zero general status is reported by Err, with
// Replies still filled in for diagnostics when the body is intact.
func ParseMultiResponse(raw []byte) (*MultiResponse, error) {
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.ReplyService != SvcMultipleService|ReplyFlag {
		return &MultiResponse{Response: resp}, fmt.Errorf("%w: expected %s, got %s", ErrServiceMismatch,
			ServiceName(SvcMultipleService|ReplyFlag), ServiceName(resp.ReplyService))
	}
	m := &MultiResponse{Response: resp}
	if len(resp.Data) == 0 {
		return m, nil
	}
	m.Replies, err = splitOffsets(resp.Data)
	if err != nil && resp.GeneralStatus == StatusSuccess {
		return nil, err
	}
	return m, nil
}

// Reply returns sub-reply i.
func (m *MultiResponse) Reply(i int) ([]byte, error) {
	if i < 0 || i >= len(m.Replies) {
		return nil, fmt.Errorf("MultipleService: no reply #%d of %d", i, len(m.Replies))
	}
	return m.Replies[i], nil
}

// Describe lists each sub-reply's service and status, one line each.
func (m *MultiResponse) Describe() []string {
	out := make([]string, 0, len(m.Replies))
	for i, r := range m.Replies {
		if len(r) < 4 {
			out = append(out, fmt.Sprintf("%d) empty", i))
			continue
		}
		out = append(out, fmt.Sprintf("%d) %s, status 0x%02X (%s)", i, ServiceName(r[0]), r[2], StatusText(r[2])))
	}
	return out
}

// Marshal encodes a response, used by simulated controllers.
func (r Response) Marshal() []byte {
	out := []byte{r.ReplyService, 0, r.GeneralStatus, byte(len(r.AdditionalStatus))}
	for _, s := range r.AdditionalStatus {
		out = AppendUINT(out, s)
	}
	return append(out, r.Data...)
}

// BuildMultipleServiceResponse wraps encoded sub-replies in a Multiple
// Service Packet reply.
func BuildMultipleServiceResponse(status byte, replies [][]byte) []byte {
	body := AppendUINT(nil, uint16(len(replies)))
	off := 2 + 2*len(replies)
	for _, r := range replies {
		body = AppendUINT(body, uint16(off))
		off += len(r)
	}
	for _, r := range replies {
		body = append(body, r...)
	}
	return Response{ReplyService: SvcMultipleService | ReplyFlag, GeneralStatus: status, Data: body}.Marshal()
}
