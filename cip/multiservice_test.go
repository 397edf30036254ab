package cip

import (
	"bytes"
	"testing"
)

func makeRequest(service byte, dataLen int) Request {
	data := make([]byte, dataLen)
	for i := range data {
		data[i] = byte(i + 1)
	}
	return Request{Service: service, Path: EPath_t{0x91, 1, 'A', 0}, Data: data}
}

func TestMultiRequestOffsets(t *testing.T) {
	for _, sizes := range [][]int{{0}, {2, 5}, {1, 2, 3, 4, 5}, {0, 0, 0}, {40, 1, 17}} {
		var reqs []Request
		total := 0
		for i, n := range sizes {
			r := makeRequest(SvcReadData+byte(i%2), n)
			reqs = append(reqs, r)
			total += r.Size()
		}

		raw, err := BuildMultipleServiceRequest(reqs)
		if err != nil {
			t.Fatal(err)
		}
		if len(raw) != MultiRequestSize(len(reqs), total) {
			t.Errorf("sizes %v: built %d bytes, MultiRequestSize %d", sizes, len(raw), MultiRequestSize(len(reqs), total))
		}

		items, err := SplitMultipleServiceRequest(raw)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != len(reqs) {
			t.Fatalf("sizes %v: split into %d items", sizes, len(items))
		}
		for i, r := range reqs {
			if !bytes.Equal(items[i], r.Marshal()) {
				t.Errorf("sizes %v: item %d = % X, want % X", sizes, i, items[i], r.Marshal())
			}
		}
	}
}

func TestMultiRequestHeader(t *testing.T) {
	m := NewMultiRequest(2)
	if err := m.Add(makeRequest(SvcReadData, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Bytes(); err == nil {
		t.Error("Bytes before all items were added should fail")
	}
	if err := m.Add(makeRequest(SvcReadData, 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(makeRequest(SvcReadData, 2)); err == nil {
		t.Error("adding more items than count should fail")
	}
	raw, _ := m.Bytes()
	want := []byte{0x0A, 0x02, 0x20, 0x02, 0x24, 0x01, 0x02, 0x00, 0x06, 0x00, 0x0E, 0x00}
	if !bytes.Equal(raw[:len(want)], want) {
		t.Errorf("header = % X, want % X", raw[:len(want)], want)
	}
}

func TestParseMultiResponse(t *testing.T) {
	read := Response{ReplyService: SvcReadData | ReplyFlag, Data: []byte{0xC4, 0x00, 0x2A, 0, 0, 0}}.Marshal()
	write := Response{ReplyService: SvcWriteData | ReplyFlag}.Marshal()
	failed := Response{ReplyService: SvcReadData | ReplyFlag, GeneralStatus: StatusPathSegmentError}.Marshal()

	raw := BuildMultipleServiceResponse(StatusSuccess, [][]byte{read, write})
	if len(raw) != MultiResponseSize(2, len(read)+len(write)) {
		t.Errorf("response is %d bytes, MultiResponseSize %d", len(raw), MultiResponseSize(2, len(read)+len(write)))
	}
	m, err := ParseMultiResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Err() != nil {
		t.Fatal(m.Err())
	}
	r0, _ := m.Reply(0)
	data, err := ReadResponseData(r0)
	if err != nil || !bytes.Equal(data, []byte{0xC4, 0x00, 0x2A, 0, 0, 0}) {
		t.Errorf("reply 0 data = % X, %v", data, err)
	}
	r1, _ := m.Reply(1)
	if err := CheckWriteResponse(r1); err != nil {
		t.Errorf("reply 1: %v", err)
	}
	if _, err := m.Reply(2); err == nil {
		t.Error("expected error for missing reply")
	}

	raw = BuildMultipleServiceResponse(StatusEmbeddedFailure, [][]byte{read, failed})
	m, err = ParseMultiResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Err() == nil {
		t.Error("expected general status error")
	}
	lines := m.Describe()
	if len(lines) != 2 {
		t.Fatalf("Describe() = %v", lines)
	}

	if _, err := ParseMultiResponse(read); err == nil {
		t.Error("expected service mismatch for a plain read reply")
	}
}

func TestReadWriteSizes(t *testing.T) {
	tag := MustParseTag("Line.Speed[4]")
	req, err := ReadRequest(tag, 3)
	if err != nil {
		t.Fatal(err)
	}
	if req.Size() != ReadRequestSize(tag) {
		t.Errorf("read request %d bytes, ReadRequestSize %d", req.Size(), ReadRequestSize(tag))
	}

	typed, _ := Encode(Real(1), Real(2), Real(3))
	readResponse := 4 + len(typed)
	w, err := WriteRequest(tag, 3, typed)
	if err != nil {
		t.Fatal(err)
	}
	if w.Size() != WriteRequestSize(tag, len(typed)) {
		t.Errorf("write request %d bytes, WriteRequestSize %d", w.Size(), WriteRequestSize(tag, len(typed)))
	}
	// The scanner derives write sizes from the measured read sizes.
	if w.Size() != ReadRequestSize(tag)+readResponse-4 {
		t.Errorf("write request %d bytes, derived %d", w.Size(), ReadRequestSize(tag)+readResponse-4)
	}
	if UINT(w.Data[2:]) != 3 {
		t.Errorf("element count = %d", UINT(w.Data[2:]))
	}
}
