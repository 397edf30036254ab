package plcman

import "fmt"

// DataBuffer holds a tag's typed data: the abbreviated type followed by
// the raw elements. Its capacity only grows; Valid is the number of bytes
// that are current, 0 meaning stale.
type DataBuffer struct {
	data  []byte
	valid int
}

// Reserve makes room for n bytes. Existing contents are not kept when the
// buffer grows. It returns whether the buffer grew.
func (b *DataBuffer) Reserve(n int, max int) (grew bool, err error) {
	if n <= len(b.data) {
		return false, nil
	}
	if n >= max {
		return false, fmt.Errorf("data size of %d bytes exceeds the %d byte buffer", n, max)
	}
	b.data = make([]byte, n)
	b.valid = 0
	return true, nil
}

// Cap is the reserved size.
func (b *DataBuffer) Cap() int { return len(b.data) }

// Valid is the number of current bytes.
func (b *DataBuffer) Valid() int { return b.valid }

// Bytes returns the current bytes, nil when stale.
func (b *DataBuffer) Bytes() []byte {
	if b.valid == 0 {
		return nil
	}
	return b.data[:b.valid]
}

// Store copies data in and marks it valid. The buffer must have been
// reserved.
func (b *DataBuffer) Store(data []byte) {
	b.valid = copy(b.data, data)
}

// Invalidate marks the contents stale without releasing them.
func (b *DataBuffer) Invalidate() { b.valid = 0 }
