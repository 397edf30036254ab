package plcman

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"eipscan/cip"
)

// ErrNoData is returned when a tag has no valid value yet, or lost it on
// disconnect.
var ErrNoData = errors.New("tag has no valid data")

// Callback is invoked with the tag's data lock held after new data
// arrived, a write completed or the data was invalidated. It must not
// block, and must not call back into the TagInfo or its Controller.
type Callback func(TagView)

// CallbackHandle identifies one registered callback. The same handle may
// be attached to several tags; attaching it twice to one tag is a no-op.
type CallbackHandle struct {
	ID uuid.UUID
	fn Callback
}

// NewCallbackHandle wraps fn in a new handle.
func NewCallbackHandle(fn Callback) *CallbackHandle {
	return &CallbackHandle{ID: uuid.New(), fn: fn}
}

// TagInfo is one tag of one controller.
type TagInfo struct {
	ctrl   *Controller
	list   *ScanList
	name   string
	parsed cip.ParsedTag

	// guarded by ctrl.mu
	callbacks []*CallbackHandle
	oversized bool

	mu           sync.Mutex
	elements     int
	sizeTried    bool
	rReq, rResp  int
	wReq, wResp  int
	buf          DataBuffer
	doWrite      bool
	isWriting    bool
	transferTime time.Duration
	updated      time.Time
}

func newTagInfo(ctrl *Controller, name string, parsed cip.ParsedTag, elements int) *TagInfo {
	return &TagInfo{ctrl: ctrl, name: name, parsed: parsed, elements: elements}
}

// Name is the tag string as registered.
func (t *TagInfo) Name() string { return t.name }

// Controller is the owning controller.
func (t *TagInfo) Controller() *Controller { return t.ctrl }

// Path is the parsed tag.
func (t *TagInfo) Path() cip.ParsedTag { return t.parsed }

// Elements is the element count polled.
func (t *TagInfo) Elements() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elements
}

// AddCallback registers fn and returns its handle.
func (t *TagInfo) AddCallback(fn Callback) *CallbackHandle {
	h := NewCallbackHandle(fn)
	t.Attach(h)
	return h
}

// Attach registers h unless it already is. It reports whether h was added.
func (t *TagInfo) Attach(h *CallbackHandle) bool {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	for _, cb := range t.callbacks {
		if cb == h {
			return false
		}
	}
	t.callbacks = append(t.callbacks, h)
	return true
}

// RemoveCallback unregisters h. It reports whether h was registered.
func (t *TagInfo) RemoveCallback(h *CallbackHandle) bool {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	for i, cb := range t.callbacks {
		if cb == h {
			t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// CallbackCount is the number of registered callbacks.
func (t *TagInfo) CallbackCount() int {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	return len(t.callbacks)
}

// notify runs the callbacks. Caller holds ctrl.mu and t.mu.
func (t *TagInfo) notify() {
	v := TagView{t: t}
	for _, cb := range t.callbacks {
		cb.fn(v)
	}
}

// invalidate drops the value and any pending write, so that nothing
// stale is written after a reconnect. Caller holds ctrl.mu.
func (t *TagInfo) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isWriting = false
	t.doWrite = false
	t.buf.Invalidate()
	t.notify()
}

// Valid reports whether the tag holds current data.
func (t *TagInfo) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Valid() > 0
}

// Value decodes all elements of the current value.
func (t *TagInfo) Value() ([]cip.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TagView{t: t}.Values()
}

// Float64 returns element i as a float.
func (t *TagInfo) Float64(i int) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TagView{t: t}.Float64(i)
}

// Int32 returns element i truncated to an integer.
func (t *TagInfo) Int32(i int) (int32, error) {
	f, err := t.Float64(i)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%s[%d] = %g overflows int32", t.name, i, f)
	}
	return int32(f), nil
}

// Uint32 returns element i as raw bits, as used for BITS and DINT masks.
func (t *TagInfo) Uint32(i int) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.buf.Bytes()
	if data == nil {
		return 0, ErrNoData
	}
	v, err := cip.DecodeElement(data, i)
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case cip.Bits:
		return uint32(v), nil
	case cip.Dint:
		return uint32(v), nil
	case cip.Int:
		return uint32(uint16(v)), nil
	case cip.Sint:
		return uint32(uint8(v)), nil
	case cip.Bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%s has type %s, not an integer", t.name, v.Type())
}

// Write replaces elements starting at 0 with values and requests a write
// on the next scan. The tag must hold valid data so that its type and
// size are known; values must have the tag's type.
func (t *TagInfo) Write(values ...cip.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.buf.Bytes()
	if data == nil {
		return ErrNoData
	}
	for i, v := range values {
		if err := cip.PutElement(data, i, v); err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
	}
	t.doWrite = true
	return nil
}

// WriteFloat64 converts f to the tag's type, stores it as element i and
// requests a write.
func (t *TagInfo) WriteFloat64(i int, f float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.buf.Bytes()
	if data == nil {
		return ErrNoData
	}
	typ, _, err := cip.TypeHeader(data)
	if err != nil {
		return err
	}
	v, err := cip.Convert(typ, f)
	if err != nil {
		return fmt.Errorf("write %s: %w", t.name, err)
	}
	if err := cip.PutElement(data, i, v); err != nil {
		return fmt.Errorf("write %s: %w", t.name, err)
	}
	t.doWrite = true
	return nil
}

// WritePending reports whether a write was requested or is in flight.
func (t *TagInfo) WritePending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doWrite || t.isWriting
}

// TransferTime is the duration of the last transfer that carried this tag.
func (t *TagInfo) TransferTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferTime
}

// TagView is the read-only view passed to callbacks. It reads the tag
// without locking and must not be retained after the callback returns.
type TagView struct {
	t *TagInfo
}

func (v TagView) Name() string { return v.t.name }

func (v TagView) Controller() string { return v.t.ctrl.name }

func (v TagView) Valid() bool { return v.t.buf.Valid() > 0 }

// Writing reports whether a write is requested or in flight.
func (v TagView) Writing() bool { return v.t.doWrite || v.t.isWriting }

func (v TagView) TransferTime() time.Duration { return v.t.transferTime }

func (v TagView) Elements() int { return v.t.elements }

// Bytes is the typed data, nil when invalid. It aliases the tag buffer.
func (v TagView) Bytes() []byte { return v.t.buf.Bytes() }

// Type is the CIP type of the current data.
func (v TagView) Type() (cip.TypeCode, error) {
	data := v.t.buf.Bytes()
	if data == nil {
		return 0, ErrNoData
	}
	t, _, err := cip.TypeHeader(data)
	return t, err
}

// Values decodes all elements.
func (v TagView) Values() ([]cip.Value, error) {
	data := v.t.buf.Bytes()
	if data == nil {
		return nil, ErrNoData
	}
	return cip.Decode(data)
}

// Float64 returns element i as a float.
func (v TagView) Float64(i int) (float64, error) {
	data := v.t.buf.Bytes()
	if data == nil {
		return math.NaN(), ErrNoData
	}
	return cip.Float64(data, i)
}
