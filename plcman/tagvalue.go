package plcman

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"eipscan/cip"
)

// TagValue is a copy of one tag's state, safe to keep and to publish.
type TagValue struct {
	PLC          string    `json:"plc"`
	Tag          string    `json:"tag"`
	Type         string    `json:"type,omitempty"`
	Valid        bool      `json:"valid"`
	Elements     int       `json:"elements"`
	Value        any       `json:"value,omitempty"`
	Writing      bool      `json:"writing,omitempty"`
	TransferTime float64   `json:"transfer_ms"`
	Updated      time.Time `json:"updated,omitempty"`
	Raw          []byte    `json:"-"`
	Error        string    `json:"error,omitempty"`
}

// GoValue converts a CIP value to the plain Go value used in JSON.
func GoValue(v cip.Value) any {
	switch v := v.(type) {
	case cip.Bool:
		return bool(v)
	case cip.Sint:
		return int64(v)
	case cip.Int:
		return int64(v)
	case cip.Dint:
		return int64(v)
	case cip.Real:
		return float64(v)
	case cip.Bits:
		return uint32(v)
	case cip.String:
		return string(v)
	}
	return nil
}

// Snapshot copies the viewed tag. Scalars carry a single value, arrays a
// slice.
func (v TagView) Snapshot() TagValue {
	t := v.t
	tv := TagValue{
		PLC:          t.ctrl.name,
		Tag:          t.name,
		Elements:     t.elements,
		Writing:      t.doWrite || t.isWriting,
		TransferTime: float64(t.transferTime) / float64(time.Millisecond),
		Updated:      t.updated,
	}
	data := t.buf.Bytes()
	if data == nil {
		return tv
	}
	tv.Raw = append([]byte(nil), data...)
	values, err := cip.Decode(data)
	if err != nil {
		tv.Error = err.Error()
		return tv
	}
	tv.Valid = true
	if len(values) > 0 {
		tv.Type = values[0].Type().String()
	}
	if len(values) == 1 {
		tv.Value = GoValue(values[0])
		return tv
	}
	out := make([]any, len(values))
	for i, x := range values {
		out[i] = GoValue(x)
	}
	tv.Value = out
	return tv
}

// Snapshot copies the tag's current state.
func (t *TagInfo) Snapshot() TagValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TagView{t: t}.Snapshot()
}

// SetValue converts a decoded JSON value to the tag's type and requests a
// write. v is a number, a bool, a string, or an array of those written
// from element 0. Nothing is changed when any element fails to convert.
func (t *TagInfo) SetValue(v any) error {
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
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	work := append([]byte(nil), data...)
	for i, x := range items {
		val, err := toValue(typ, x)
		if err == nil {
			err = cip.PutElement(work, i, val)
		}
		if err != nil {
			return fmt.Errorf("write %s[%d]: %w", t.name, i, err)
		}
	}
	copy(data, work)
	t.doWrite = true
	return nil
}

func toValue(typ cip.TypeCode, x any) (cip.Value, error) {
	switch x := x.(type) {
	case bool:
		f := 0.0
		if x {
			f = 1
		}
		return cip.Convert(typ, f)
	case float64:
		return cip.Convert(typ, x)
	case float32:
		return cip.Convert(typ, float64(x))
	case int:
		return cip.Convert(typ, float64(x))
	case int64:
		return cip.Convert(typ, float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return cip.Convert(typ, f)
	case string:
		if typ == cip.TypeSTRUCT {
			return cip.String(x), nil
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		return cip.Convert(typ, f)
	}
	return nil, fmt.Errorf("unsupported value %T", x)
}

// ErrUnknownTag is returned for writes to a tag that is not polled.
var ErrUnknownTag = errors.New("unknown tag")

// WriteValue requests a write of v to tag on controller plc. See SetValue.
func (r *Registry) WriteValue(plc, tag string, v any) error {
	c := r.Controller(plc)
	if c == nil {
		return fmt.Errorf("%w: controller %q", ErrUnknownTag, plc)
	}
	t := c.FindTag(tag)
	if t == nil {
		return fmt.Errorf("%w: %s on %s", ErrUnknownTag, tag, plc)
	}
	return t.SetValue(v)
}
