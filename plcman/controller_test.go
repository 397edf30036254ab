package plcman

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eipscan/cip"
)

func TestAddTagGroupsByPeriod(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)

	temp, err := c.AddTag(time.Second, "Temp", 1)
	require.NoError(t, err)
	counter, err := c.AddTag(200*time.Millisecond, "Counter[0]", 1)
	require.NoError(t, err)

	assert.ElementsMatch(t, []time.Duration{200 * time.Millisecond, time.Second}, c.Periods())
	st := c.Status()
	require.Len(t, st.ScanLists, 2)
	for _, l := range st.ScanLists {
		require.Len(t, l.Tags, 1)
	}
	assert.Equal(t, time.Second, temp.list.period)
	assert.Equal(t, 200*time.Millisecond, counter.list.period)
}

func TestAddTagIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)

	a, err := c.AddTag(time.Second, "Motor.Speed", 2)
	require.NoError(t, err)
	b, err := c.AddTag(time.Second, "Motor.Speed", 1)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.Elements())
	assert.Len(t, c.Tags(), 1)
}

func TestAddTagPromotion(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)

	info, err := c.AddTag(time.Second, "X", 4)
	require.NoError(t, err)

	// Faster period moves the tag, a smaller count keeps the old one.
	_, err = c.AddTag(500*time.Millisecond, "X", 1)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, info.list.period)
	assert.Equal(t, 4, info.Elements())

	// Slower period leaves it where it is, a larger count grows it.
	_, err = c.AddTag(2*time.Second, "X", 8)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, info.list.period)
	assert.Equal(t, 8, info.Elements())

	for _, l := range c.Status().ScanLists {
		if l.Period == 500*time.Millisecond {
			assert.Len(t, l.Tags, 1)
		} else {
			assert.Empty(t, l.Tags)
		}
	}
}

func TestAddTagErrors(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)

	_, err := c.AddTag(time.Second, "Bad..Tag", 1)
	var pe *cip.TagParseError
	assert.True(t, errors.As(err, &pe))

	_, err = c.AddTag(0, "Temp", 1)
	assert.Error(t, err)

	_, err = reg.AddTag("nope", time.Second, "Temp", 1)
	assert.Error(t, err)
	assert.Empty(t, c.Tags())
}

func TestDefineControllerTwice(t *testing.T) {
	reg := NewRegistry()
	a := reg.DefineController("plc1", "10.0.0.1", 0)
	b := reg.DefineController("plc1", "10.0.0.2", 3)

	assert.Same(t, a, b)
	assert.Equal(t, "10.0.0.2", a.Address())
	assert.Equal(t, byte(3), a.Slot())
	assert.Len(t, reg.Controllers(), 1)
	assert.Same(t, a, reg.Controller("plc1"))
	assert.Nil(t, reg.Controller("plc2"))
}

func TestCallbackHandleIdentity(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)
	info, err := c.AddTag(time.Second, "Temp", 1)
	require.NoError(t, err)

	calls := 0
	h := NewCallbackHandle(func(TagView) { calls++ })
	assert.True(t, info.Attach(h))
	assert.False(t, info.Attach(h))
	assert.Equal(t, 1, info.CallbackCount())

	// Same function, different handle: a second registration.
	h2 := NewCallbackHandle(h.fn)
	assert.True(t, info.Attach(h2))
	assert.Equal(t, 2, info.CallbackCount())

	c.mu.Lock()
	info.mu.Lock()
	info.notify()
	info.mu.Unlock()
	c.mu.Unlock()
	assert.Equal(t, 2, calls)

	assert.True(t, info.RemoveCallback(h))
	assert.False(t, info.RemoveCallback(h))
	assert.Equal(t, 1, info.CallbackCount())
}

func TestSetTransferLimit(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)
	assert.Equal(t, 500, c.TransferLimit())
	require.NoError(t, c.SetTransferLimit(600))
	assert.Error(t, c.SetTransferLimit(601))
	assert.Error(t, c.SetTransferLimit(0))
	assert.Equal(t, 600, c.TransferLimit())
}

func TestDataBuffer(t *testing.T) {
	var b DataBuffer
	assert.Nil(t, b.Bytes())

	grew, err := b.Reserve(6, 600)
	require.NoError(t, err)
	assert.True(t, grew)
	b.Store([]byte{0xC4, 0, 1, 0, 0, 0})
	assert.Equal(t, 6, b.Valid())

	// Smaller requests keep the capacity.
	grew, err = b.Reserve(4, 600)
	require.NoError(t, err)
	assert.False(t, grew)
	assert.Equal(t, 6, b.Cap())

	b.Invalidate()
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 6, b.Cap())

	_, err = b.Reserve(600, 600)
	assert.Error(t, err)
}

func TestWriteNeedsData(t *testing.T) {
	reg := NewRegistry()
	c := reg.DefineController("plc1", "10.0.0.1", 0)
	info, err := c.AddTag(time.Second, "Temp", 1)
	require.NoError(t, err)

	assert.ErrorIs(t, info.Write(cip.Real(1)), ErrNoData)
	assert.ErrorIs(t, info.WriteFloat64(0, 1), ErrNoData)
	_, err = info.Float64(0)
	assert.ErrorIs(t, err, ErrNoData)
	assert.False(t, info.WritePending())
}
