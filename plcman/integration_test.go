package plcman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"eipscan/cip"
	"eipscan/plcsim"
)

func startSim(t *testing.T) *plcsim.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim := plcsim.New(nil)
	require.NoError(t, sim.Start(ctx, "127.0.0.1:0"))
	t.Cleanup(func() {
		cancel()
		sim.Close()
	})
	return sim
}

func TestRegistryPollsOverTCP(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("Speed", cip.Real(12.5)))
	require.NoError(t, sim.SetTag("Counts", cip.Int(1), cip.Int(2)))

	reg := NewRegistry(WithLogger(zaptest.NewLogger(t)), WithTimeout(time.Second))
	reg.DefineController("line1", sim.Addr(), 0)
	speed, err := reg.AddTag("line1", 100*time.Millisecond, "Speed", 1)
	require.NoError(t, err)
	counts, err := reg.AddTag("line1", 250*time.Millisecond, "Counts", 2)
	require.NoError(t, err)
	_, err = reg.AddTag("nope", time.Second, "X", 1)
	assert.Error(t, err)

	assert.Equal(t, 1, reg.Start(context.Background()))
	defer reg.Stop()
	assert.True(t, reg.Running())

	require.Eventually(t, func() bool { return speed.Valid() && counts.Valid() }, 5*time.Second, 10*time.Millisecond)
	ctrl := reg.Controller("line1")
	assert.Equal(t, "1756-L61/B LOGIX5561", ctrl.Identity().ProductName)

	n, err := counts.Int32(1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)

	require.NoError(t, speed.WriteFloat64(0, 42))
	require.Eventually(t, func() bool {
		v, err := sim.Values("Speed")
		return err == nil && v[0] == cip.Real(42)
	}, 5*time.Second, 10*time.Millisecond)

	// A dropped link is noticed on the next transfer and reconnected.
	sim.DropConnections()
	require.Eventually(t, func() bool { return ctrl.Status().Errors > 0 }, 5*time.Second, 10*time.Millisecond)
	reg.ResetStatistics()
	require.Eventually(t, func() bool {
		return ctrl.State() == StatePolling && speed.Valid()
	}, 5*time.Second, 10*time.Millisecond)
	f, err := speed.Float64(0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, f)

	assert.Zero(t, reg.Restart())
	require.Eventually(t, speed.Valid, 5*time.Second, 10*time.Millisecond)

	reg.Stop()
	assert.False(t, reg.Running())
	assert.Equal(t, StateDisconnected, ctrl.State())
	assert.False(t, speed.Valid())
	assert.False(t, ctrl.Status().Running)
}

func TestRegistryAddsControllerWhileRunning(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("Flag", cip.Bool(true)))

	reg := NewRegistry(WithTimeout(time.Second))
	require.Zero(t, reg.Start(context.Background()))
	defer reg.Stop()

	reg.DefineController("late", sim.Addr(), 0)
	flag, err := reg.AddTag("late", 50*time.Millisecond, "Flag", 1)
	require.NoError(t, err)
	require.Eventually(t, flag.Valid, 5*time.Second, 10*time.Millisecond)
	values, err := flag.Value()
	require.NoError(t, err)
	assert.Equal(t, []cip.Value{cip.Bool(true)}, values)
}

func TestRegistryStartsAgainAfterCancel(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("Level", cip.Int(4)))

	reg := NewRegistry(WithTimeout(time.Second))
	reg.DefineController("tank", sim.Addr(), 0)
	level, err := reg.AddTag("tank", 50*time.Millisecond, "Level", 1)
	require.NoError(t, err)

	first, cancel := context.WithCancel(context.Background())
	require.Equal(t, 1, reg.Start(first))
	defer reg.Stop()
	require.Eventually(t, level.Valid, 5*time.Second, 10*time.Millisecond)

	// The old scanner may still be winding down when Start runs again.
	cancel()
	assert.Equal(t, 1, reg.Start(context.Background()))
	require.Eventually(t, level.Valid, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, reg.Restart())

	second, cancel := context.WithCancel(context.Background())
	reg.Stop()
	require.Equal(t, 1, reg.Start(second))
	cancel()
	require.Eventually(t, func() bool { return !reg.Controller("tank").Status().Running }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, reg.Restart(), "no restart once the registry context is done")
}

func TestReadTag(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("Recipe", cip.Dint(10), cip.Dint(20), cip.Dint(30)))

	data, err := ReadTag(context.Background(), sim.Addr(), 0, "Recipe[1]", 2, time.Second, nil)
	require.NoError(t, err)
	values, err := cip.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []cip.Value{cip.Dint(20), cip.Dint(30)}, values)

	_, err = ReadTag(context.Background(), sim.Addr(), 0, "Nothing", 1, time.Second, nil)
	var se *cip.StatusError
	assert.ErrorAs(t, err, &se)

	_, err = ReadTag(context.Background(), sim.Addr(), 0, "a..b", 1, time.Second, nil)
	var pe *cip.TagParseError
	assert.ErrorAs(t, err, &pe)
}
