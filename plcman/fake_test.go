package plcman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/eip"
	"eipscan/plcsim"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeConn answers requests from a simulated controller without sockets.
type fakeConn struct {
	sim     *plcsim.Server
	clock   *fakeClock
	latency time.Duration
	hook    func(msg []byte)
	fail    error
	closed  int
}

func (f *fakeConn) Transact(msg []byte) ([]byte, error) {
	if f.hook != nil {
		f.hook(msg)
	}
	f.clock.Advance(f.latency)
	if f.fail != nil {
		return nil, f.fail
	}
	return f.sim.Handle(msg), nil
}

func (f *fakeConn) Identity() cip.Identity {
	return cip.Identity{VendorID: 1, ProductName: "fake"}
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

type rig struct {
	reg     *Registry
	ctrl    *Controller
	sim     *plcsim.Server
	conn    *fakeConn
	clock   *fakeClock
	scanner *Scanner
	dialErr error
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{sim: plcsim.New(nil), clock: newFakeClock()}
	r.conn = &fakeConn{sim: r.sim, clock: r.clock}
	dial := func(ctx context.Context, address string, slot byte, timeout time.Duration) (eip.Connection, error) {
		if r.dialErr != nil {
			return nil, r.dialErr
		}
		return r.conn, nil
	}
	r.reg = NewRegistry(WithDialer(dial), WithClock(r.clock))
	r.ctrl = r.reg.DefineController("plc1", "10.0.0.1", 0)
	r.scanner = NewScanner(r.ctrl, dial, r.clock, time.Second)
	return r
}

// connect steps the scanner into the Polling state.
func (r *rig) connect(t *testing.T) {
	t.Helper()
	for i := 0; i < 4 && r.ctrl.State() != StatePolling; i++ {
		r.scanner.Step(context.Background())
	}
	require.Equal(t, StatePolling, r.ctrl.State())
}

func (r *rig) step() time.Duration {
	return r.scanner.Step(context.Background())
}

var (
	errLinkDown = errors.New("link down")
	nopLog      = zap.NewNop()
)
