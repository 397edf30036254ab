package plcman

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/eip"
	"eipscan/logging"
)

// State is the scanner state of a controller.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StatePolling
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StatePolling:
		return "Polling"
	case StateBackingOff:
		return "BackingOff"
	default:
		return "Unknown"
	}
}

// ScanList is the set of tags of one controller polled at one period.
type ScanList struct {
	ctrl   *Controller
	period time.Duration
	tags   []*TagInfo

	enabled     bool
	scanTime    time.Time
	scheduled   time.Time
	minScan     time.Duration
	maxScan     time.Duration
	lastScan    time.Duration
	listErrors  int
	schedErrors int
}

func newScanList(c *Controller, period time.Duration) *ScanList {
	l := &ScanList{ctrl: c, period: period}
	l.reset()
	return l
}

func (l *ScanList) reset() {
	l.enabled = true
	l.scanTime = time.Time{}
	l.scheduled = time.Time{}
	l.minScan, l.maxScan, l.lastScan = 0, 0, 0
	l.listErrors, l.schedErrors = 0, 0
}

// Period is the poll period of the list.
func (l *ScanList) Period() time.Duration { return l.period }

func (l *ScanList) record(d time.Duration) {
	l.lastScan = d
	if d > l.maxScan {
		l.maxScan = d
	}
	if d < l.minScan || l.minScan == 0 {
		l.minScan = d
	}
}

func (l *ScanList) remove(t *TagInfo) {
	for i, x := range l.tags {
		if x == t {
			l.tags = append(l.tags[:i], l.tags[i+1:]...)
			return
		}
	}
}

// Controller is one PLC and everything polled from it. Its lock guards
// the scan lists, the connection and the statistics.
type Controller struct {
	name string

	mu        sync.Mutex
	address   string
	slot      byte
	limit     int
	conn      eip.Connection
	identity  cip.Identity
	lists     []*ScanList
	errors    int
	slowScans int
	lastErr   error
	connected time.Time
	running   bool
	done      chan struct{} // closed when the running scanner returns

	state atomic.Int32
	log   *zap.Logger
}

func newController(name, address string, slot byte, log *zap.Logger) *Controller {
	return &Controller{
		name:    name,
		address: address,
		slot:    slot,
		limit:   eip.DefaultBufferLimit,
		log:     log.With(zap.String("plc", name)),
	}
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *Controller) Slot() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// State is the current scanner state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		logging.DebugLog(logging.SCAN, "%s: %s -> %s", c.name, old, s)
	}
}

// moveState changes the state from one value to another and fails when
// someone else changed it in between.
func (c *Controller) moveState(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	logging.DebugLog(logging.SCAN, "%s: %s -> %s", c.name, from, to)
	return true
}

// SetTransferLimit sets the byte budget for one multi request or
// response. It cannot exceed the connection buffer.
func (c *Controller) SetTransferLimit(n int) error {
	if n <= 0 || n > eip.BufferSize {
		return fmt.Errorf("transfer limit %d outside 1..%d", n, eip.BufferSize)
	}
	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()
	return nil
}

// TransferLimit is the byte budget for one transfer.
func (c *Controller) TransferLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Identity is the device identity read at the last connect.
func (c *Controller) Identity() cip.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// LastError is the error that caused the last disconnect or failed connect.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// AddTag registers tag for polling every period with at least elements
// elements. Registering a known tag again keeps the larger element count
// and moves it to the faster period; a slower period never moves it.
func (c *Controller) AddTag(period time.Duration, tag string, elements int) (*TagInfo, error) {
	if period <= 0 {
		return nil, fmt.Errorf("tag %s: period must be positive, got %v", tag, period)
	}
	if elements < 1 {
		elements = 1
	}
	if elements > 0xFFFF {
		return nil, fmt.Errorf("tag %s: %d elements exceed a single request", tag, elements)
	}
	parsed, err := cip.ParseTag(tag)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if info := c.findTagLocked(tag); info != nil {
		if info.list.period > period {
			info.list.remove(info)
			list := c.scanListLocked(period)
			list.tags = append(list.tags, info)
			info.list = list
			c.log.Debug("tag moved to faster scan list", zap.String("tag", tag), zap.Duration("period", period))
		}
		info.mu.Lock()
		if info.elements < elements {
			info.elements = elements
			info.sizeTried = false
		}
		info.mu.Unlock()
		return info, nil
	}

	list := c.scanListLocked(period)
	info := newTagInfo(c, tag, parsed, elements)
	info.list = list
	list.tags = append(list.tags, info)
	return info, nil
}

// scanListLocked returns the list for period, creating it if needed.
func (c *Controller) scanListLocked(period time.Duration) *ScanList {
	for _, l := range c.lists {
		if l.period == period {
			return l
		}
	}
	l := newScanList(c, period)
	c.lists = append(c.lists, l)
	return l
}

func (c *Controller) findTagLocked(tag string) *TagInfo {
	for _, l := range c.lists {
		for _, t := range l.tags {
			if t.name == tag {
				return t
			}
		}
	}
	return nil
}

// FindTag returns a registered tag or nil.
func (c *Controller) FindTag(tag string) *TagInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findTagLocked(tag)
}

// Tags lists all tags in scan order.
func (c *Controller) Tags() []*TagInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*TagInfo
	for _, l := range c.lists {
		out = append(out, l.tags...)
	}
	return out
}

// Periods lists the scan list periods in creation order.
func (c *Controller) Periods() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.lists))
	for _, l := range c.lists {
		out = append(out, l.period)
	}
	return out
}

// SetScanListEnabled enables or disables polling of one scan list.
func (c *Controller) SetScanListEnabled(period time.Duration, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lists {
		if l.period == period {
			l.enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%s: no scan list at %v", c.name, period)
}

// Disconnect drops the connection; the scanner reconnects.
func (c *Controller) Disconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(reason)
}

// disconnectLocked closes the connection and invalidates every tag,
// running its callbacks.
func (c *Controller) disconnectLocked(reason string) {
	if c.conn == nil {
		return
	}
	c.log.Info("disconnecting", zap.String("reason", reason))
	c.conn.Close()
	c.conn = nil
	c.setState(StateDisconnected)
	for _, l := range c.lists {
		for _, t := range l.tags {
			t.invalidate()
		}
	}
}

func (c *Controller) resetStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = 0
	c.slowScans = 0
	for _, l := range c.lists {
		l.reset()
	}
}
