package plcman

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/eip"
	"eipscan/logging"
)

const (
	// RetryDelay is the wait after a failed connect, and the reschedule
	// offset of a scan list whose transfer failed.
	RetryDelay = eip.DefaultTimeout
	// IdleDelay is the loop delay of a controller without scan lists.
	IdleDelay = 100 * time.Millisecond
	// MaxDelay bounds the sleep between passes. A longer computed delay
	// means the clock jumped and the schedule is reset.
	MaxDelay = 60 * time.Second
	// Quantum is the scheduling resolution: a pass that starts later than
	// this behind schedule counts as slow.
	Quantum = time.Millisecond
)

// Dialer opens a connection to a controller.
type Dialer func(ctx context.Context, address string, slot byte, timeout time.Duration) (eip.Connection, error)

// DialEIP returns a Dialer that opens real EtherNet/IP sessions.
func DialEIP(log *zap.Logger) Dialer {
	return func(ctx context.Context, address string, slot byte, timeout time.Duration) (eip.Connection, error) {
		return eip.Open(ctx, address, slot, timeout, log)
	}
}

// Clock is the time source of a scanner.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WallClock is the real time source.
var WallClock Clock = wallClock{}

// Scanner polls one controller. Each Step performs one state transition
// and returns how long to wait before the next one.
type Scanner struct {
	ctrl    *Controller
	dial    Dialer
	clock   Clock
	timeout time.Duration
	log     *zap.Logger
}

// NewScanner creates a scanner for c.
func NewScanner(c *Controller, dial Dialer, clock Clock, timeout time.Duration) *Scanner {
	if clock == nil {
		clock = WallClock
	}
	if timeout <= 0 {
		timeout = eip.DefaultTimeout
	}
	return &Scanner{ctrl: c, dial: dial, clock: clock, timeout: timeout, log: c.log}
}

// Run steps until ctx is done, then closes the connection.
func (s *Scanner) Run(ctx context.Context) error {
	defer func() {
		s.ctrl.Disconnect("scanner stopped")
		s.ctrl.setState(StateDisconnected)
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d := s.Step(ctx); d > 0 {
			if err := s.clock.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}
}

// Step runs one transition of the state machine.
func (s *Scanner) Step(ctx context.Context) time.Duration {
	c := s.ctrl
	switch c.State() {
	case StateDisconnected:
		c.setState(StateConnecting)
		return 0
	case StateConnecting:
		if err := s.connect(ctx); err != nil {
			s.log.Warn("connect failed", zap.Error(err))
			c.setState(StateBackingOff)
			return 0
		}
		// A Disconnect right after connect leaves the state at
		// Disconnected, and the next step connects again.
		c.moveState(StateConnecting, StatePolling)
		return 0
	case StateBackingOff:
		c.setState(StateDisconnected)
		return RetryDelay
	default:
		return s.poll()
	}
}

// connect opens the connection and sizes every tag. Failing to size any
// of them, while there are tags, counts as a failed connect.
func (s *Scanner) connect(ctx context.Context) error {
	c := s.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	s.log.Info("connecting", zap.String("address", c.address), zap.Uint8("slot", c.slot))
	conn, err := s.dial(ctx, c.address, c.slot, s.timeout)
	if err != nil {
		c.lastErr = err
		return err
	}
	c.conn = conn
	c.identity = conn.Identity()
	c.connected = s.clock.Now()

	tried, sized := s.sizeTagsLocked()
	if tried > 0 && sized == 0 {
		err := fmt.Errorf("none of %d tags could be read", tried)
		c.lastErr = err
		c.disconnectLocked("scan list completion failed")
		return err
	}
	s.log.Info("connected", zap.String("device", c.identity.ProductName),
		zap.Int("tags", tried), zap.Int("readable", sized))
	return nil
}

// sizeTagsLocked reads every tag once to learn its request and response
// sizes.
func (s *Scanner) sizeTagsLocked() (tried, sized int) {
	for _, l := range s.ctrl.lists {
		for _, t := range l.tags {
			tried++
			if s.sizeTagLocked(t) {
				sized++
			}
		}
	}
	return tried, sized
}

// sizeTagLocked reads t once. Write sizes are derived from the read: the
// request adds the typed data, the reply is a bare status. A tag that
// cannot be read keeps zero sizes and is not tried again until the next
// connect. c.mu must be held.
func (s *Scanner) sizeTagLocked(t *TagInfo) bool {
	c := s.ctrl
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizeTried = true
	req, err := cip.ReadRequest(t.parsed, uint16(t.elements))
	var raw []byte
	if err == nil {
		raw, err = c.conn.Transact(req.Marshal())
	}
	if err == nil {
		_, err = cip.ReadResponseData(raw)
	}
	if err != nil {
		s.log.Warn("cannot read tag", zap.String("tag", t.name), zap.Error(err))
		t.rReq, t.rResp, t.wReq, t.wResp = 0, 0, 0, 0
		return false
	}
	t.rReq, t.rResp = req.Size(), len(raw)
	if t.rResp <= cip.WriteResponseSize {
		t.wReq, t.wResp = 0, 0
	} else {
		t.wReq = t.rReq + t.rResp - cip.WriteResponseSize
		t.wResp = cip.WriteResponseSize
	}
	logging.DebugLog(logging.SCAN, "%s: tag %s req %d resp %d", c.name, t.name, t.rReq, t.rResp)
	return true
}

// poll services every due scan list once and returns the delay until the
// next one is due.
func (s *Scanner) poll() time.Duration {
	c := s.ctrl
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return 0
	}

	start := s.clock.Now()
	var next *ScanList
	for _, l := range c.lists {
		if !l.enabled {
			continue
		}
		if !l.scheduled.After(start) {
			l.scanTime = s.clock.Now()
			err := s.processList(l)
			end := s.clock.Now()
			l.record(end.Sub(l.scanTime))
			if err != nil {
				l.scheduled = end.Add(RetryDelay)
				l.listErrors++
				c.errors++
				c.lastErr = err
				s.log.Warn("scan list failed", zap.Duration("period", l.period), zap.Error(err))
				c.disconnectLocked("transfer error")
				c.mu.Unlock()
				return 0
			}
			l.scheduled = l.scanTime.Add(l.period)
		}
		if next == nil || l.scheduled.Before(next.scheduled) {
			next = l
		}
	}

	if next == nil {
		c.mu.Unlock()
		return IdleDelay
	}

	now := s.clock.Now()
	delay := next.scheduled.Sub(now)
	if delay > MaxDelay {
		s.log.Error("scan list has a scheduling problem",
			zap.Duration("period", next.period),
			zap.Duration("delay", delay),
			zap.Time("scan_time", next.scanTime),
			zap.Time("now", now),
			zap.Time("next", next.scheduled))
		delay = MaxDelay
		next.scheduled = now
		next.schedErrors++
	}
	if delay <= -Quantum {
		logging.DebugLog(logging.SCAN, "%s: scan task slow, %v behind", c.name, -delay)
		c.slowScans++
	}
	c.mu.Unlock()

	if delay < 0 {
		return 0
	}
	return delay
}

// batch is one multi request worth of tags.
type batch struct {
	tags      []*TagInfo
	writes    []bool
	next      int // index after the last tag considered
	reqSize   int
	respSize  int
	multiReq  int
	multiResp int
}

// determineBatch collects tags, starting at tags[0], until one more would
// push the multi request or the multi response over limit. Tags without
// sizes are skipped. A pending write is latched here: the tag's write
// sizes are used and stay in use until the write was sent. A tag that
// does not fit on its own is skipped and logged once.
func determineBatch(limit int, tags []*TagInfo, log *zap.Logger) batch {
	var b batch
	for i, t := range tags {
		b.next = i + 1
		t.mu.Lock()
		if t.rReq <= 0 || t.wReq <= 0 {
			t.mu.Unlock()
			continue
		}
		if t.doWrite && t.buf.Valid() > 0 {
			t.isWriting = true
		}
		t.doWrite = false
		write := t.isWriting
		tryReq, tryResp := b.reqSize+t.rReq, b.respSize+t.rResp
		if write {
			tryReq, tryResp = b.reqSize+t.wReq, b.respSize+t.wResp
		}
		n := len(b.tags) + 1
		if cip.MultiRequestSize(n, tryReq) > limit || cip.MultiResponseSize(n, tryResp) > limit {
			if len(b.tags) > 0 {
				t.mu.Unlock()
				b.next = i
				return b
			}
			if !t.oversized {
				t.oversized = true
				log.Error("tag can never be transferred, it alone exceeds the buffer limit",
					zap.String("tag", t.name), zap.Int("limit", limit),
					zap.Int("request", tryReq), zap.Int("response", tryResp))
			}
			if write {
				log.Warn("dropping write that exceeds the buffer limit", zap.String("tag", t.name))
				t.isWriting = false
			}
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()
		b.tags = append(b.tags, t)
		b.writes = append(b.writes, write)
		b.reqSize, b.respSize = tryReq, tryResp
		b.multiReq = cip.MultiRequestSize(n, tryReq)
		b.multiResp = cip.MultiResponseSize(n, tryResp)
	}
	return b
}

// processList transfers every tag of l once, in as few multi requests as
// the transfer limit allows. Tags added since the connect are sized first.
func (s *Scanner) processList(l *ScanList) error {
	c := s.ctrl
	for _, t := range l.tags {
		t.mu.Lock()
		tried := t.sizeTried
		t.mu.Unlock()
		if !tried {
			s.sizeTagLocked(t)
		}
	}
	for i := 0; i < len(l.tags); {
		b := determineBatch(c.limit, l.tags[i:], s.log)
		i += b.next
		if len(b.tags) == 0 {
			continue
		}
		if err := s.transferBatch(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) transferBatch(b batch) error {
	c := s.ctrl
	m := cip.NewMultiRequest(len(b.tags))
	for k, t := range b.tags {
		t.mu.Lock()
		var req cip.Request
		var err error
		if b.writes[k] {
			req, err = cip.WriteRequest(t.parsed, uint16(t.elements), t.buf.Bytes())
		} else {
			req, err = cip.ReadRequest(t.parsed, uint16(t.elements))
		}
		t.mu.Unlock()
		if err == nil {
			err = m.Add(req)
		}
		if err != nil {
			return fmt.Errorf("build request for %s: %w", t.name, err)
		}
	}
	msg, err := m.Bytes()
	if err != nil {
		return err
	}

	start := s.clock.Now()
	raw, err := c.conn.Transact(msg)
	if err != nil {
		return err
	}
	transfer := s.clock.Now().Sub(start)

	resp, err := cip.ParseMultiResponse(raw)
	if err == nil {
		err = resp.Err()
	}
	if err == nil && len(resp.Replies) < len(b.tags) {
		err = fmt.Errorf("multi response carries %d of %d replies", len(resp.Replies), len(b.tags))
	}
	if err != nil {
		names := make([]string, len(b.tags))
		for k, t := range b.tags {
			names[k] = t.name
		}
		fields := []zap.Field{zap.Strings("tags", names), zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Strings("replies", resp.Describe()))
		}
		s.log.Warn("error in multi response", fields...)
		return fmt.Errorf("multi response: %w", err)
	}

	for k, t := range b.tags {
		reply, _ := resp.Reply(k)
		s.distribute(t, b.writes[k], reply, transfer)
	}
	return nil
}

// distribute stores one sub-reply into its tag and runs the callbacks.
func (s *Scanner) distribute(t *TagInfo, write bool, reply []byte, transfer time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferTime = transfer

	if write {
		if err := cip.CheckWriteResponse(reply); err != nil {
			s.log.Error("write failed", zap.String("tag", t.name), zap.Error(err))
			t.buf.Invalidate()
		}
		t.isWriting = false
		t.notify()
		return
	}

	data, err := cip.ReadResponseData(reply)
	switch {
	case t.doWrite:
		// A write was requested while the read was in flight; keep the
		// value that is about to be written.
		logging.DebugLog(logging.SCAN, "%s: write requested during read, read ignored", t.name)
	case err != nil || len(data) == 0:
		if err != nil {
			logging.DebugError(logging.SCAN, t.name, err)
		}
		t.buf.Invalidate()
	default:
		old := t.buf.Cap()
		grew, err := t.buf.Reserve(len(data), eip.BufferSize)
		if err != nil {
			s.log.Error("rejecting tag data", zap.String("tag", t.name), zap.Error(err))
			t.buf.Invalidate()
			break
		}
		if grew && old > 0 {
			s.log.Info("tag value buffer grows", zap.String("tag", t.name), zap.Int("from", old), zap.Int("to", len(data)))
		}
		t.buf.Store(data)
		t.updated = s.clock.Now()
	}
	t.notify()
}
