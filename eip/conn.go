package eip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/logging"
)

var (
	ErrNotConnected       = errors.New("eip: not connected")
	ErrNoCIPEncapsulation = errors.New("eip: target does not support CIP encapsulation")
	ErrFrameTooLarge      = errors.New("eip: frame exceeds receive buffer")
)

const (
	// DefaultTimeout applies to connect, send and receive.
	DefaultTimeout = 5 * time.Second
	// BufferSize caps the CIP payload of one transfer in either direction.
	BufferSize = 600
	// DefaultBufferLimit is the transfer budget used unless configured.
	DefaultBufferLimit = 500
)

// MaxFrameSize is the largest frame accepted from a target: a full
// BufferSize payload inside Unconnected_Send and SendRRData.
var MaxFrameSize = HeaderSize + RRDataSize(cip.UnconnectedSendSize(BufferSize))

// Connection is the part of a controller connection the scanner uses.
// Transact sends one CIP message and returns the Message Router reply.
type Connection interface {
	Transact(msg []byte) ([]byte, error)
	Identity() cip.Identity
	Close() error
}

// Conn is one TCP session to one controller. All traffic is serialized:
// a request and its reply are never interleaved with another.
type Conn struct {
	address  string
	slot     byte
	timeout  time.Duration
	conn     net.Conn
	session  uint32
	identity cip.Identity
	rbuf     []byte
	mu       sync.Mutex
	log      *zap.Logger
}

// withPort appends the EtherNet/IP port when address has none.
func withPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(DefaultPort))
}

// Open connects, checks that the target speaks CIP, registers a session
// and reads the device identity. A failed identity read only logs a
// warning.
func Open(ctx context.Context, address string, slot byte, timeout time.Duration, log *zap.Logger) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log = logging.OrNop(log)
	connString := withPort(address)

	logging.DebugConnect(logging.EIP, connString)

	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", connString)
	if err != nil {
		logging.DebugConnectError(logging.EIP, connString, err)
		return nil, fmt.Errorf("connect %s: %w", connString, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c := &Conn{
		address: connString,
		slot:    slot,
		timeout: timeout,
		conn:    nc,
		rbuf:    make([]byte, MaxFrameSize),
		log:     log,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.listServices(); err != nil {
		c.closeLocked("ListServices failed")
		return nil, fmt.Errorf("connect %s: %w", connString, err)
	}
	if err := c.registerSession(); err != nil {
		c.closeLocked("RegisterSession failed")
		return nil, fmt.Errorf("connect %s: %w", connString, err)
	}

	id, err := c.readIdentity()
	if err != nil {
		log.Warn("identity query failed", zap.String("address", connString), zap.Error(err))
		logging.DebugError(logging.EIP, "identity", err)
	}
	c.identity = id

	logging.DebugConnectSuccess(logging.EIP, connString, fmt.Sprintf("session=0x%08X %s", c.session, id.ProductName))
	return c, nil
}

func (c *Conn) Address() string { return c.address }

func (c *Conn) Slot() byte { return c.slot }

func (c *Conn) Session() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) Identity() cip.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) listServices() error {
	resp, err := c.transactEncap(NewEncap(ListServices, 0, nil))
	if err != nil {
		return fmt.Errorf("ListServices: %w", err)
	}
	if err := resp.Check(ListServices); err != nil {
		return err
	}
	services, err := ParseListServices(resp.Data)
	if err != nil {
		return err
	}
	for _, s := range services {
		logging.DebugLog(logging.EIP, "service 0x%04X %q version %d flags 0x%04X", s.TypeId, s.Name, s.Version, s.Flags)
		if s.SupportsCIP() {
			return nil
		}
	}
	return ErrNoCIPEncapsulation
}

func (c *Conn) registerSession() error {
	resp, err := c.transactEncap(NewEncap(RegisterSession, 0, RegisterSessionData()))
	if err != nil {
		return fmt.Errorf("RegisterSession: %w", err)
	}
	if err := resp.Check(RegisterSession); err != nil {
		return err
	}
	if resp.SessionHandle == 0 {
		return fmt.Errorf("RegisterSession: got session handle 0")
	}
	c.session = resp.SessionHandle
	return nil
}

func (c *Conn) readIdentity() (cip.Identity, error) {
	var id cip.Identity
	for _, attr := range cip.IdentityAttributes {
		req, err := cip.GetAttributeSingle(cip.ClassIdentity, 1, attr)
		if err != nil {
			return id, err
		}
		raw, err := c.transact(req.Marshal())
		if err != nil {
			return id, err
		}
		resp, err := cip.ParseResponse(raw)
		if err != nil {
			return id, err
		}
		if err := resp.Check(cip.SvcGetAttributeSingle); err != nil {
			return id, fmt.Errorf("identity attribute %d: %w", attr, err)
		}
		if err := id.Set(attr, resp.Data); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Send writes one complete frame.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(frame)
}

func (c *Conn) send(frame []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	logging.DebugTX(logging.EIP, frame)
	if _, err := c.conn.Write(frame); err != nil {
		logging.DebugError(logging.EIP, "send", err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// ReceiveFramed reads exactly one frame: the header, then as many bytes
// as it declares. Partial reads accumulate until the deadline.
func (c *Conn) ReceiveFramed(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveFramed(timeout)
}

func (c *Conn) receiveFramed(timeout time.Duration) ([]byte, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := c.rbuf
	got, want := 0, HeaderSize
	for got < want {
		n, err := c.conn.Read(buf[got:want])
		got += n
		if got >= HeaderSize && want == HeaderSize {
			want, _ = FrameLength(buf[:got])
			if want > len(buf) {
				return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, want, len(buf))
			}
		}
		if err != nil && got < want {
			logging.DebugError(logging.EIP, "receive", err)
			return nil, fmt.Errorf("receive: got %d of %d bytes: %w", got, want, err)
		}
	}

	frame := append([]byte(nil), buf[:want]...)
	logging.DebugRX(logging.EIP, frame)

	session := cip.UDINT(frame[4:8])
	if session != 0 && c.session != 0 && session != c.session {
		return nil, fmt.Errorf("receive: session mismatch, need 0x%08X, got 0x%08X", c.session, session)
	}
	return frame, nil
}

func (c *Conn) transactEncap(msg EipEncap) (*EipEncap, error) {
	if err := c.send(msg.Bytes()); err != nil {
		return nil, err
	}
	frame, err := c.receiveFramed(c.timeout)
	if err != nil {
		return nil, err
	}
	return ParseEipEncap(frame)
}

// Transact routes msg through Unconnected_Send to the controller slot
// and returns its Message Router reply.
func (c *Conn) Transact(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transact(msg)
}

func (c *Conn) transact(msg []byte) ([]byte, error) {
	if c.conn == nil || c.session == 0 {
		return nil, ErrNotConnected
	}
	us, err := cip.UnconnectedSend(msg, c.slot)
	if err != nil {
		return nil, err
	}
	cpf := UnconnectedPacket(us.Marshal())
	rr := EipCommandData{Packet: cpf.Bytes()}

	resp, err := c.transactEncap(NewEncap(SendRRData, c.session, rr.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w", err)
	}
	if err := resp.Check(SendRRData); err != nil {
		return nil, err
	}
	cd, err := ParseEipCommandData(resp.Data)
	if err != nil {
		return nil, err
	}
	pkt, err := ParseEipCommonPacket(cd.Packet)
	if err != nil {
		return nil, err
	}
	data, err := pkt.UnconnectedData()
	if err != nil {
		return nil, err
	}

	// Routing failures are answered by the connection manager itself.
	if len(data) >= 4 && data[0] == cip.SvcUnconnectedSend|cip.ReplyFlag {
		r, err := cip.ParseResponse(data)
		if err != nil {
			return nil, err
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Close unregisters the session, without waiting for a reply, and closes
// the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked("client disconnect requested")
}

func (c *Conn) closeLocked(reason string) error {
	if c.conn == nil {
		return nil
	}
	logging.DebugDisconnect(logging.EIP, c.address, reason)
	if c.session != 0 {
		m := NewEncap(UnRegisterSession, c.session, nil)
		_ = c.send(m.Bytes())
	}
	err := c.conn.Close()
	c.conn = nil
	c.session = 0
	return err
}
