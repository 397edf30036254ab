// Package plcsim is a simulated Logix controller that answers the subset
// of EtherNet/IP and CIP used by the scanner. It backs the tests and the
// simulate command.
package plcsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/eip"
	"eipscan/logging"
)

// Tag is one simulated controller tag, held as typed data: the
// abbreviated type followed by the elements.
type Tag struct {
	Typed    []byte
	ReadOnly bool
}

// Server is a simulated controller.
type Server struct {
	mu       sync.Mutex
	tags     map[string]*Tag
	identity cip.Identity
	conns    map[net.Conn]struct{}
	ln       net.Listener
	session  uint32

	multiStatus byte
	noCIP       bool

	requests atomic.Int64
	writes   atomic.Int64
	wg       sync.WaitGroup
	log      *zap.Logger
}

// New returns a server with no tags and a fixed identity.
func New(log *zap.Logger) *Server {
	return &Server{
		tags:  make(map[string]*Tag),
		conns: make(map[net.Conn]struct{}),
		identity: cip.Identity{
			VendorID:    1,
			DeviceType:  0x0E,
			Major:       20,
			Minor:       11,
			Serial:      0x00C0FFEE,
			ProductName: "1756-L61/B LOGIX5561",
		},
		log: logging.OrNop(log),
	}
}

// SetIdentity replaces the identity served through the Identity object.
func (s *Server) SetIdentity(id cip.Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

// SetTag creates or replaces a tag holding values.
func (s *Server) SetTag(name string, values ...cip.Value) error {
	tag, err := cip.ParseTag(name)
	if err != nil {
		return err
	}
	typed, err := cip.Encode(values...)
	if err != nil {
		return fmt.Errorf("tag %s: %w", name, err)
	}
	s.mu.Lock()
	s.tags[tag.String()] = &Tag{Typed: typed}
	s.mu.Unlock()
	return nil
}

// SetReadOnly makes writes to name fail with a privilege error.
func (s *Server) SetReadOnly(name string, ro bool) {
	s.mu.Lock()
	if t, ok := s.tags[name]; ok {
		t.ReadOnly = ro
	}
	s.mu.Unlock()
}

// Values decodes the current contents of a tag.
func (s *Server) Values(name string) ([]cip.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[name]
	if !ok {
		return nil, fmt.Errorf("no tag %q", name)
	}
	return cip.Decode(t.Typed)
}

// TagNames lists the tags in name order.
func (s *Server) TagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tags))
	for n := range s.tags {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FailMultipleService makes every Multiple Service Packet reply carry
// status. Zero restores normal operation.
func (s *Server) FailMultipleService(status byte) {
	s.mu.Lock()
	s.multiStatus = status
	s.mu.Unlock()
}

// DisableCIP removes the CIP flag from the ListServices reply.
func (s *Server) DisableCIP(disable bool) {
	s.mu.Lock()
	s.noCIP = disable
	s.mu.Unlock()
}

// Requests is the number of CIP requests served, counting each
// Multiple Service Packet once.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Writes is the number of Write_Tag requests served.
func (s *Server) Writes() int64 { return s.writes.Load() }

// Listen binds address; use "127.0.0.1:0" for a free port.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("plcsim: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("simulated controller listening", zap.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Start listens on address and serves in the background.
func (s *Server) Start(ctx context.Context, address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	go s.Serve(ctx)
	return nil
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops listening and drops all connections.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	s.DropConnections()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var session uint32
	hdr := make([]byte, eip.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		n, _ := eip.FrameLength(hdr)
		frame := make([]byte, n)
		copy(frame, hdr)
		if _, err := io.ReadFull(conn, frame[eip.HeaderSize:]); err != nil {
			return
		}
		req, err := eip.ParseEipEncap(frame)
		if err != nil {
			return
		}

		reply := eip.EipEncap{
			Command:       req.Command,
			SessionHandle: req.SessionHandle,
			Context:       req.Context,
		}
		switch req.Command {
		case eip.NOP:
			continue
		case eip.ListServices:
			flags := eip.ServiceFlagCIP | 1<<8
			s.mu.Lock()
			if s.noCIP {
				flags = 1 << 8
			}
			s.mu.Unlock()
			reply.Data = eip.ListServicesData(eip.ServiceInfo{
				TypeId: eip.CpfListServicesResponseId, Version: 1, Flags: flags, Name: "Communications",
			})
		case eip.RegisterSession:
			s.mu.Lock()
			s.session++
			session = 0x1000 + s.session
			s.mu.Unlock()
			reply.SessionHandle = session
			reply.Data = req.Data
		case eip.UnRegisterSession:
			return
		case eip.SendRRData:
			if session == 0 || req.SessionHandle != session {
				reply.Status = 0x64
				break
			}
			data, err := s.handleRRData(req.Data)
			if err != nil {
				s.log.Debug("bad SendRRData", zap.Error(err))
				reply.Status = 0x03
				break
			}
			reply.Data = data
		default:
			reply.Status = 0x01
		}
		reply.Length = uint16(len(reply.Data))
		if _, err := conn.Write(reply.Bytes()); err != nil {
			return
		}
	}
}

func (s *Server) handleRRData(data []byte) ([]byte, error) {
	cd, err := eip.ParseEipCommandData(data)
	if err != nil {
		return nil, err
	}
	pkt, err := eip.ParseEipCommonPacket(cd.Packet)
	if err != nil {
		return nil, err
	}
	msg, err := pkt.UnconnectedData()
	if err != nil {
		return nil, err
	}

	var reply []byte
	if len(msg) > 0 && msg[0] == cip.SvcUnconnectedSend {
		inner, _, err := cip.ParseUnconnectedSend(msg)
		if err != nil {
			reply = errorReply(cip.SvcUnconnectedSend, cip.StatusNotEnoughData)
		} else {
			reply = s.Handle(inner)
		}
	} else {
		reply = s.Handle(msg)
	}

	cpf := eip.UnconnectedPacket(reply)
	out := eip.EipCommandData{Packet: cpf.Bytes()}
	return out.Bytes(), nil
}

func errorReply(service, status byte, ext ...uint16) []byte {
	return cip.Response{ReplyService: service | cip.ReplyFlag, GeneralStatus: status, AdditionalStatus: ext}.Marshal()
}

// Handle answers one Message Router request, as if it had arrived through
// Unconnected_Send.
func (s *Server) Handle(msg []byte) []byte {
	s.requests.Add(1)
	if len(msg) < 2 || len(msg) < 2+2*int(msg[1]) {
		return errorReply(0, cip.StatusNotEnoughData)
	}
	service := msg[0]
	switch service {
	case cip.SvcMultipleService:
		return s.handleMultiple(msg)
	case cip.SvcReadData:
		return s.readTag(msg)
	case cip.SvcWriteData:
		return s.writeTag(msg)
	case cip.SvcGetAttributeSingle:
		return s.getAttribute(msg)
	}
	return errorReply(service, cip.StatusServiceNotSupport)
}

func (s *Server) handleMultiple(msg []byte) []byte {
	subs, err := cip.SplitMultipleServiceRequest(msg)
	if err != nil {
		return errorReply(cip.SvcMultipleService, cip.StatusNotEnoughData)
	}
	s.mu.Lock()
	status := s.multiStatus
	s.mu.Unlock()
	if status != cip.StatusSuccess {
		return errorReply(cip.SvcMultipleService, status)
	}

	replies := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		if len(sub) < 2 || len(sub) < 2+2*int(sub[1]) {
			replies = append(replies, errorReply(0, cip.StatusNotEnoughData))
			continue
		}
		switch sub[0] {
		case cip.SvcReadData:
			replies = append(replies, s.readTag(sub))
		case cip.SvcWriteData:
			replies = append(replies, s.writeTag(sub))
		default:
			replies = append(replies, errorReply(sub[0], cip.StatusServiceNotSupport))
		}
	}
	return cip.BuildMultipleServiceResponse(cip.StatusSuccess, replies)
}

// lookup resolves a request path to a tag and the first element index.
// A trailing element segment indexes into an array tag.
func (s *Server) lookup(path []byte) (*Tag, int, bool) {
	tag, err := cip.DecodeTagPath(path)
	if err != nil || len(tag) == 0 {
		return nil, 0, false
	}
	if t, ok := s.tags[tag.String()]; ok {
		return t, 0, true
	}
	last := tag[len(tag)-1]
	if last.Kind != cip.ElementSegment {
		return nil, 0, false
	}
	t, ok := s.tags[tag[:len(tag)-1].String()]
	return t, int(last.Element), ok
}

func splitPath(msg []byte) (path, data []byte) {
	end := 2 + 2*int(msg[1])
	return msg[2:end], msg[end:]
}

func (s *Server) readTag(msg []byte) []byte {
	path, data := splitPath(msg)
	if len(data) < 2 {
		return errorReply(cip.SvcReadData, cip.StatusNotEnoughData)
	}
	elements := int(cip.UINT(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	t, first, ok := s.lookup(path)
	if !ok {
		return errorReply(cip.SvcReadData, cip.StatusPathUnknown)
	}
	typ, hdr, _ := cip.TypeHeader(t.Typed)
	size := typ.Size()
	start := hdr + first*size
	end := start + elements*size
	if elements == 0 || end > len(t.Typed) {
		return errorReply(cip.SvcReadData, cip.StatusPathSegmentError)
	}
	out := append([]byte(nil), t.Typed[:hdr]...)
	out = append(out, t.Typed[start:end]...)
	return cip.Response{ReplyService: cip.SvcReadData | cip.ReplyFlag, Data: out}.Marshal()
}

func (s *Server) writeTag(msg []byte) []byte {
	s.writes.Add(1)
	path, data := splitPath(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, first, ok := s.lookup(path)
	if !ok {
		return errorReply(cip.SvcWriteData, cip.StatusPathUnknown)
	}
	if t.ReadOnly {
		return errorReply(cip.SvcWriteData, 0x0F, cip.ExtStatusTagReadOnly)
	}
	typ, hdr, err := cip.TypeHeader(data)
	if err != nil || len(data) < hdr+2 {
		return errorReply(cip.SvcWriteData, cip.StatusNotEnoughData)
	}
	stored, _, _ := cip.TypeHeader(t.Typed)
	if typ != stored {
		return errorReply(cip.SvcWriteData, cip.StatusGeneralError, cip.ExtStatusIllegalType)
	}
	elements := int(cip.UINT(data[hdr:]))
	raw := data[hdr+2:]
	start := hdr + first*typ.Size()
	if len(raw) < elements*typ.Size() && typ != cip.TypeSTRUCT {
		return errorReply(cip.SvcWriteData, cip.StatusNotEnoughData)
	}
	if start+len(raw) > len(t.Typed) {
		return errorReply(cip.SvcWriteData, cip.StatusTooMuchData)
	}
	copy(t.Typed[start:], raw)
	return errorReply(cip.SvcWriteData, cip.StatusSuccess)
}

func (s *Server) getAttribute(msg []byte) []byte {
	path, _ := splitPath(msg)
	// class 8-bit, instance 8-bit, attribute 8-bit
	if len(path) != 6 || path[0] != 0x20 || path[1] != cip.ClassIdentity || path[2] != 0x24 || path[4] != 0x30 {
		return errorReply(cip.SvcGetAttributeSingle, cip.StatusPathUnknown)
	}
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	var data []byte
	switch path[5] {
	case cip.AttrVendorID:
		data = cip.AppendUINT(nil, id.VendorID)
	case cip.AttrDeviceType:
		data = cip.AppendUINT(nil, id.DeviceType)
	case cip.AttrRevision:
		data = []byte{id.Major, id.Minor}
	case cip.AttrSerial:
		data = cip.AppendUDINT(nil, id.Serial)
	case cip.AttrProductName:
		data = append([]byte{byte(len(id.ProductName))}, id.ProductName...)
	default:
		return errorReply(cip.SvcGetAttributeSingle, 0x14)
	}
	return cip.Response{ReplyService: cip.SvcGetAttributeSingle | cip.ReplyFlag, Data: data}.Marshal()
}
