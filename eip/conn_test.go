package eip_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eipscan/cip"
	"eipscan/eip"
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

func TestOpenHandshake(t *testing.T) {
	sim := startSim(t)

	c, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.NotZero(t, c.Session())
	assert.Equal(t, sim.Addr(), c.Address())
	id := c.Identity()
	assert.Equal(t, "1756-L61/B LOGIX5561", id.ProductName)
	assert.Equal(t, uint16(1), id.VendorID)
	assert.Equal(t, uint8(20), id.Major)
}

func TestOpenRejectsTargetWithoutCIP(t *testing.T) {
	sim := startSim(t)
	sim.DisableCIP(true)

	_, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, eip.ErrNoCIPEncapsulation))
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = eip.Open(context.Background(), addr, 0, 500*time.Millisecond, nil)
	assert.Error(t, err)
}

func TestTransactReadAndWrite(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("Speed", cip.Real(1.5), cip.Real(2.5)))

	c, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	tag := cip.MustParseTag("Speed")
	req, err := cip.ReadRequest(tag, 2)
	require.NoError(t, err)
	raw, err := c.Transact(req.Marshal())
	require.NoError(t, err)
	typed, err := cip.ReadResponseData(raw)
	require.NoError(t, err)
	values, err := cip.Decode(typed)
	require.NoError(t, err)
	assert.Equal(t, []cip.Value{cip.Real(1.5), cip.Real(2.5)}, values)

	cip.PutREAL(typed[2:], 7)
	wr, err := cip.WriteRequest(tag, 2, typed)
	require.NoError(t, err)
	raw, err = c.Transact(wr.Marshal())
	require.NoError(t, err)
	require.NoError(t, cip.CheckWriteResponse(raw))

	values, err = sim.Values("Speed")
	require.NoError(t, err)
	assert.Equal(t, cip.Real(7), values[0])
}

func TestTransactUnknownTag(t *testing.T) {
	sim := startSim(t)

	c, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	req, err := cip.ReadRequest(cip.MustParseTag("Missing"), 1)
	require.NoError(t, err)
	raw, err := c.Transact(req.Marshal())
	require.NoError(t, err)

	_, err = cip.ReadResponseData(raw)
	var se *cip.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, cip.StatusPathUnknown, se.Status)
}

func TestTransactAfterClose(t *testing.T) {
	sim := startSim(t)

	c, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Transact([]byte{cip.SvcReadData, 0})
	assert.ErrorIs(t, err, eip.ErrNotConnected)
}

func TestTransactDroppedConnection(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.SetTag("X", cip.Dint(1)))

	c, err := eip.Open(context.Background(), sim.Addr(), 0, time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	sim.DropConnections()
	req, _ := cip.ReadRequest(cip.MustParseTag("X"), 1)
	_, err = c.Transact(req.Marshal())
	assert.Error(t, err)
}

// A target that splits its reply across several writes must still yield
// exactly one frame.
func TestReceiveFramedPartialReads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hdr := make([]byte, eip.HeaderSize)
		for {
			if _, err := io.ReadFull(conn, hdr); err != nil {
				return
			}
			n, _ := eip.FrameLength(hdr)
			body := make([]byte, n-eip.HeaderSize)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			req, _ := eip.ParseEipEncap(append(hdr, body...))
			reply := eip.EipEncap{Command: req.Command, SessionHandle: 7}
			switch req.Command {
			case eip.ListServices:
				reply.Data = eip.ListServicesData(eip.ServiceInfo{
					TypeId: eip.CpfListServicesResponseId, Version: 1, Flags: eip.ServiceFlagCIP, Name: "Communications",
				})
			case eip.RegisterSession:
				reply.Data = req.Data
			case eip.SendRRData:
				reply.Status = 0x01
			default:
				return
			}
			reply.Length = uint16(len(reply.Data))
			frame := reply.Bytes()
			for i := range frame {
				conn.Write(frame[i : i+1])
				time.Sleep(time.Millisecond)
			}
		}
	}()

	c, err := eip.Open(context.Background(), ln.Addr().String(), 0, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint32(7), c.Session())
}

func TestEncapRoundTrip(t *testing.T) {
	m := eip.NewEncap(eip.SendRRData, 0x11223344, []byte{1, 2, 3})
	raw := m.Bytes()
	require.Len(t, raw, eip.HeaderSize+3)
	assert.Equal(t, []byte{0x6F, 0x00, 0x03, 0x00, 0x44, 0x33, 0x22, 0x11}, raw[:8])

	n, err := eip.FrameLength(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)

	back, err := eip.ParseEipEncap(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Command, back.Command)
	assert.Equal(t, m.SessionHandle, back.SessionHandle)
	assert.Equal(t, []byte{1, 2, 3}, back.Data)
	assert.NoError(t, back.Check(eip.SendRRData))

	back.Status = 0x64
	var ee *eip.EncapError
	require.ErrorAs(t, back.Check(eip.SendRRData), &ee)
	assert.Contains(t, ee.Error(), "invalid session ID")
}

func TestListServicesFlag(t *testing.T) {
	data := eip.ListServicesData(
		eip.ServiceInfo{TypeId: eip.CpfListServicesResponseId, Version: 1, Flags: 1 << 8, Name: "Communications"},
	)
	services, err := eip.ParseListServices(data)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "Communications", services[0].Name)
	assert.False(t, services[0].SupportsCIP())
}

func TestUnconnectedPacketLayout(t *testing.T) {
	p := eip.UnconnectedPacket([]byte{0xAA, 0xBB})
	raw := p.Bytes()
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0xB2, 0, 2, 0, 0xAA, 0xBB}, raw)
	assert.Equal(t, len(raw)+6, eip.RRDataSize(2))

	back, err := eip.ParseEipCommonPacket(raw)
	require.NoError(t, err)
	data, err := back.UnconnectedData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)
}
