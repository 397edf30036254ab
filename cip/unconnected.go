package cip

import "fmt"

// UnconnectedTimeoutMs is the routing timeout requested from the
// connection manager.
const UnconnectedTimeoutMs = 245760

// BackplanePort is the port segment used to reach a controller slot.
const BackplanePort byte = 1

// TickTime splits a timeout into the priority/tick byte and a tick count,
// so that ticks << tick ~= ms. Timeouts above 8355840 ms do not fit.
func TickTime(ms uint32) (tick, ticks byte, err error) {
	if ms > 8355840 {
		return 0, 0, fmt.Errorf("TickTime: %d ms exceeds the maximum timeout", ms)
	}
	for ms > 0xFF {
		tick++
		ms >>= 1
	}
	return tick, byte(ms), nil
}

// UnconnectedSendSize is the size of an Unconnected_Send that embeds a
// message of msgSize bytes.
func UnconnectedSendSize(msgSize int) int {
	return RequestSize(len(ConnectionManagerPath), 4+msgSize+msgSize%2+4)
}

// UnconnectedSend wraps msg for routing through the backplane to slot.
func UnconnectedSend(msg []byte, slot byte) (Request, error) {
	tick, ticks, err := TickTime(UnconnectedTimeoutMs)
	if err != nil {
		return Request{}, err
	}
	route, err := EPath().Port(BackplanePort, slot).Build()
	if err != nil {
		return Request{}, err
	}
	data := make([]byte, 0, 4+len(msg)+1+2+len(route))
	data = append(data, tick, ticks)
	data = AppendUINT(data, uint16(len(msg)))
	data = append(data, msg...)
	if len(msg)%2 != 0 {
		data = append(data, 0)
	}
	data = append(data, route.WordLen(), 0)
	data = append(data, route...)
	return Request{Service: SvcUnconnectedSend, Path: ConnectionManagerPath, Data: data}, nil
}

// ParseUnconnectedSend extracts the embedded message and slot from an
// Unconnected_Send request.
func ParseUnconnectedSend(raw []byte) (msg []byte, slot byte, err error) {
	if len(raw) < 2 || raw[0] != SvcUnconnectedSend {
		return nil, 0, fmt.Errorf("not an Unconnected_Send request")
	}
	start := 2 + 2*int(raw[1])
	if start > len(raw) {
		return nil, 0, fmt.Errorf("Unconnected_Send path overruns request")
	}
	d := raw[start:]
	if len(d) < 4 {
		return nil, 0, fmt.Errorf("Unconnected_Send too short")
	}
	n := int(UINT(d[2:]))
	end := 4 + n + n%2
	if len(d) < end+4 {
		return nil, 0, fmt.Errorf("Unconnected_Send message of %d bytes overruns request", n)
	}
	return d[4 : 4+n], d[end+3], nil
}
