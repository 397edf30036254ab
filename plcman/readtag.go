package plcman

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/eip"
)

// ReadTag connects, reads elements elements of tag once and disconnects.
// It returns the typed data as received.
func ReadTag(ctx context.Context, address string, slot byte, tag string, elements int, timeout time.Duration, log *zap.Logger) ([]byte, error) {
	parsed, err := cip.ParseTag(tag)
	if err != nil {
		return nil, err
	}
	if elements < 1 {
		elements = 1
	}
	conn, err := eip.Open(ctx, address, slot, timeout, log)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, err := cip.ReadRequest(parsed, uint16(elements))
	if err != nil {
		return nil, err
	}
	raw, err := conn.Transact(req.Marshal())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", tag, err)
	}
	data, err := cip.ReadResponseData(raw)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", tag, err)
	}
	return data, nil
}
