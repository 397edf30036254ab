package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol tags of the debug log. Filters match them case-insensitively.
const (
	EIP    = "EIP"
	CIP    = "CIP"
	SCAN   = "SCAN"
	MQTT   = "MQTT"
	VALKEY = "VALKEY"
	KAFKA  = "KAFKA"
	API    = "API"
	SSH    = "SSH"

	debugTag = "DEBUG"
)

// implied lists the tags a filter entry pulls in with it.
var implied = map[string][]string{
	"eip":    {"cip"},
	"cip":    {"eip"},
	"scan":   {"eip", "cip"},
	"broker": {"mqtt", "valkey", "kafka"},
}

// DebugLogger writes protocol traces: timestamped lines tagged with the
// protocol they belong to, plus hex dumps of every frame sent or received.
// It is meant for chasing wire-level problems, not for operational logs.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
	only   map[string]bool // nil logs every protocol
}

var global atomic.Pointer[DebugLogger]

// NewDebugLogger creates a debug log at path, truncating any previous one.
func NewDebugLogger(path string) (*DebugLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug log: %w", err)
	}
	l := NewDebugWriter(f)
	l.closer = f
	return l, nil
}

// NewDebugWriter logs to an arbitrary writer.
func NewDebugWriter(w io.Writer) *DebugLogger {
	l := &DebugLogger{w: w}
	l.Log(debugTag, "trace started %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts the log to a comma separated list of protocols. An
// empty filter logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	only := make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		only[p] = true
		for _, q := range implied[p] {
			only[q] = true
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(only) == 0 {
		l.only = nil
		return
	}
	l.only = only
	names := make([]string, 0, len(only))
	for p := range only {
		names = append(names, p)
	}
	l.emit(debugTag, "tracing only "+strings.Join(names, ", "))
}

// emit writes one line; l.mu must be held.
func (l *DebugLogger) emit(protocol, msg string) {
	if l.closed {
		return
	}
	if l.only != nil && protocol != debugTag && !l.only[strings.ToLower(protocol)] {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), protocol, msg)
}

// Log writes a formatted line tagged with protocol.
func (l *DebugLogger) Log(protocol, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.emit(protocol, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// LogTX dumps a frame that was sent.
func (l *DebugLogger) LogTX(protocol string, data []byte) { l.frame(protocol, "TX", data) }

// LogRX dumps a frame that was received.
func (l *DebugLogger) LogRX(protocol string, data []byte) { l.frame(protocol, "RX", data) }

func (l *DebugLogger) frame(protocol, dir string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.emit(protocol, fmt.Sprintf("%s (%d bytes):\n%s", dir, len(data), hexDump(data)))
	l.mu.Unlock()
}

func (l *DebugLogger) LogError(protocol, where string, err error) {
	l.Log(protocol, "ERROR in %s: %v", where, err)
}

// Close writes a footer and closes the file, if any. Later writes are
// dropped.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.emit(debugTag, "trace ended")
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump formats data as offset, 16 hex bytes in two groups of eight,
// and the printable ASCII:
//
//	0000: 65 00 04 00 00 00 00 00  00 00 00 00 00 00 00 00  e...............
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(&sb, "    %04X: ", off)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&sb, "%02X ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for _, b := range row {
			if b < 32 || b > 126 {
				b = '.'
			}
			sb.WriteByte(b)
		}
		if off+16 < len(data) {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// SetGlobalDebugLogger installs the logger behind the Debug* helpers. nil
// turns tracing off.
func SetGlobalDebugLogger(l *DebugLogger) { global.Store(l) }

// GetGlobalDebugLogger returns the installed logger, possibly nil.
func GetGlobalDebugLogger() *DebugLogger { return global.Load() }

// The helpers below are no-ops while no global logger is installed; the
// DebugLogger methods accept a nil receiver.

func DebugLog(protocol, format string, args ...any) {
	global.Load().Log(protocol, format, args...)
}

func DebugTX(protocol string, data []byte) { global.Load().LogTX(protocol, data) }

func DebugRX(protocol string, data []byte) { global.Load().LogRX(protocol, data) }

func DebugConnect(protocol, address string) {
	global.Load().Log(protocol, "CONNECT to %s", address)
}

func DebugConnectSuccess(protocol, address, details string) {
	global.Load().Log(protocol, "CONNECTED to %s: %s", address, details)
}

func DebugConnectError(protocol, address string, err error) {
	global.Load().Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

func DebugDisconnect(protocol, address, reason string) {
	global.Load().Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

func DebugError(protocol, where string, err error) {
	global.Load().LogError(protocol, where, err)
}
