package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLoggerFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugWriter(&buf)
	l.SetFilter("eip")

	l.Log(EIP, "frame %d", 1)
	l.Log(CIP, "multi request")
	l.Log(MQTT, "should be filtered")

	out := buf.String()
	if !strings.Contains(out, "[EIP] frame 1") {
		t.Errorf("missing EIP line:\n%s", out)
	}
	if !strings.Contains(out, "[CIP] multi request") {
		t.Errorf("cip should follow the eip filter:\n%s", out)
	}
	if strings.Contains(out, "should be filtered") {
		t.Errorf("MQTT line was not filtered:\n%s", out)
	}
}

func TestDebugLoggerPackets(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugWriter(&buf)

	l.LogTX(EIP, []byte{0x65, 0x00, 0x04, 0x00, 'H', 'i'})
	l.LogRX(EIP, nil)
	l.LogError(EIP, "recv", errors.New("timeout"))

	out := buf.String()
	for _, want := range []string{"TX (6 bytes)", "0000: 65 00 04 00 48 69", "Hi", "RX (0 bytes)", "(empty)", "ERROR in recv: timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDebugLoggerFileAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	l.Log(SCAN, "scan list 0.5s")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after close are dropped, second close is a no-op.
	l.Log(SCAN, "after close")
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "scan list 0.5s") || strings.Contains(string(data), "after close") {
		t.Errorf("unexpected file content:\n%s", data)
	}
}

func TestGlobalHelpersWithoutLogger(t *testing.T) {
	SetGlobalDebugLogger(nil)
	// Must not panic.
	DebugLog(EIP, "x")
	DebugTX(EIP, []byte{1})
	DebugConnectError(EIP, "10.0.0.1", errors.New("refused"))

	var buf bytes.Buffer
	SetGlobalDebugLogger(NewDebugWriter(&buf))
	defer SetGlobalDebugLogger(nil)
	DebugConnect(EIP, "10.0.0.1:44818")
	if !strings.Contains(buf.String(), "CONNECT to 10.0.0.1:44818") {
		t.Errorf("global helper did not log:\n%s", buf.String())
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug", "console"); err != nil {
		t.Errorf("console logger: %v", err)
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}
