package ssh

import (
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
	gossh "golang.org/x/crypto/ssh"
)

// channelTty lets tcell draw on an SSH session channel. Input is pumped
// through a pipe so Drain can wake a reader blocked on the channel.
type channelTty struct {
	ch   gossh.Channel
	term string
	pr   *io.PipeReader

	mu       sync.Mutex
	width    int
	height   int
	onResize func()
}

func newChannelTty(ch gossh.Channel, term string, width, height int) *channelTty {
	if term == "" {
		term = "xterm-256color"
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, ch)
		pw.CloseWithError(err)
	}()
	return &channelTty{ch: ch, term: term, pr: pr, width: width, height: height}
}

func (t *channelTty) Start() error { return nil }

func (t *channelTty) Stop() error { return nil }

// Drain ends any pending Read; the session is over once the screen lets go.
func (t *channelTty) Drain() error {
	return t.pr.CloseWithError(io.EOF)
}

func (t *channelTty) NotifyResize(cb func()) {
	t.mu.Lock()
	t.onResize = cb
	t.mu.Unlock()
}

func (t *channelTty) WindowSize() (tcell.WindowSize, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tcell.WindowSize{Width: t.width, Height: t.height}, nil
}

// resize applies a window-change request.
func (t *channelTty) resize(width, height int) {
	t.mu.Lock()
	t.width, t.height = width, height
	cb := t.onResize
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *channelTty) Read(b []byte) (int, error) { return t.pr.Read(b) }

func (t *channelTty) Write(b []byte) (int, error) { return t.ch.Write(b) }

func (t *channelTty) Close() error {
	t.pr.CloseWithError(io.EOF)
	return t.ch.Close()
}

var _ tcell.Tty = (*channelTty)(nil)
