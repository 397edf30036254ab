// Package ssh serves the terminal monitor to SSH clients. Every session
// gets its own monitor drawing on the session channel; all of them share
// the registry and services of the running process.
package ssh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"eipscan/config"
	"eipscan/logging"
)

// Monitor is one session's user interface.
type Monitor interface {
	Run() error
	Stop()
}

// MonitorFunc builds a monitor drawing on screen.
type MonitorFunc func(screen tcell.Screen) Monitor

type session struct {
	conn    *gossh.ServerConn
	channel gossh.Channel
	term    string
	width   int
	height  int

	mu      sync.Mutex
	tty     *channelTty
	monitor Monitor
	started bool
	closed  bool
}

// close ends the monitor and signals a clean exit to the client.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	m := s.monitor
	s.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	s.channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	s.channel.CloseWrite()
	s.channel.Close()
}

// Server accepts SSH connections and runs a monitor per interactive
// session.
type Server struct {
	cfg        *config.SSHConfig
	newMonitor MonitorFunc
	log        *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewServer creates a server that builds session monitors with newMonitor.
func NewServer(cfg *config.SSHConfig, newMonitor MonitorFunc, log *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		newMonitor: newMonitor,
		log:        logging.OrNop(log).Named("ssh"),
		sessions:   make(map[*session]struct{}),
	}
}

func (s *Server) serverConfig() (*gossh.ServerConfig, error) {
	sc := &gossh.ServerConfig{
		PasswordCallback: passwordCallback(s.cfg.PasswordHash),
	}
	if s.cfg.AuthorizedKeys != "" {
		keys, err := loadAuthorizedKeys(s.cfg.AuthorizedKeys)
		if err != nil {
			return nil, fmt.Errorf("authorized keys: %w", err)
		}
		sc.PublicKeyCallback = publicKeyCallback(keys)
	}
	if sc.PasswordCallback == nil && sc.PublicKeyCallback == nil {
		return nil, errors.New("no authentication method configured")
	}
	key, err := hostKey(s.cfg.HostKey)
	if err != nil {
		return nil, err
	}
	sc.AddHostKey(key)
	return sc, nil
}

// Start listens on the configured address.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("ssh server already running")
	}
	sc, err := s.serverConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.running = true
	s.log.Info("serving monitor", zap.String("address", ln.Addr().String()))
	logging.DebugLog(logging.SSH, "listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln, sc)
	return nil
}

// Addr is the listening address, nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener, sc *gossh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept", zap.Error(err))
			continue
		}
		go s.handleConn(conn, sc)
	}
}

func (s *Server) handleConn(conn net.Conn, sc *gossh.ServerConfig) {
	sconn, chans, reqs, err := gossh.NewServerConn(conn, sc)
	if err != nil {
		logging.DebugLog(logging.SSH, "handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	s.log.Info("connection", zap.String("remote", sconn.RemoteAddr().String()), zap.String("user", sconn.User()))
	go gossh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(gossh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			logging.DebugLog(logging.SSH, "accept channel: %v", err)
			continue
		}
		go s.handleSession(&session{conn: sconn, channel: ch}, requests)
	}
}

func (s *Server) handleSession(sess *session, requests <-chan *gossh.Request) {
	remote := sess.conn.RemoteAddr().String()
	for req := range requests {
		ok := true
		switch req.Type {
		case "pty-req":
			term, w, h, err := parsePtyRequest(req.Payload)
			if err != nil {
				logging.DebugLog(logging.SSH, "pty-req from %s: %v", remote, err)
				ok = false
				break
			}
			sess.mu.Lock()
			sess.term, sess.width, sess.height = term, w, h
			sess.mu.Unlock()
		case "shell":
			sess.mu.Lock()
			ok = sess.term != "" && !sess.started
			sess.started = sess.started || ok
			sess.mu.Unlock()
			if ok {
				go s.runSession(sess)
			}
		case "window-change":
			w, h, err := parseWindowChange(req.Payload)
			if err != nil {
				ok = false
				break
			}
			sess.mu.Lock()
			tty := sess.tty
			sess.width, sess.height = w, h
			sess.mu.Unlock()
			if tty != nil {
				tty.resize(w, h)
			}
		case "env":
		default:
			ok = false
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
	sess.close()
}

func (s *Server) runSession(sess *session) {
	remote := sess.conn.RemoteAddr().String()
	sess.mu.Lock()
	tty := newChannelTty(sess.channel, sess.term, sess.width, sess.height)
	sess.tty = tty
	sess.mu.Unlock()

	if !s.track(sess) {
		sess.close()
		return
	}
	defer s.untrack(sess)

	screen, err := newScreen(tty)
	if err != nil {
		s.log.Warn("session screen", zap.String("remote", remote), zap.Error(err))
		sess.close()
		return
	}
	m := s.newMonitor(screen)
	sess.mu.Lock()
	sess.monitor = m
	closed := sess.closed
	sess.mu.Unlock()
	if closed {
		m.Stop()
		return
	}

	s.log.Info("session started", zap.String("remote", remote), zap.String("term", tty.term))
	if err := m.Run(); err != nil {
		logging.DebugLog(logging.SSH, "monitor for %s: %v", remote, err)
	}
	sess.close()
	sess.conn.Close()
	s.log.Info("session ended", zap.String("remote", remote))
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// newScreen looks up terminfo for the client's terminal, falling back to
// xterm.
func newScreen(tty *channelTty) (tcell.Screen, error) {
	var ti *terminfo.Terminfo
	var err error
	for _, term := range []string{tty.term, "xterm-256color", "xterm"} {
		if ti, err = terminfo.LookupTerminfo(term); err == nil {
			return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
		}
	}
	return nil, fmt.Errorf("terminfo for %s: %w", tty.term, err)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	return err
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sessions is the number of active monitor sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// parsePtyRequest decodes string term, uint32 cols, uint32 rows; pixel
// sizes and modes are ignored.
func parsePtyRequest(p []byte) (string, int, int, error) {
	if len(p) < 4 {
		return "", 0, 0, errors.New("short pty-req")
	}
	n := binary.BigEndian.Uint32(p)
	if uint64(len(p)) < 4+uint64(n)+8 {
		return "", 0, 0, errors.New("short pty-req")
	}
	term := string(p[4 : 4+n])
	p = p[4+n:]
	return term, int(binary.BigEndian.Uint32(p)), int(binary.BigEndian.Uint32(p[4:])), nil
}

func parseWindowChange(p []byte) (int, int, error) {
	if len(p) < 8 {
		return 0, 0, errors.New("short window-change")
	}
	return int(binary.BigEndian.Uint32(p)), int(binary.BigEndian.Uint32(p[4:])), nil
}
