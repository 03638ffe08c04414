package relay

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay/protocol"
	"github.com/muxtun/muxtun/internal/tui"
)

// ServerConfig controls the relay server listener behaviour.
type ServerConfig struct {
	ListenAddr        string
	FrameSize         int
	StreamWindow      int64
	SessionWindow     int64
	HeartbeatInterval time.Duration
	TLSConfig         *tls.Config
	WriteTimeout      time.Duration
	Plaintext         bool
	Metrics           *metrics.Counters
}

type Server struct {
	cfg      ServerConfig
	listener net.Listener

	sessions   map[uint32]*Session
	sessionsMu sync.Mutex

	subflowIDs atomicCounter
}

type atomicCounter struct {
	mu sync.Mutex
	vl int
}

func (c *atomicCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	val := c.vl
	c.vl++
	return val
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 32 << 10
	}
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = 512 << 10
	}
	if cfg.SessionWindow == 0 {
		cfg.SessionWindow = 4 << 20
	}
	var ln net.Listener
	var err error
	if cfg.Plaintext {
		ln, err = net.Listen("tcp", cfg.ListenAddr)
	} else {
		if cfg.TLSConfig == nil {
			return nil, errors.New("relay: server TLS configuration required")
		}
		ln, err = tls.Listen("tcp", cfg.ListenAddr, cfg.TLSConfig)
	}
	if err != nil {
		return nil, err
	}
	server := &Server{
		cfg:      cfg,
		listener: ln,
		sessions: make(map[uint32]*Session),
	}
	return server, nil
}

func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) handleConn(conn net.Conn) {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if frame.Type != protocol.FrameControl || frame.Control == nil {
		_ = conn.Close()
		return
	}
	if s.cfg.Plaintext && frame.Flags&protocol.FlagChecksumPresent == 0 {
		_ = conn.Close()
		return
	}
	sessionID := frame.SessionID
	var sess *Session
	s.sessionsMu.Lock()
	sess = s.sessions[sessionID]
	if sess == nil && frame.Control.Type == protocol.ControlSessionInit {
		sessCfg := SessionConfig{
			Role:              RoleServer,
			SessionID:         sessionID,
			FrameSize:         s.cfg.FrameSize,
			StreamWindow:      s.cfg.StreamWindow,
			SessionWindow:     s.cfg.SessionWindow,
			HeartbeatInterval: s.cfg.HeartbeatInterval,
			WriteTimeout:      s.cfg.WriteTimeout,
			EnableChecksums:   s.cfg.Plaintext,
			Metrics:           s.cfg.Metrics,
		}
		sess = NewServerSession(sessCfg)
		s.sessions[sessionID] = sess
	}
	s.sessionsMu.Unlock()
	if sess == nil {
		_ = conn.Close()
		return
	}
	sf := newSubflow(s.subflowIDs.Next(), sess, conn)
	sess.handleFrame(sf, frame)
}

func (s *Server) Close() error {
	err := s.listener.Close()
	s.sessionsMu.Lock()
	for id, sess := range s.sessions {
		_ = sess.Close()
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()
	return err
}

// Sessions returns the live sessions, newest last. Used by the admin surface
// to route window adjustments.
func (s *Server) Sessions() []*Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Snapshot implements tui.Provider by merging all session snapshots.
func (s *Server) Snapshot() tui.Snapshot {
	snap := tui.Snapshot{Timestamp: time.Now(), Title: "muxtun server"}
	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		ss := sess.Snapshot()
		snap.Lines = append(snap.Lines, ss.Lines...)
	}
	s.sessionsMu.Unlock()
	if len(snap.Lines) == 0 {
		snap.Lines = []string{"no sessions"}
	}
	return snap
}
