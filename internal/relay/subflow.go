package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay/protocol"
)

// Subflow is a single TCP/TLS connection carrying frames for a session.
// Subflows are bidirectional; a session stripes stream data across all of
// them.
type Subflow struct {
	ID      int
	Conn    net.Conn
	session *Session
	wMu     sync.Mutex
	closed  chan struct{}

	// Data and padding rates are tracked separately so the dashboard can
	// show how much of the link is warm-up filler.
	txData *metrics.SlidingCounter
	rxData *metrics.SlidingCounter
	txPad  *metrics.SlidingCounter
	rxPad  *metrics.SlidingCounter
}

func newSubflow(id int, sess *Session, conn net.Conn) *Subflow {
	return &Subflow{
		ID:      id,
		Conn:    conn,
		session: sess,
		closed:  make(chan struct{}),
		txData:  metrics.NewSlidingCounter(rateWindow, rateStep),
		rxData:  metrics.NewSlidingCounter(rateWindow, rateStep),
		txPad:   metrics.NewSlidingCounter(rateWindow, rateStep),
		rxPad:   metrics.NewSlidingCounter(rateWindow, rateStep),
	}
}

func newClientSubflow(id int, sess *Session, dialer func() (net.Conn, error)) (*Subflow, error) {
	conn, err := dialer()
	if err != nil {
		return nil, err
	}
	return newSubflow(id, sess, conn), nil
}

const (
	rateWindow = 10 * time.Second
	rateStep   = 500 * time.Millisecond
)

func (s *Subflow) run() {
	defer close(s.closed)
	for {
		frame, err := protocol.ReadFrame(s.Conn)
		if err != nil {
			s.session.onSubflowError(s.ID, err)
			return
		}
		if s.session.cfg.EnableChecksums && frame.Flags&protocol.FlagChecksumPresent == 0 {
			s.session.onSubflowError(s.ID, fmt.Errorf("relay: subflow %d: checksum required", s.ID))
			return
		}
		switch frame.Type {
		case protocol.FrameData:
			s.rxData.Add(int64(len(frame.Payload)))
			s.session.cfg.Metrics.AddDataRx(len(frame.Payload))
		case protocol.FramePadding:
			// Warm-up filler terminates here; it never reaches a stream.
			s.rxPad.Add(int64(len(frame.Payload)))
			s.session.cfg.Metrics.AddPaddingRx(len(frame.Payload))
			continue
		}
		s.session.handleFrame(s, frame)
	}
}

func (s *Subflow) send(frame *protocol.Frame) error {
	s.wMu.Lock()
	defer s.wMu.Unlock()
	if deadline := s.session.cfg.WriteTimeout; deadline > 0 {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(deadline))
	}
	if s.session.cfg.EnableChecksums {
		frame.Flags |= protocol.FlagChecksumPresent
	}
	if err := frame.Encode(s.Conn); err != nil {
		return fmt.Errorf("relay: subflow %d write: %w", s.ID, err)
	}
	switch frame.Type {
	case protocol.FrameData:
		s.txData.Add(int64(len(frame.Payload)))
		s.session.cfg.Metrics.AddDataTx(len(frame.Payload))
	case protocol.FramePadding:
		s.txPad.Add(int64(len(frame.Payload)))
		s.session.cfg.Metrics.AddPaddingTx(len(frame.Payload))
	}
	return nil
}

func (s *Subflow) close() error {
	return s.Conn.Close()
}
