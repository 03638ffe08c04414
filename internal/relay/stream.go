package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muxtun/muxtun/internal/flowcontrol"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay/protocol"
)

var errStreamClosed = errors.New("relay: stream closed")

const (
	retransmitInterval            = 50 * time.Millisecond
	defaultReorderCapacity uint32 = 256 << 10
)

type pendingEntry struct {
	seq      uint64
	length   uint32
	frame    *protocol.Frame
	lastSend time.Time
}

// Stream is a bidirectional logical stream multiplexed across the session
// subflows. Outbound bytes are budgeted by a per-stream credit manager and
// by the session-wide one; ACK credit from the peer replenishes both.
type Stream struct {
	session *Session
	id      uint32

	sendCredits *flowcontrol.Manager
	reorder     *ReorderBuffer

	sendSeq uint64
	recvSeq atomic.Uint64

	pending   []*pendingEntry
	pendingMu sync.Mutex

	inbound chan ReorderedChunk

	// ctx ends when the stream closes; it doubles as the cancellation
	// signal for any credit request still pending at teardown.
	ctx    context.Context
	cancel context.CancelCauseFunc

	accepted   chan struct{}
	acceptOnce sync.Once
	peerWindow atomic.Bool

	errMu sync.RWMutex
	err   error

	target net.Conn // server side target connection
	local  net.Conn // client side local connection

	closeOnce sync.Once

	sendClosed atomic.Bool
	localDone  atomic.Bool
	remoteDone atomic.Bool

	throughput *metrics.SlidingCounter
	inflight   atomic.Int64
}

func newStream(sess *Session, id uint32) *Stream {
	capacity := clampWindow(sess.cfg.StreamWindow)
	if capacity == 0 {
		capacity = defaultReorderCapacity
	}
	if capacity > ^uint32(0)/2 {
		capacity = ^uint32(0)
	} else {
		capacity *= 2
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Stream{
		session:     sess,
		id:          id,
		sendCredits: flowcontrol.NewManager(sess.cfg.StreamWindow),
		reorder:     NewReorderBuffer(capacity),
		inbound:     make(chan ReorderedChunk, 32),
		ctx:         ctx,
		cancel:      cancel,
		accepted:    make(chan struct{}),
		throughput:  metrics.NewSlidingCounter(rateWindow, rateStep),
	}
	sess.cfg.Metrics.StreamOpened()
	return s
}

func (s *Stream) waitForAccept() error {
	select {
	case <-s.accepted:
		return nil
	case <-s.ctx.Done():
		return s.Err()
	case <-time.After(10 * time.Second):
		return errors.New("relay: stream open timed out")
	}
}

func (s *Stream) accept() {
	s.acceptOnce.Do(func() {
		close(s.accepted)
	})
}

// applyPeerWindow reconciles the locally assumed initial send window with the
// one the peer actually advertised in its accept frame. The delta can be
// negative, driving the balance below zero until enough ACK credit returns.
func (s *Stream) applyPeerWindow(advertised uint32) {
	if advertised == 0 || !s.peerWindow.CompareAndSwap(false, true) {
		return
	}
	delta := int64(advertised) - s.session.cfg.StreamWindow
	if delta == 0 {
		return
	}
	if err := s.sendCredits.Adjust(delta); err != nil {
		s.fail(err)
	}
}

func (s *Stream) fail(err error) {
	if err == nil {
		err = errStreamClosed
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.closeOnce.Do(func() {
		s.cancel(err)
		s.sendCredits.Close()
		s.session.cfg.Metrics.StreamClosed()
	})
	if s.local != nil {
		_ = s.local.Close()
	}
	if s.target != nil {
		_ = s.target.Close()
	}
}

func (s *Stream) close(err error) {
	s.fail(err)
}

// Close tears the stream down without signalling an error to either side.
func (s *Stream) Close() {
	s.close(io.EOF)
}

func (s *Stream) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Done returns a channel closed once the stream completes or fails.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// reserveCredit obtains up to want bytes of send budget, first from the
// stream window and then from the session window. Both grants may be partial;
// any stream credit the session could not cover is refunded so it stays
// available to this stream's next chunk.
func (s *Stream) reserveCredit(ctx context.Context, want int64) (int64, error) {
	start := time.Now()
	n, err := s.sendCredits.Request(ctx, want)
	if err != nil {
		return 0, err
	}
	granted, err := s.session.sendCredits.Request(ctx, n)
	if err != nil {
		_ = s.sendCredits.Adjust(n)
		return 0, err
	}
	if granted < n {
		if adjErr := s.sendCredits.Adjust(n - granted); adjErr != nil {
			return 0, adjErr
		}
	}
	s.session.cfg.Metrics.ObserveCreditWait(time.Since(start))
	return granted, nil
}

// refundCredit returns unused budget to both windows after a failed queue or
// send attempt.
func (s *Stream) refundCredit(n int64) {
	if n <= 0 {
		return
	}
	_ = s.sendCredits.Adjust(n)
	_ = s.session.sendCredits.Adjust(n)
}

// queueFrame records a data frame as pending. Credit for the payload must
// already be reserved by the caller.
func (s *Stream) queueFrame(payload []byte, end bool) (*pendingEntry, error) {
	length := uint32(len(payload))
	if end {
		if s.sendClosed.Swap(true) {
			return nil, errStreamClosed
		}
	} else if s.sendClosed.Load() {
		return nil, errStreamClosed
	}
	seq := s.sendSeq
	s.sendSeq += uint64(length)
	frame := &protocol.Frame{
		Type:     protocol.FrameData,
		StreamID: s.id,
		Seq:      seq,
		Payload:  payload,
	}
	if end {
		frame.Flags |= protocol.FlagEndOfStream
	}
	entry := &pendingEntry{seq: seq, length: length, frame: frame}
	s.pendingMu.Lock()
	s.pending = append(s.pending, entry)
	s.pendingMu.Unlock()
	if length > 0 {
		s.throughput.Add(int64(length))
		s.inflight.Add(int64(length))
	}
	return entry, nil
}

func (s *Stream) onSendFailure(entry *pendingEntry) {
	s.pendingMu.Lock()
	for i, pending := range s.pending {
		if pending == entry {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.pendingMu.Unlock()
	if entry.length > 0 {
		s.refundCredit(int64(entry.length))
		s.inflight.Add(-int64(entry.length))
	}
}

func (s *Stream) onAck(ack *protocol.AckPayload) {
	if ack == nil {
		return
	}
	holes := computeAckHoles(ack)
	now := time.Now()
	var resend []*pendingEntry
	s.pendingMu.Lock()
	filtered := s.pending[:0]
	for _, entry := range s.pending {
		if ackCoversEntry(ack, entry) {
			continue
		}
		if shouldRetransmitEntry(entry, holes, now) {
			resend = append(resend, entry)
		}
		filtered = append(filtered, entry)
	}
	s.pending = filtered
	s.pendingMu.Unlock()
	if ack.Credit > 0 {
		s.inflight.Add(-int64(ack.Credit))
		if err := s.sendCredits.Adjust(int64(ack.Credit)); err != nil {
			s.fail(err)
			return
		}
		if err := s.session.sendCredits.Adjust(int64(ack.Credit)); err != nil {
			s.session.fail(err)
			return
		}
	}
	for _, entry := range resend {
		s.session.retransmit(s, entry, now)
	}
}

func (s *Stream) onData(frame *protocol.Frame) {
	end := frame.Flags&protocol.FlagEndOfStream != 0
	for {
		chunks, err := s.reorder.Push(frame.Seq, frame.Payload, end)
		if err != nil {
			if errors.Is(err, ErrReorderOverflow) {
				s.handleReorderOverflow()
				time.Sleep(5 * time.Millisecond)
				continue
			}
			s.fail(err)
			return
		}
		if len(chunks) == 0 {
			if err := s.sendAck(0); err != nil {
				s.fail(err)
			}
			return
		}
		for _, chunk := range chunks {
			select {
			case s.inbound <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
		return
	}
}

// BindClient attaches a local connection (SOCKS client side) to the stream
// and begins bidirectional forwarding.
func (s *Stream) BindClient(conn net.Conn) {
	s.local = conn
	go s.pumpOut(conn)
	go s.pumpIn(conn)
}

// BindServer attaches the remote target connection and begins forwarding
// between target and stream.
func (s *Stream) BindServer(conn net.Conn) {
	s.target = conn
	go s.pumpIn(conn)
	go s.pumpOut(conn)
}

// pumpOut reads from the attached connection and ships the bytes over the
// session, splitting across frames as credit allows.
func (s *Stream) pumpOut(conn net.Conn) {
	size := s.session.cfg.FrameSize
	if size <= 0 {
		size = 32 << 10
	}
	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		end := errors.Is(err, io.EOF)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := s.session.sendData(s.ctx, s, chunk, end); sendErr != nil {
				if isStreamShutdown(sendErr) {
					s.localDone.Store(true)
					s.maybeFinalize()
					return
				}
				s.fail(sendErr)
				return
			}
		} else if end {
			if sendErr := s.session.sendData(s.ctx, s, nil, true); sendErr != nil && !isStreamShutdown(sendErr) {
				s.fail(sendErr)
				return
			}
		}
		if err != nil {
			if !end {
				s.fail(err)
				return
			}
			s.localDone.Store(true)
			s.maybeFinalize()
			return
		}
	}
}

// pumpIn delivers reordered inbound chunks to the attached connection and
// returns credit to the peer for every byte written out.
func (s *Stream) pumpIn(conn net.Conn) {
	for {
		select {
		case chunk := <-s.inbound:
			if len(chunk.Data) > 0 {
				if _, err := conn.Write(chunk.Data); err != nil {
					s.fail(err)
					return
				}
				s.recvSeq.Add(uint64(len(chunk.Data)))
				if err := s.sendAck(uint32(len(chunk.Data))); err != nil {
					s.fail(err)
					return
				}
			} else if err := s.sendAck(0); err != nil {
				s.fail(err)
				return
			}
			if chunk.End {
				s.remoteDone.Store(true)
				halfCloseWrite(conn)
				s.maybeFinalize()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) sendAck(credit uint32) error {
	ranges := s.reorder.SACKRanges()
	if credit == 0 && len(ranges) == 0 && !s.reorder.HasTerminal() {
		return nil
	}
	ack := &protocol.AckPayload{
		AckSeq: s.recvSeq.Load(),
		Credit: credit,
		Ranges: ranges,
	}
	return s.session.sendAck(s.id, ack)
}

func (s *Stream) handleReorderOverflow() {
	if err := s.sendAck(0); err != nil {
		s.fail(err)
	}
}

func halfCloseWrite(conn net.Conn) {
	if conn == nil {
		return
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

func (s *Stream) maybeFinalize() {
	if s.localDone.Load() && s.remoteDone.Load() {
		s.close(io.EOF)
	}
}

func (s *Stream) openServerSide(target string) error {
	conn, err := net.Dial("tcp", target)
	if err != nil {
		return err
	}
	s.BindServer(conn)
	return nil
}

// isStreamShutdown reports whether err is an orderly teardown outcome rather
// than a transport failure: the stream half-closed, its credit manager shut,
// or its context canceled while a credit request was pending.
func isStreamShutdown(err error) bool {
	return errors.Is(err, errStreamClosed) ||
		errors.Is(err, flowcontrol.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF)
}

func computeAckHoles(ack *protocol.AckPayload) []protocol.SACKRange {
	if ack == nil || len(ack.Ranges) == 0 {
		return nil
	}
	cur := ack.AckSeq
	holes := make([]protocol.SACKRange, 0, len(ack.Ranges))
	for _, r := range ack.Ranges {
		if r.Start > cur {
			holes = append(holes, protocol.SACKRange{Start: cur, End: r.Start})
		}
		if r.End > cur {
			cur = r.End
		}
	}
	return holes
}

func ackCoversEntry(ack *protocol.AckPayload, entry *pendingEntry) bool {
	end := entry.seq + uint64(entry.length)
	if ack.AckSeq >= end {
		return true
	}
	for _, r := range ack.Ranges {
		if entry.seq >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

func shouldRetransmitEntry(entry *pendingEntry, holes []protocol.SACKRange, now time.Time) bool {
	if entry.length == 0 || len(holes) == 0 {
		return false
	}
	if !entry.lastSend.IsZero() && now.Sub(entry.lastSend) < retransmitInterval {
		return false
	}
	end := entry.seq + uint64(entry.length)
	for _, hole := range holes {
		if entry.seq < hole.End && end > hole.Start {
			return true
		}
	}
	return false
}
