package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/muxtun/muxtun/internal/flowcontrol"
	"github.com/muxtun/muxtun/internal/relay/protocol"
)

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = 1 << 20
	}
	if cfg.SessionWindow == 0 {
		cfg.SessionWindow = 4 << 20
	}
	sess := newSession(cfg, nil)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func attachStubSubflow(sess *Session, conn net.Conn) *Subflow {
	sf := newSubflow(0, sess, conn)
	sess.subflowsMu.Lock()
	sess.subflows[sf.ID] = sf
	sess.subflowsMu.Unlock()
	sess.scheduler.Attach(sf)
	return sf
}

func TestSendDataConsumesBothWindows(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 1024, SessionWindow: 4096})
	conn := &stubConn{}
	attachStubSubflow(sess, conn)

	stream := newStream(sess, 1)
	payload := []byte("hello credit windows")
	if err := sess.sendData(context.Background(), stream, payload, false); err != nil {
		t.Fatalf("send data: %v", err)
	}

	if got, want := stream.sendCredits.Balance(), int64(1024-len(payload)); got != want {
		t.Fatalf("stream balance = %d, want %d", got, want)
	}
	if got, want := sess.sendCredits.Balance(), int64(4096-len(payload)); got != want {
		t.Fatalf("session balance = %d, want %d", got, want)
	}

	frames := decodeRecordedFrames(t, conn.bytes())
	if len(frames) != 1 || frames[0].Type != protocol.FrameData {
		t.Fatalf("expected one data frame, got %+v", frames)
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestAckCreditReplenishesBothWindows(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 100, SessionWindow: 200})
	conn := &stubConn{}
	attachStubSubflow(sess, conn)

	stream := newStream(sess, 1)
	payload := make([]byte, 60)
	if err := sess.sendData(context.Background(), stream, payload, false); err != nil {
		t.Fatalf("send data: %v", err)
	}

	stream.onAck(&protocol.AckPayload{AckSeq: 60, Credit: 60})

	if got := stream.sendCredits.Balance(); got != 100 {
		t.Fatalf("stream balance after ack = %d, want 100", got)
	}
	if got := sess.sendCredits.Balance(); got != 200 {
		t.Fatalf("session balance after ack = %d, want 200", got)
	}
	if got := stream.inflight.Load(); got != 0 {
		t.Fatalf("inflight after ack = %d, want 0", got)
	}
}

func TestSendDataChunksOnPartialCredit(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 8, SessionWindow: 1 << 20})
	conn := &stubConn{}
	attachStubSubflow(sess, conn)

	stream := newStream(sess, 1)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.sendData(context.Background(), stream, payload, false)
	}()

	// Drip credit back as if the peer were acking, forcing three partial
	// grants of 8, 8 and 4 bytes.
	for got := 0; got < len(payload); {
		time.Sleep(10 * time.Millisecond)
		frames := decodeRecordedFrames(t, conn.bytes())
		sent := 0
		for _, f := range frames {
			sent += len(f.Payload)
		}
		if sent > got {
			credit := sent - got
			got = sent
			stream.onAck(&protocol.AckPayload{AckSeq: uint64(got), Credit: uint32(credit)})
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("send data: %v", err)
	}
	frames := decodeRecordedFrames(t, conn.bytes())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	var joined []byte
	for _, f := range frames {
		joined = append(joined, f.Payload...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestPeerWindowReconciliationShrinks(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 1000, SessionWindow: 1 << 20})
	stream := newStream(sess, 1)

	stream.applyPeerWindow(400)
	if got := stream.sendCredits.Balance(); got != 400 {
		t.Fatalf("balance after shrink = %d, want 400", got)
	}
	// Only the first advertisement counts.
	stream.applyPeerWindow(10_000)
	if got := stream.sendCredits.Balance(); got != 400 {
		t.Fatalf("balance after second advertisement = %d, want 400", got)
	}
}

func TestCreditAdjustControlFrame(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 500, SessionWindow: 800})
	stream := sess.createStream(7)

	// Stream-scoped revoke.
	sess.handleCreditAdjust(&protocol.Frame{
		StreamID: 7,
		Control:  &protocol.ControlPayload{Type: protocol.ControlCreditAdjust, Delta: -200},
	})
	if got := stream.sendCredits.Balance(); got != 300 {
		t.Fatalf("stream balance = %d, want 300", got)
	}

	// Session-scoped grant.
	sess.handleCreditAdjust(&protocol.Frame{
		StreamID: 0,
		Control:  &protocol.ControlPayload{Type: protocol.ControlCreditAdjust, Delta: 100},
	})
	if got := sess.sendCredits.Balance(); got != 900 {
		t.Fatalf("session balance = %d, want 900", got)
	}
}

func TestSessionOverflowAdjustRecordsCause(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, SessionWindow: 800})

	// A grant that would push the session balance past MaxInt64 is protocol
	// corruption: the session must die and remember why.
	sess.handleCreditAdjust(&protocol.Frame{
		StreamID: 0,
		Control:  &protocol.ControlPayload{Type: protocol.ControlCreditAdjust, Delta: math.MaxInt64},
	})

	if !sess.closed.Load() {
		t.Fatalf("session still open after overflowing adjust")
	}
	if err := sess.Err(); !errors.Is(err, flowcontrol.ErrOverflow) {
		t.Fatalf("session cause = %v, want %v", err, flowcontrol.ErrOverflow)
	}
}

func TestNewStreamClampsHugeWindow(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 5 << 30})
	stream := newStream(sess, 1)

	if got := stream.reorder.capacity; got != ^uint32(0) {
		t.Fatalf("reorder capacity = %d, want %d", got, ^uint32(0))
	}
	if got := stream.sendCredits.Balance(); got != 5<<30 {
		t.Fatalf("send credits = %d, want %d", got, int64(5<<30))
	}
}

func TestUpdatePeerSendWindowEmitsControlFrame(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient})
	conn := &stubConn{}
	attachStubSubflow(sess, conn)

	if err := sess.UpdatePeerSendWindow(3, -4096); err != nil {
		t.Fatalf("update window: %v", err)
	}
	frames := decodeRecordedFrames(t, conn.bytes())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Type != protocol.FrameControl || f.Control == nil {
		t.Fatalf("expected control frame, got %+v", f)
	}
	if f.Control.Type != protocol.ControlCreditAdjust || f.Control.Delta != -4096 || f.StreamID != 3 {
		t.Fatalf("unexpected control payload: %+v", f.Control)
	}
}

func TestStreamOnAckTriggersRetransmitForSACKHole(t *testing.T) {
	sess := newTestSession(t, SessionConfig{Role: RoleClient, StreamWindow: 1024, SubflowTarget: 1})
	conn := &stubConn{}
	attachStubSubflow(sess, conn)

	stream := newStream(sess, 1)
	payload1 := []byte("first-chunk")
	payload2 := []byte("second-chunk")
	if err := sess.sendData(context.Background(), stream, payload1, false); err != nil {
		t.Fatalf("send data 1: %v", err)
	}
	if err := sess.sendData(context.Background(), stream, payload2, false); err != nil {
		t.Fatalf("send data 2: %v", err)
	}

	frames := decodeRecordedFrames(t, conn.bytes())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	stream.pendingMu.Lock()
	for _, entry := range stream.pending {
		entry.lastSend = time.Now().Add(-time.Second)
	}
	stream.pendingMu.Unlock()

	ack := &protocol.AckPayload{
		AckSeq: 0,
		Credit: 0,
		Ranges: []protocol.SACKRange{{
			Start: uint64(len(payload1)),
			End:   uint64(len(payload1) + len(payload2)),
		}},
	}
	stream.onAck(ack)

	stream.pendingMu.Lock()
	if len(stream.pending) != 1 {
		stream.pendingMu.Unlock()
		t.Fatalf("expected 1 pending entry after ack, got %d", len(stream.pending))
	}
	remaining := stream.pending[0]
	stream.pendingMu.Unlock()

	if remaining.seq != 0 {
		t.Fatalf("expected remaining sequence 0, got %d", remaining.seq)
	}
	frames = decodeRecordedFrames(t, conn.bytes())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames after retransmit, got %d", len(frames))
	}
	retry := frames[2]
	if retry.Type != protocol.FrameData {
		t.Fatalf("expected data frame, got %v", retry.Type)
	}
	if string(retry.Payload) != string(payload1) {
		t.Fatalf("unexpected retransmit payload: %q", retry.Payload)
	}
}

func TestSessionSpawnReplacementSubflow(t *testing.T) {
	var (
		dialMu    sync.Mutex
		dialCount int
		conns     []*passiveConn
	)
	dialer := func() (net.Conn, error) {
		pc := newPassiveConn()
		dialMu.Lock()
		dialCount++
		conns = append(conns, pc)
		dialMu.Unlock()
		return pc, nil
	}
	sess := newSession(SessionConfig{
		Role:          RoleClient,
		StreamWindow:  1024,
		SessionWindow: 4096,
		SubflowTarget: 1,
	}, dialer)
	defer func() {
		_ = sess.Close()
		dialMu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		dialMu.Unlock()
	}()

	attachStubSubflow(sess, &stubConn{})

	sess.onSubflowError(0, errors.New("boom"))
	deadline := time.After(time.Second)
	for {
		dialMu.Lock()
		count := dialCount
		dialMu.Unlock()
		if count > 0 && sess.subflowCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("replacement subflow not ready: dial=%d subflows=%d", count, sess.subflowCount())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

type stubConn struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (c *stubConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *stubConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Write(p)
}

func (c *stubConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buffer.Bytes()...)
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) LocalAddr() net.Addr  { return stubAddr("local") }
func (c *stubConn) RemoteAddr() net.Addr { return stubAddr("remote") }

func (c *stubConn) SetDeadline(time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr string

func (a stubAddr) Network() string { return string(a) }

func (a stubAddr) String() string { return string(a) }

func decodeRecordedFrames(t *testing.T, data []byte) []*protocol.Frame {
	t.Helper()
	reader := bytes.NewReader(data)
	var frames []*protocol.Frame
	for reader.Len() > 0 {
		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			t.Fatalf("decode recorded frames: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

type passiveConn struct {
	closed chan struct{}
	once   sync.Once
}

func newPassiveConn() *passiveConn {
	return &passiveConn{closed: make(chan struct{})}
}

func (c *passiveConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *passiveConn) Write(p []byte) (int, error) {
	return len(p), nil
}

func (c *passiveConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *passiveConn) LocalAddr() net.Addr  { return stubAddr("passive-local") }
func (c *passiveConn) RemoteAddr() net.Addr { return stubAddr("passive-remote") }

func (c *passiveConn) SetDeadline(time.Time) error      { return nil }
func (c *passiveConn) SetReadDeadline(time.Time) error  { return nil }
func (c *passiveConn) SetWriteDeadline(time.Time) error { return nil }
