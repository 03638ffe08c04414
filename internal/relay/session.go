package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muxtun/muxtun/internal/flowcontrol"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay/protocol"
	"github.com/muxtun/muxtun/internal/tui"
)

// Role identifies which side of the relay a session instance operates on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SessionConfig bundles tunables shared across client and server sessions.
type SessionConfig struct {
	Role              Role
	SessionID         uint32
	FrameSize         int
	StreamWindow      int64
	SessionWindow     int64
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SubflowTarget     int
	EnableChecksums   bool
	Warmup            WarmupConfig
	Metrics           *metrics.Counters
}

// Dialer abstracts the transport used to create subflows on the client.
type Dialer func() (net.Conn, error)

// StreamIDAllocator yields monotonically increasing stream identifiers.
type StreamIDAllocator struct {
	value uint32
}

func (a *StreamIDAllocator) Next() uint32 {
	return atomic.AddUint32(&a.value, 1)
}

// Session models a logical relay session spanning K subflows. All streams
// share the session-wide send credit manager; each stream carries its own on
// top of it.
type Session struct {
	cfg       SessionConfig
	id        uint32
	streams   map[uint32]*Stream
	streamsMu sync.RWMutex

	errMu sync.RWMutex
	err   error

	sendCredits *flowcontrol.Manager
	peerWindow  sync.Once

	subflows      map[int]*Subflow
	subflowsMu    sync.RWMutex
	scheduler     *Scheduler
	nextSubflowID int
	pendingSpawns int

	incoming chan inboundFrame
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool

	// activeSends tracks in-flight real data transmissions so the warm-up
	// pacer can yield to them.
	activeSends atomic.Int64

	streamIDs StreamIDAllocator

	Dialer Dialer
}

type inboundFrame struct {
	subflow *Subflow
	frame   *protocol.Frame
}

// NewClientSession constructs a session in client role. The dialer is used to
// create new subflows on demand.
func NewClientSession(cfg SessionConfig, dialer Dialer) (*Session, error) {
	if cfg.Role != RoleClient {
		return nil, fmt.Errorf("relay: NewClientSession expects client role")
	}
	return newSession(cfg, dialer), nil
}

// NewServerSession constructs a server-side session. Session IDs are chosen
// by the client; the server learns them from control frames before any data
// flows.
func NewServerSession(cfg SessionConfig) *Session {
	return newSession(cfg, nil)
}

func newSession(cfg SessionConfig, dialer Dialer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		id:          cfg.SessionID,
		streams:     make(map[uint32]*Stream),
		sendCredits: flowcontrol.NewManager(cfg.SessionWindow),
		subflows:    make(map[int]*Subflow),
		scheduler:   NewScheduler(),
		incoming:    make(chan inboundFrame, 64),
		ctx:         ctx,
		cancel:      cancel,
		Dialer:      dialer,
	}
	if s.id == 0 {
		s.id = randomSessionID()
	}
	go s.loop()
	return s
}

func randomSessionID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (s *Session) loop() {
	var heartbeat <-chan time.Time
	if s.cfg.Role == RoleClient && s.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case inbound := <-s.incoming:
			s.dispatchFrame(inbound.subflow, inbound.frame)
		case <-heartbeat:
			s.sendHeartbeat()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendHeartbeat() {
	frame := &protocol.Frame{
		Type:      protocol.FrameHeartbeat,
		SessionID: s.id,
		Heartbeat: &protocol.HeartbeatPayload{UnixNanos: time.Now().UnixNano()},
	}
	_ = s.sendFrame(frame)
}

func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.sendCredits.Close()
	s.subflowsMu.Lock()
	for _, sf := range s.subflows {
		_ = sf.close()
	}
	s.subflows = nil
	s.subflowsMu.Unlock()
	s.streamsMu.Lock()
	for _, st := range s.streams {
		st.close(io.EOF)
	}
	s.streams = nil
	s.streamsMu.Unlock()
	return nil
}

// fail tears the session down and records the first cause. Later callers
// keep the original error so Err reports why the session died, not how the
// shutdown cascaded.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	log.Printf("relay: session %d failed: %v", s.id, err)
	_ = s.Close()
}

// Err reports the error that failed the session, or nil if the session is
// healthy or was closed cleanly.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

func (s *Session) registerSubflow(sf *Subflow) {
	s.subflowsMu.Lock()
	if s.closed.Load() {
		s.subflowsMu.Unlock()
		_ = sf.close()
		return
	}
	if s.subflows == nil {
		s.subflows = make(map[int]*Subflow)
	}
	if sf.ID >= s.nextSubflowID {
		s.nextSubflowID = sf.ID + 1
	}
	if s.pendingSpawns > 0 {
		s.pendingSpawns--
	}
	s.subflows[sf.ID] = sf
	s.subflowsMu.Unlock()
	s.scheduler.Attach(sf)
	go sf.run()
	if s.cfg.Role == RoleClient && s.cfg.Warmup.Enabled {
		go newWarmer(s, sf, s.cfg.Warmup).run(s.ctx)
	}
}

func (s *Session) subflowCount() int {
	s.subflowsMu.RLock()
	defer s.subflowsMu.RUnlock()
	return len(s.subflows)
}

func (s *Session) prepareSubflowSpawn() (id int, useInit bool, ok bool) {
	if s.cfg.Role != RoleClient || s.Dialer == nil || s.cfg.SubflowTarget <= 0 {
		return 0, false, false
	}
	s.subflowsMu.Lock()
	defer s.subflowsMu.Unlock()
	if len(s.subflows)+s.pendingSpawns >= s.cfg.SubflowTarget {
		return 0, false, false
	}
	id = s.nextSubflowID
	s.nextSubflowID++
	useInit = len(s.subflows) == 0 && s.pendingSpawns == 0
	s.pendingSpawns++
	return id, useInit, true
}

func (s *Session) subflowSpawnFailed() {
	s.subflowsMu.Lock()
	if s.pendingSpawns > 0 {
		s.pendingSpawns--
	}
	s.subflowsMu.Unlock()
}

func (s *Session) spawnReplacementSubflow() {
	id, useInit, ok := s.prepareSubflowSpawn()
	if !ok {
		return
	}
	go s.dialSubflow(id, useInit)
}

func (s *Session) dialSubflow(id int, useInit bool) {
	sf, err := newClientSubflow(id, s, s.Dialer)
	if err != nil {
		s.subflowSpawnFailed()
		time.AfterFunc(time.Second, func() { s.spawnReplacementSubflow() })
		return
	}
	frameType := protocol.ControlSessionJoin
	if useInit {
		frameType = protocol.ControlSessionInit
	}
	hello := &protocol.Frame{
		Type:      protocol.FrameControl,
		SessionID: s.id,
		Control: &protocol.ControlPayload{
			Type:      frameType,
			SessionID: s.id,
			Window:    clampWindow(s.cfg.SessionWindow),
		},
	}
	if err := sf.send(hello); err != nil {
		_ = sf.close()
		s.subflowSpawnFailed()
		time.AfterFunc(time.Second, func() { s.spawnReplacementSubflow() })
		return
	}
	s.registerSubflow(sf)
}

func (s *Session) removeSubflow(id int) *Subflow {
	s.subflowsMu.Lock()
	sf := s.subflows[id]
	delete(s.subflows, id)
	s.subflowsMu.Unlock()
	s.scheduler.Detach(id)
	return sf
}

func (s *Session) onSubflowError(id int, err error) {
	sf := s.removeSubflow(id)
	if sf != nil {
		_ = sf.close()
	}
	if s.cfg.Role == RoleClient && s.Dialer != nil && s.cfg.SubflowTarget > 0 {
		s.spawnReplacementSubflow()
	}
}

func (s *Session) handleFrame(sf *Subflow, frame *protocol.Frame) {
	select {
	case s.incoming <- inboundFrame{subflow: sf, frame: frame}:
	case <-s.ctx.Done():
	}
}

func (s *Session) dispatchFrame(sf *Subflow, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameData:
		s.handleDataFrame(frame)
	case protocol.FrameAck:
		s.handleAckFrame(frame)
	case protocol.FrameControl:
		s.handleControlFrame(sf, frame)
	case protocol.FrameHeartbeat:
		// Heartbeats only refresh liveness for now.
	default:
		// Unknown frame types are ignored for forward compatibility.
	}
}

func (s *Session) handleDataFrame(frame *protocol.Frame) {
	stream := s.getStream(frame.StreamID)
	if stream == nil {
		return
	}
	stream.onData(frame)
}

func (s *Session) handleAckFrame(frame *protocol.Frame) {
	stream := s.getStream(frame.StreamID)
	if stream == nil || frame.Ack == nil {
		return
	}
	stream.onAck(frame.Ack)
}

func (s *Session) handleControlFrame(sf *Subflow, frame *protocol.Frame) {
	if frame.Control == nil {
		return
	}
	switch frame.Control.Type {
	case protocol.ControlSessionInit:
		if s.cfg.Role != RoleServer {
			return
		}
		s.id = frame.SessionID
		s.registerSubflow(sf)
		ack := &protocol.Frame{
			Type:      protocol.FrameControl,
			SessionID: s.id,
			Control: &protocol.ControlPayload{
				Type:      protocol.ControlSessionAccept,
				SessionID: s.id,
				Window:    clampWindow(s.cfg.SessionWindow),
			},
		}
		_ = sf.send(ack)
	case protocol.ControlSessionJoin:
		if s.cfg.Role != RoleServer {
			return
		}
		s.registerSubflow(sf)
	case protocol.ControlSessionAccept:
		if s.cfg.Role != RoleClient {
			return
		}
		s.applyPeerSessionWindow(frame.Control.Window)
	case protocol.ControlStreamOpen:
		s.handleStreamOpen(sf, frame)
	case protocol.ControlStreamAccept:
		stream := s.getStream(frame.StreamID)
		if stream != nil {
			stream.applyPeerWindow(frame.Control.Window)
			stream.accept()
		}
	case protocol.ControlStreamClose:
		stream := s.getStream(frame.StreamID)
		if stream != nil {
			stream.close(io.EOF)
		}
	case protocol.ControlStreamReset:
		stream := s.getStream(frame.StreamID)
		if stream != nil {
			stream.fail(errors.New("relay: remote reset"))
		}
	case protocol.ControlCreditAdjust:
		s.handleCreditAdjust(frame)
	}
}

// applyPeerSessionWindow reconciles the assumed session send window with the
// one the server advertised in its accept frame. Applied once; a shrinking
// peer drives the balance negative until ACK credit catches up.
func (s *Session) applyPeerSessionWindow(advertised uint32) {
	if advertised == 0 {
		return
	}
	s.peerWindow.Do(func() {
		delta := int64(advertised) - s.cfg.SessionWindow
		if delta == 0 {
			return
		}
		if err := s.sendCredits.Adjust(delta); err != nil {
			s.fail(err)
		}
	})
}

// handleCreditAdjust applies a peer-initiated send window change: positive
// deltas grant extra budget, negative ones revoke capacity mid-flight. An
// overflowing delta is protocol corruption and kills the affected scope.
func (s *Session) handleCreditAdjust(frame *protocol.Frame) {
	delta := frame.Control.Delta
	if delta == 0 {
		return
	}
	if frame.StreamID == 0 {
		if err := s.sendCredits.Adjust(delta); err != nil {
			s.fail(err)
		}
		return
	}
	stream := s.getStream(frame.StreamID)
	if stream == nil {
		return
	}
	if err := stream.sendCredits.Adjust(delta); err != nil {
		stream.fail(err)
	}
}

// UpdatePeerSendWindow tells the peer to change its send window by delta
// bytes for the given stream, or for the whole session when streamID is zero.
// Negative deltas throttle the peer; this is the operational revoke path
// exposed through the admin endpoint.
func (s *Session) UpdatePeerSendWindow(streamID uint32, delta int64) error {
	if delta == 0 {
		return nil
	}
	frame := &protocol.Frame{
		Type:      protocol.FrameControl,
		SessionID: s.id,
		StreamID:  streamID,
		Control: &protocol.ControlPayload{
			Type:     protocol.ControlCreditAdjust,
			StreamID: streamID,
			Delta:    delta,
		},
	}
	return s.sendFrame(frame)
}

func (s *Session) handleStreamOpen(sf *Subflow, frame *protocol.Frame) {
	if s.cfg.Role != RoleServer {
		return
	}
	meta := frame.Control.Metadata
	addr, _ := meta["target"].(string)
	streamID := frame.StreamID
	stream := s.createStream(streamID)
	stream.applyPeerWindow(frame.Control.Window)
	if err := stream.openServerSide(addr); err != nil {
		reset := &protocol.Frame{
			Type:      protocol.FrameControl,
			SessionID: s.id,
			StreamID:  streamID,
			Control:   &protocol.ControlPayload{Type: protocol.ControlStreamReset},
		}
		_ = sf.send(reset)
		return
	}
	ack := &protocol.Frame{
		Type:      protocol.FrameControl,
		SessionID: s.id,
		StreamID:  streamID,
		Control: &protocol.ControlPayload{
			Type:   protocol.ControlStreamAccept,
			Window: clampWindow(s.cfg.StreamWindow),
		},
	}
	_ = s.sendFrame(ack)
	stream.accept()
}

func (s *Session) getStream(id uint32) *Stream {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	return s.streams[id]
}

func (s *Session) createStream(id uint32) *Stream {
	stream := newStream(s, id)
	s.streamsMu.Lock()
	if s.streams == nil {
		s.streamsMu.Unlock()
		stream.close(io.EOF)
		return stream
	}
	s.streams[id] = stream
	s.streamsMu.Unlock()
	return stream
}

func (s *Session) sendFrame(frame *protocol.Frame) error {
	sub := s.scheduler.Next()
	if sub == nil {
		return errors.New("relay: no subflow available")
	}
	frame.SessionID = s.id
	if err := sub.send(frame); err != nil {
		return err
	}
	s.scheduler.Record(sub.ID)
	return nil
}

// OpenStream creates a new logical stream towards the server. The target is
// the host:port the server should connect to on the stream's behalf.
func (s *Session) OpenStream(target string) (*Stream, error) {
	if s.cfg.Role != RoleClient {
		return nil, fmt.Errorf("relay: OpenStream only usable on client")
	}
	id := s.streamIDs.Next()
	stream := s.createStream(id)
	open := &protocol.Frame{
		Type:      protocol.FrameControl,
		SessionID: s.id,
		StreamID:  id,
		Control: &protocol.ControlPayload{
			Type:     protocol.ControlStreamOpen,
			StreamID: id,
			Window:   clampWindow(s.cfg.StreamWindow),
			Metadata: map[string]any{"target": target},
		},
	}
	if err := s.sendFrame(open); err != nil {
		return nil, err
	}
	if err := stream.waitForAccept(); err != nil {
		return nil, err
	}
	return stream, nil
}

// sendData transmits bytes for a stream. Credit is reserved chunk by chunk;
// a partial grant simply produces a shorter frame and another loop turn, so
// backpressure from either window slows the sender without blocking the
// subflows.
func (s *Session) sendData(ctx context.Context, stream *Stream, payload []byte, end bool) error {
	s.activeSends.Add(1)
	defer s.activeSends.Add(-1)

	if len(payload) == 0 {
		if !end {
			return nil
		}
		return s.sendChunk(stream, nil, true)
	}
	remaining := payload
	for len(remaining) > 0 {
		want := int64(len(remaining))
		if max := int64(s.cfg.FrameSize); max > 0 && want > max {
			want = max
		}
		n, err := stream.reserveCredit(ctx, want)
		if err != nil {
			return err
		}
		chunk := remaining[:n]
		remaining = remaining[n:]
		if err := s.sendChunk(stream, chunk, end && len(remaining) == 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendChunk(stream *Stream, chunk []byte, end bool) error {
	entry, err := stream.queueFrame(chunk, end)
	if err != nil {
		stream.refundCredit(int64(len(chunk)))
		return err
	}
	entry.frame.SessionID = s.id
	entry.frame.IsDuplicate = false
	if err := s.sendFrame(entry.frame); err != nil {
		stream.onSendFailure(entry)
		return err
	}
	entry.lastSend = time.Now()
	return nil
}

// sendAck sends an ack frame for the specified stream.
func (s *Session) sendAck(streamID uint32, ack *protocol.AckPayload) error {
	frame := &protocol.Frame{
		Type:      protocol.FrameAck,
		SessionID: s.id,
		StreamID:  streamID,
		Ack:       ack,
	}
	return s.sendFrame(frame)
}

func (s *Session) retransmit(stream *Stream, entry *pendingEntry, now time.Time) {
	entry.frame.SessionID = s.id
	entry.frame.IsDuplicate = true
	s.cfg.Metrics.Retransmit()
	if err := s.sendFrame(entry.frame); err != nil {
		stream.fail(err)
		return
	}
	entry.lastSend = now
}

func clampWindow(w int64) uint32 {
	if w <= 0 {
		return 0
	}
	if w > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(w)
}

func (s *Session) snapshotTitle() string {
	switch s.cfg.Role {
	case RoleClient:
		return "muxtun client"
	case RoleServer:
		return "muxtun server"
	default:
		return "muxtun session"
	}
}

// Snapshot implements tui.Provider.
func (s *Session) Snapshot() tui.Snapshot {
	s.subflowsMu.RLock()
	subflows := make([]*Subflow, 0, len(s.subflows))
	for _, sf := range s.subflows {
		subflows = append(subflows, sf)
	}
	s.subflowsMu.RUnlock()
	sort.Slice(subflows, func(i, j int) bool { return subflows[i].ID < subflows[j].ID })

	var totalTxData, totalTxPad, totalRxData, totalRxPad float64
	lines := make([]string, 0, len(subflows)+8)
	for _, sf := range subflows {
		txData := sf.txData.Rate()
		txPad := sf.txPad.Rate()
		rxData := sf.rxData.Rate()
		rxPad := sf.rxPad.Rate()
		totalTxData += txData
		totalTxPad += txPad
		totalRxData += rxData
		totalRxPad += rxPad
		lines = append(lines, fmt.Sprintf(
			"subflow %d | tx data=%s pad=%s | rx data=%s pad=%s",
			sf.ID,
			tui.FormatRate(txData),
			tui.FormatRate(txPad),
			tui.FormatRate(rxData),
			tui.FormatRate(rxPad),
		))
	}

	summary := fmt.Sprintf(
		"totals | tx data=%s pad=%s | rx data=%s pad=%s",
		tui.FormatRate(totalTxData),
		tui.FormatRate(totalTxPad),
		tui.FormatRate(totalRxData),
		tui.FormatRate(totalRxPad),
	)
	lines = append([]string{
		summary,
		fmt.Sprintf("subflows active=%d", len(subflows)),
		fmt.Sprintf("session credit=%s waiting=%d", tui.FormatBytes(s.sendCredits.Balance()), s.sendCredits.Waiting()),
	}, lines...)

	s.streamsMu.RLock()
	streamIDs := make([]uint32, 0, len(s.streams))
	for id := range s.streams {
		streamIDs = append(streamIDs, id)
	}
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })
	for _, id := range streamIDs {
		stream := s.streams[id]
		lines = append(lines, fmt.Sprintf(
			"stream %d | inflight=%s throughput=%s credit=%s waiting=%d",
			id,
			tui.FormatBytes(stream.inflight.Load()),
			tui.FormatRate(stream.throughput.Rate()),
			tui.FormatBytes(stream.sendCredits.Balance()),
			stream.sendCredits.Waiting(),
		))
	}
	if len(streamIDs) == 0 {
		lines = append(lines, "streams active=0")
	}
	s.streamsMu.RUnlock()

	return tui.Snapshot{
		Timestamp: time.Now(),
		Title:     s.snapshotTitle(),
		Lines:     lines,
	}
}
