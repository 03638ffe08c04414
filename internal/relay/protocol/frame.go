// Package protocol implements the muxtun wire framing. Every frame starts
// with a fixed 24-byte header in network byte order followed by a
// type-specific payload and, on plaintext links, a CRC32C trailer.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// Version is the frame format version produced by this implementation.
	Version uint8 = 1

	// HeaderSize is the fixed number of bytes in every frame header.
	HeaderSize = 24

	// MaxPayloadSize bounds decode-side allocations. Senders chunk data well
	// below this, so anything larger is treated as a protocol error.
	MaxPayloadSize = 1 << 20 // 1 MiB

	// MaxSACKRanges caps the selective acknowledgement ranges carried in a
	// single ACK frame.
	MaxSACKRanges = 4
)

// FrameType is the 1-byte type field in the frame header.
type FrameType uint8

const (
	FrameData      FrameType = 0x01
	FrameAck       FrameType = 0x02
	FrameControl   FrameType = 0x03
	FrameHeartbeat FrameType = 0x04
	// FramePadding carries warm-up filler. Receivers count and discard the
	// payload; it never enters a stream.
	FramePadding FrameType = 0x05
)

// Frame flags.
const (
	FlagEndOfStream     uint8 = 0x01
	FlagChecksumPresent uint8 = 0x02
)

// ControlType identifies the semantic meaning of a control frame payload.
type ControlType uint8

const (
	ControlSessionInit   ControlType = 0x01
	ControlSessionAccept ControlType = 0x02
	ControlSessionJoin   ControlType = 0x03
	ControlStreamOpen    ControlType = 0x10
	ControlStreamAccept  ControlType = 0x11
	ControlStreamClose   ControlType = 0x12
	ControlStreamReset   ControlType = 0x13
	// ControlCreditAdjust carries a signed send-window delta for the stream
	// named in the header, or for the whole session when StreamID is zero.
	// A negative delta revokes previously advertised capacity.
	ControlCreditAdjust ControlType = 0x20
)

// Frame is a decoded wire frame. Only the payload field matching the frame
// type is populated.
type Frame struct {
	Version   uint8
	Type      FrameType
	Flags     uint8
	SessionID uint32
	StreamID  uint32
	Seq       uint64
	Payload   []byte
	Checksum  uint32

	// IsDuplicate marks retransmissions for scheduling purposes. It is not
	// serialized.
	IsDuplicate bool
	// WireLength records the encoded size including header and trailer.
	WireLength int

	Ack       *AckPayload
	Control   *ControlPayload
	Heartbeat *HeartbeatPayload
}

// AckPayload is the binary payload of ACK frames.
type AckPayload struct {
	// AckSeq is the cumulative byte offset delivered in order.
	AckSeq uint64 `json:"ack_seq"`
	// Credit is the number of bytes of send window returned to the peer.
	Credit uint32 `json:"credit"`
	// Ranges lists received-but-not-yet-contiguous spans beyond AckSeq.
	Ranges []SACKRange `json:"ranges,omitempty"`
}

// SACKRange is a [Start, End) byte range received beyond the cumulative ack
// point.
type SACKRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// ControlPayload is JSON encoded inside control frames so the control plane
// can grow fields without a wire format bump.
type ControlPayload struct {
	Type      ControlType    `json:"type"`
	SessionID uint32         `json:"session_id,omitempty"`
	StreamID  uint32         `json:"stream_id,omitempty"`
	Window    uint32         `json:"window,omitempty"`
	// Delta is the signed window change carried by ControlCreditAdjust.
	Delta    int64          `json:"delta,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HeartbeatPayload holds the sender timestamp embedded in heartbeat frames.
type HeartbeatPayload struct {
	UnixNanos int64 `json:"unix_nanos"`
}

var (
	errUnsupportedVersion = errors.New("relay/protocol: unsupported frame version")
	errPayloadTooLarge    = errors.New("relay/protocol: payload exceeds limit")
	errInvalidFrameType   = errors.New("relay/protocol: invalid frame type")
	errPayloadMissing     = errors.New("relay/protocol: payload missing for frame type")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Encode writes the frame to w.
func (f *Frame) Encode(w io.Writer) error {
	if f.Version == 0 {
		f.Version = Version
	}
	payload, err := f.payloadBytes()
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return errPayloadTooLarge
	}
	header := make([]byte, HeaderSize)
	header[0] = f.Version
	header[1] = byte(f.Type)
	header[2] = f.Flags
	// header[3] reserved
	binary.BigEndian.PutUint32(header[4:8], f.SessionID)
	binary.BigEndian.PutUint32(header[8:12], f.StreamID)
	binary.BigEndian.PutUint64(header[12:20], f.Seq)
	binary.BigEndian.PutUint32(header[20:24], uint32(len(payload)))

	written := 0
	n, err := w.Write(header)
	written += n
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		n, err = w.Write(payload)
		written += n
		if err != nil {
			return err
		}
	}
	if f.Flags&FlagChecksumPresent != 0 {
		sum := crc32.Update(0, crc32cTable, header)
		sum = crc32.Update(sum, crc32cTable, payload)
		f.Checksum = sum
		var trailer [4]byte
		binary.BigEndian.PutUint32(trailer[:], sum)
		n, err = w.Write(trailer[:])
		written += n
		if err != nil {
			return err
		}
	}
	f.WireLength = written
	return nil
}

func (f *Frame) payloadBytes() ([]byte, error) {
	switch f.Type {
	case FrameData, FramePadding:
		return f.Payload, nil
	case FrameAck:
		if f.Ack == nil {
			return nil, errPayloadMissing
		}
		return f.Ack.marshal(), nil
	case FrameControl:
		if f.Control == nil {
			return nil, errPayloadMissing
		}
		return json.Marshal(f.Control)
	case FrameHeartbeat:
		if f.Heartbeat == nil {
			return nil, errPayloadMissing
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(f.Heartbeat.UnixNanos))
		return buf, nil
	default:
		return nil, errInvalidFrameType
	}
}

func (a *AckPayload) marshal() []byte {
	ranges := a.Ranges
	if len(ranges) > MaxSACKRanges {
		ranges = ranges[:MaxSACKRanges]
	}
	buf := make([]byte, 16+len(ranges)*16)
	binary.BigEndian.PutUint64(buf[0:8], a.AckSeq)
	binary.BigEndian.PutUint32(buf[8:12], a.Credit)
	buf[12] = uint8(len(ranges))
	// bytes 13-15 reserved
	offset := 16
	for _, r := range ranges {
		binary.BigEndian.PutUint64(buf[offset:offset+8], r.Start)
		binary.BigEndian.PutUint64(buf[offset+8:offset+16], r.End)
		offset += 16
	}
	return buf
}

func unmarshalAck(buf []byte) (*AckPayload, error) {
	if len(buf) < 16 || (len(buf)-16)%16 != 0 {
		return nil, fmt.Errorf("relay/protocol: invalid ack payload length %d", len(buf))
	}
	rangeCount := int(buf[12])
	if len(buf) != 16+rangeCount*16 {
		return nil, fmt.Errorf("relay/protocol: ack payload length %d does not match range count %d", len(buf), rangeCount)
	}
	if rangeCount > MaxSACKRanges {
		rangeCount = MaxSACKRanges
	}
	ranges := make([]SACKRange, rangeCount)
	offset := 16
	for i := range ranges {
		r := SACKRange{
			Start: binary.BigEndian.Uint64(buf[offset : offset+8]),
			End:   binary.BigEndian.Uint64(buf[offset+8 : offset+16]),
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("relay/protocol: invalid sack range %d: start %d > end %d", i, r.Start, r.End)
		}
		ranges[i] = r
		offset += 16
	}
	if len(ranges) == 0 {
		ranges = nil
	}
	return &AckPayload{
		AckSeq: binary.BigEndian.Uint64(buf[0:8]),
		Credit: binary.BigEndian.Uint32(buf[8:12]),
		Ranges: ranges,
	}, nil
}

// ReadFrame reads and decodes a single frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	frame := &Frame{
		Version:   header[0],
		Type:      FrameType(header[1]),
		Flags:     header[2],
		SessionID: binary.BigEndian.Uint32(header[4:8]),
		StreamID:  binary.BigEndian.Uint32(header[8:12]),
		Seq:       binary.BigEndian.Uint64(header[12:20]),
	}
	if frame.Version != Version {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, frame.Version)
	}
	length := binary.BigEndian.Uint32(header[20:24])
	if length > MaxPayloadSize {
		return nil, errPayloadTooLarge
	}
	var buf []byte
	if length > 0 {
		buf = make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	trailerLen := 0
	if frame.Flags&FlagChecksumPresent != 0 {
		var trailer [4]byte
		if _, err := io.ReadFull(r, trailer[:]); err != nil {
			return nil, err
		}
		want := binary.BigEndian.Uint32(trailer[:])
		sum := crc32.Update(0, crc32cTable, header)
		sum = crc32.Update(sum, crc32cTable, buf)
		if sum != want {
			return nil, fmt.Errorf("relay/protocol: checksum mismatch (got %08x want %08x)", sum, want)
		}
		frame.Checksum = want
		trailerLen = 4
	}
	switch frame.Type {
	case FrameData, FramePadding:
		frame.Payload = buf
	case FrameAck:
		ack, err := unmarshalAck(buf)
		if err != nil {
			return nil, err
		}
		frame.Ack = ack
	case FrameControl:
		var payload ControlPayload
		if err := json.Unmarshal(buf, &payload); err != nil {
			return nil, fmt.Errorf("relay/protocol: decode control: %w", err)
		}
		frame.Control = &payload
	case FrameHeartbeat:
		if len(buf) != 8 {
			return nil, fmt.Errorf("relay/protocol: invalid heartbeat payload length %d", len(buf))
		}
		frame.Heartbeat = &HeartbeatPayload{UnixNanos: int64(binary.BigEndian.Uint64(buf))}
	default:
		return nil, errInvalidFrameType
	}
	frame.WireLength = HeaderSize + int(length) + trailerLen
	return frame, nil
}
