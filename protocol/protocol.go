// Package protocol implements the framed wire format carrying farcall messages.
//
// A frame is a fixed 14-byte header followed by a variable-length body. The
// header is read first to learn the body length, then exactly that many body
// bytes are read, so frames survive TCP's stream-oriented delivery intact.
//
// Frame layout:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   id    │ bodyLen │    body ...    │
//	│ fcp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The id field is the correlation id: a response frame carries the same id as
// the request it answers, which is what lets many concurrent calls share one
// connection. Because the id lives in the header it remains recoverable even
// when the body fails to decode; id 0 is reserved as the "could not determine
// id" sentinel.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "fcp" identify a farcall frame, rejecting stray traffic
// (an HTTP client hitting the port, for example) before any body is read.
const (
	MagicByte1 byte = 0x66 // 'f'
	MagicByte2 byte = 0x63 // 'c'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 magic + 1 version + 1 codec + 1 msgType + 4 id + 4 bodyLen
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, empty body
)

// Codec type constants, mirrored from the codec package to avoid a
// circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed-size frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	ID        uint32 // correlation id; 0 means "id could not be determined"
	BodyLen   uint32
}

// Encode writes one complete frame (header + body) to w. Callers sharing a
// writer across goroutines must serialize Encode calls, otherwise frames
// interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.ID)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// body may be nil for heartbeat frames
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r, validating magic, version, codec
// type, and message type. io.ReadFull guarantees exactly HeaderSize and then
// exactly BodyLen bytes are consumed, so partial reads never desynchronize
// the stream.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType > byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	id := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		ID:        id,
		BodyLen:   bodyLen,
	}, body, nil
}
