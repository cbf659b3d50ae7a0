package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"farcall/message"
)

// BinaryCodec is a compact length-prefixed encoding of the envelope types.
// Individual argument and result values stay JSON-encoded (they are opaque
// json.RawMessage blobs); only the envelope structure is binary.
//
// Request layout:
//
//	u16 segCount, segCount × (u16 len + bytes)   namespace path
//	u16 nameLen + bytes                          simple name
//	u16 argCount, argCount × (u32 len + bytes)   positional args
//
// Response layout:
//
//	u8 kindLen + bytes
//	u8 hasResult, if 1: u32 len + bytes
//	u8 hasErr, if 1: u16 msgLen + bytes,
//	                 u16 causeCount × (u8 kindLen + bytes, u16 msgLen + bytes),
//	                 u32 traceLen + bytes
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch m := v.(type) {
	case *message.Request:
		ns := m.Key.Namespace()
		writeUint16(buf, uint16(len(ns)))
		for _, seg := range ns {
			writeString16(buf, seg)
		}
		writeString16(buf, m.Key.Name())
		writeUint16(buf, uint16(len(m.Args)))
		for _, arg := range m.Args {
			writeBytes32(buf, arg)
		}
	case *message.Response:
		writeString8(buf, string(m.Kind))
		if m.Result != nil {
			buf.WriteByte(1)
			writeBytes32(buf, m.Result)
		} else {
			buf.WriteByte(0)
		}
		if m.Err != nil {
			buf.WriteByte(1)
			writeString16(buf, m.Err.Msg)
			writeUint16(buf, uint16(len(m.Err.Cause)))
			for _, cause := range m.Err.Cause {
				writeString8(buf, cause.Kind)
				writeString16(buf, cause.Msg)
			}
			writeBytes32(buf, []byte(m.Err.Trace))
		} else {
			buf.WriteByte(0)
		}
	default:
		return nil, errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{data: data}
	switch m := v.(type) {
	case *message.Request:
		segCount := r.uint16()
		ns := make([]string, 0, segCount)
		for i := 0; i < int(segCount); i++ {
			ns = append(ns, r.string16())
		}
		name := r.string16()
		m.Key = message.NewKey(name, ns...)
		argCount := r.uint16()
		m.Args = make([]json.RawMessage, 0, argCount)
		for i := 0; i < int(argCount); i++ {
			m.Args = append(m.Args, json.RawMessage(r.bytes32()))
		}
	case *message.Response:
		m.Kind = message.PayloadKind(r.string8())
		if r.byte() == 1 {
			m.Result = json.RawMessage(r.bytes32())
		}
		if r.byte() == 1 {
			werr := &message.WireError{Msg: r.string16()}
			causeCount := r.uint16()
			for i := 0; i < int(causeCount); i++ {
				werr.Cause = append(werr.Cause, message.WireCause{
					Kind: r.string8(),
					Msg:  r.string16(),
				})
			}
			werr.Trace = string(r.bytes32())
			m.Err = werr
		}
	default:
		return errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func writeUint16(buf *bytes.Buffer, n uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	buf.Write(b[:])
}

func writeString8(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func writeString16(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeBytes32(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

// reader decodes length-prefixed fields with bounds checking. The first
// failure sticks; subsequent reads return zero values. Decode must never
// panic on malformed input; the server keeps serving after a bad frame.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("truncated binary envelope at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string8() string  { return string(r.take(int(r.byte()))) }
func (r *reader) string16() string { return string(r.take(int(r.uint16()))) }

func (r *reader) bytes32() []byte {
	b := r.take(int(r.uint32()))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
