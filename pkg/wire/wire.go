// Package wire implements the length-prefixed msgpack frame codec shared by
// the control and RPC protocols described in the session package.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageID identifies a message within the control protocol (channel 0) or
// the per-channel RPC protocol (channel-id > 0).
type MessageID int

const (
	MsgHandshake  MessageID = 1
	MsgPing       MessageID = 2
	MsgPong       MessageID = 3
	MsgTerminate  MessageID = 4
	MsgTerminated MessageID = 5

	MsgInvoke MessageID = 10
	MsgChunk  MessageID = 11
	MsgError  MessageID = 12
	MsgChoke  MessageID = 13
)

// Frame is one length-prefixed unit on the wire: a channel-id, a message id,
// and an msgpack-encoded payload specific to that message id.
type Frame struct {
	ChannelID uint64
	ID        MessageID
	Payload   []byte
}

// Payload shapes, msgpack-encoded into Frame.Payload.
type HandshakePayload struct {
	UUID string `msgpack:"uuid"`
}

type TerminatePayload struct {
	Code   int    `msgpack:"code"`
	Reason string `msgpack:"reason"`
}

type InvokePayload struct {
	Event string `msgpack:"event"`
}

type ChunkPayload struct {
	Data []byte `msgpack:"data"`
}

type ErrorPayload struct {
	Code   int    `msgpack:"code"`
	Reason string `msgpack:"reason"`
}

const maxFrameSize = 64 << 20 // 64 MiB; guards against a corrupt length prefix causing unbounded allocation.

// frameHeader is channel-id (8 bytes) + message-id (2 bytes) + payload
// length (4 bytes), all big-endian, preceding the msgpack payload bytes.
const frameHeaderSize = 8 + 2 + 4

// WriteFrame writes one frame: the header followed by f.Payload as is. The
// payload must already be encoded (see EncodePayload).
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], f.ChannelID)
	binary.BigEndian.PutUint16(header[8:10], uint16(f.ID))
	binary.BigEndian.PutUint32(header[10:14], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// EncodePayload msgpack-encodes v for use as a Frame's Payload.
func EncodePayload(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload msgpack-decodes a Frame's Payload into v.
func DecodePayload(payload []byte, v interface{}) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}

// Reader decodes a stream of frames off a buffered reader.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 32*1024)}
}

// ReadFrame blocks until one full frame has been read, or returns io.EOF /
// a wrapped read error if the connection is closed or corrupt.
func (r *Reader) ReadFrame() (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r.br, header); err != nil {
		return Frame{}, err
	}
	f := Frame{
		ChannelID: binary.BigEndian.Uint64(header[0:8]),
		ID:        MessageID(binary.BigEndian.Uint16(header[8:10])),
	}
	n := binary.BigEndian.Uint32(header[10:14])
	if n > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame payload %d exceeds max %d", n, maxFrameSize)
	}
	if n > 0 {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
		f.Payload = payload
	}
	return f, nil
}
