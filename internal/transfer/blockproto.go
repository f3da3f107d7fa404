package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	blockMagic   = "DTB1"
	controlMagic = "DTC1"

	blockHeaderLen = 8 + 8 + 4 + 4 + 8 + 8

	controlTypePing = byte(0x01)
	controlTypePong = byte(0x02)
)

var ErrUnknownStreamKind = errors.New("unknown stream kind")

// StreamKind tells block streams from the control stream.
type StreamKind int

const (
	KindBlock StreamKind = iota + 1
	KindControl
)

func (k StreamKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// BlockHeader opens every block stream. The payload follows until FIN.
type BlockHeader struct {
	ID         uint64
	Priority   uint64
	DeadlineMs uint32
	QueuedMs   uint32 // block age on the sender when the stream opened
	DependID   uint64
	Size       uint64
}

// ControlMessage is a ping or its echo on the control stream.
type ControlMessage struct {
	Pong      bool
	Seq       uint64
	SentNanos int64
}

// WriteBlockHeader writes the block stream preamble and header.
func WriteBlockHeader(w io.Writer, h BlockHeader) error {
	var buf [4 + blockHeaderLen]byte
	copy(buf[:4], blockMagic)
	binary.BigEndian.PutUint64(buf[4:12], h.ID)
	binary.BigEndian.PutUint64(buf[12:20], h.Priority)
	binary.BigEndian.PutUint32(buf[20:24], h.DeadlineMs)
	binary.BigEndian.PutUint32(buf[24:28], h.QueuedMs)
	binary.BigEndian.PutUint64(buf[28:36], h.DependID)
	binary.BigEndian.PutUint64(buf[36:44], h.Size)
	if err := writeFull(w, buf[:], "block header"); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	return nil
}

// ReadStreamKind consumes the preamble of an accepted stream.
func ReadStreamKind(r io.Reader) (StreamKind, error) {
	var magic [4]byte
	if err := readFull(r, magic[:], "stream magic"); err != nil {
		return 0, err
	}
	switch string(magic[:]) {
	case blockMagic:
		return KindBlock, nil
	case controlMagic:
		return KindControl, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStreamKind, magic[:])
	}
}

// ReadBlockHeader reads the header that follows a block preamble.
func ReadBlockHeader(r io.Reader) (BlockHeader, error) {
	var h BlockHeader
	var buf [blockHeaderLen]byte
	if err := readFull(r, buf[:], "block header"); err != nil {
		return h, fmt.Errorf("failed to read block header: %w", err)
	}
	h.ID = binary.BigEndian.Uint64(buf[0:8])
	h.Priority = binary.BigEndian.Uint64(buf[8:16])
	h.DeadlineMs = binary.BigEndian.Uint32(buf[16:20])
	h.QueuedMs = binary.BigEndian.Uint32(buf[20:24])
	h.DependID = binary.BigEndian.Uint64(buf[24:32])
	h.Size = binary.BigEndian.Uint64(buf[32:40])
	return h, nil
}

// WriteControlPreamble marks a stream as the control stream.
func WriteControlPreamble(w io.Writer) error {
	return writeFull(w, []byte(controlMagic), "control magic")
}

// WriteControl writes one ping or pong.
func WriteControl(w io.Writer, msg ControlMessage) error {
	var buf [1 + 8 + 8]byte
	buf[0] = controlTypePing
	if msg.Pong {
		buf[0] = controlTypePong
	}
	binary.BigEndian.PutUint64(buf[1:9], msg.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(msg.SentNanos))
	return writeFull(w, buf[:], "control message")
}

// ReadControl reads one ping or pong.
func ReadControl(r io.Reader) (ControlMessage, error) {
	var msg ControlMessage
	var buf [1 + 8 + 8]byte
	if err := readFull(r, buf[:], "control message"); err != nil {
		return msg, err
	}
	switch buf[0] {
	case controlTypePing:
	case controlTypePong:
		msg.Pong = true
	default:
		return msg, fmt.Errorf("unknown control message type: 0x%02x", buf[0])
	}
	msg.Seq = binary.BigEndian.Uint64(buf[1:9])
	msg.SentNanos = int64(binary.BigEndian.Uint64(buf[9:17]))
	return msg, nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("stream read %s: %w", op, err)
	}
	return nil
}

func writeFull(w io.Writer, buf []byte, op string) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("stream write %s: %w", op, err)
		}
		written += n
	}
	return nil
}
