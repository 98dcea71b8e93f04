package bpdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/signalsfoundry/loopfree-fabric/model"
)

// ProtocolID tags every control message. Records carrying anything else are
// not ours and get dropped.
const ProtocolID uint16 = 0xC001

// MessageSize is the length of an encoded message.
const MessageSize = 2 + idWidth + idWidth + 2 + 4 + 4 + 4 + 4 + 1

// idWidth is the fixed byte width of the root and sender fields. Longer IDs
// are truncated on the wire.
const idWidth = 8

// ErrMalformed reports a frame that is not a valid control message.
var ErrMalformed = errors.New("malformed control message")

// Message is one hello advertisement: the sender's believed root and its
// cost to that root.
type Message struct {
	ProtocolID uint16
	RootID     model.NodeID
	SenderID   model.NodeID
	PortID     model.PortID
	Cost       uint32
	// Age is how long the advertised information has travelled, in seconds.
	Age       float32
	MaxAge    time.Duration
	HelloTime time.Duration
	Flags     uint8
}

// Expired reports whether the message is older than its max age.
func (m Message) Expired() bool {
	return m.MaxAge > 0 && float64(m.Age) > m.MaxAge.Seconds()
}

// MarshalBinary encodes m as a big-endian fixed-size record. Timers travel
// as whole milliseconds.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MessageSize)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], m.ProtocolID)
	off += 2
	putID(buf[off:off+idWidth], m.RootID)
	off += idWidth
	putID(buf[off:off+idWidth], m.SenderID)
	off += idWidth
	binary.BigEndian.PutUint16(buf[off:], uint16(m.PortID))
	off += 2
	binary.BigEndian.PutUint32(buf[off:], m.Cost)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], math.Float32bits(m.Age))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], durationToMillis(m.MaxAge))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], durationToMillis(m.HelloTime))
	off += 4
	buf[off] = m.Flags
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) != MessageSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrMalformed, len(data), MessageSize)
	}
	off := 0
	proto := binary.BigEndian.Uint16(data[off:])
	if proto != ProtocolID {
		return fmt.Errorf("%w: protocol id %#04x", ErrMalformed, proto)
	}
	off += 2
	root := readID(data[off : off+idWidth])
	off += idWidth
	sender := readID(data[off : off+idWidth])
	off += idWidth

	*m = Message{
		ProtocolID: proto,
		RootID:     root,
		SenderID:   sender,
		PortID:     model.PortID(binary.BigEndian.Uint16(data[off:])),
		Cost:       binary.BigEndian.Uint32(data[off+2:]),
		Age:        math.Float32frombits(binary.BigEndian.Uint32(data[off+6:])),
		MaxAge:     time.Duration(binary.BigEndian.Uint32(data[off+10:])) * time.Millisecond,
		HelloTime:  time.Duration(binary.BigEndian.Uint32(data[off+14:])) * time.Millisecond,
		Flags:      data[off+18],
	}
	return nil
}

// putID writes id null-padded into dst, cutting on a rune boundary when it
// does not fit.
func putID(dst []byte, id model.NodeID) {
	s := string(id)
	for len(s) > len(dst) {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	copy(dst, s)
}

func readID(src []byte) model.NodeID {
	return model.NodeID(bytes.TrimRight(src, "\x00"))
}

func durationToMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ms)
}
