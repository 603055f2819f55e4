// Package broker implements the small subset of an MQTT-style broker the
// printer needs: one client, CONNECT/SUBSCRIBE/PUBLISH in, acknowledgements
// and request publishes out.
package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the upper nibble of a frame's control byte.
type PacketType byte

const (
	Connect    PacketType = 1
	Connack    PacketType = 2
	Publish    PacketType = 3
	Puback     PacketType = 4
	Subscribe  PacketType = 8
	Suback     PacketType = 9
	Pingreq    PacketType = 12
	Pingresp   PacketType = 13
	Disconnect PacketType = 14
)

var packetNames = map[PacketType]string{
	Connect:    "CONNECT",
	Connack:    "CONNACK",
	Publish:    "PUBLISH",
	Puback:     "PUBACK",
	Subscribe:  "SUBSCRIBE",
	Suback:     "SUBACK",
	Pingreq:    "PINGREQ",
	Pingresp:   "PINGRESP",
	Disconnect: "DISCONNECT",
}

func (t PacketType) String() string {
	if s, ok := packetNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE(%d)", byte(t))
}

// Fixed acknowledgement bodies.
var (
	connackAccepted = []byte{0x00, 0x00}
	subackGranted   = []byte{0x00}
)

// MaxRemainingLength is the largest value a 4-byte length field can carry.
const MaxRemainingLength = 268435455

// MaxFrameSize caps the body length accepted from a device. SDCP messages are
// small JSON documents; larger claims are treated as malformed.
const MaxFrameSize = 1 << 20

var (
	// ErrIncomplete means the buffer ends before the frame does.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrMalformed means the bytes can never form a valid frame.
	ErrMalformed = errors.New("malformed frame")
)

// Frame is one decoded transport message.
type Frame struct {
	Type  PacketType
	Flags byte
	QoS   byte
	Body  []byte
}

// EncodeLength encodes n as a variable-length integer of 1 to 4 bytes.
func EncodeLength(n int) []byte {
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}

// DecodeLength decodes a variable-length integer from the start of b and
// returns the value and the number of bytes consumed.
func DecodeLength(b []byte) (int, int, error) {
	value, multiplier := 0, 1
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, ErrIncomplete
		}
		digit := b[i]
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, fmt.Errorf("%w: length field longer than 4 bytes", ErrMalformed)
}

// Decode reads one frame from the start of buf and returns it with the number
// of bytes consumed. The frame body aliases buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 1 {
		return Frame{}, 0, ErrIncomplete
	}
	control := buf[0]
	length, n, err := DecodeLength(buf[1:])
	if err != nil {
		return Frame{}, 0, err
	}
	if length > MaxFrameSize {
		return Frame{}, 0, fmt.Errorf("%w: body length %d exceeds %d", ErrMalformed, length, MaxFrameSize)
	}
	start := 1 + n
	end := start + length
	if end > len(buf) {
		return Frame{}, 0, ErrIncomplete
	}
	flags := control & 0x0F
	return Frame{
		Type:  PacketType(control >> 4),
		Flags: flags,
		QoS:   (flags >> 1) & 0x03,
		Body:  buf[start:end],
	}, end, nil
}

// Encode builds a frame. A 2-byte packet id precedes the payload for PUBACK
// and SUBACK, and for any type when packetID is non-zero.
func Encode(t PacketType, flags byte, payload []byte, packetID uint16) []byte {
	withID := packetID > 0 || t == Puback || t == Suback
	total := len(payload)
	if withID {
		total += 2
	}
	lenField := EncodeLength(total)
	out := make([]byte, 0, 1+len(lenField)+total)
	out = append(out, byte(t)<<4|flags&0x0F)
	out = append(out, lenField...)
	if withID {
		out = binary.BigEndian.AppendUint16(out, packetID)
	}
	return append(out, payload...)
}

// Message is the content of a PUBLISH frame.
type Message struct {
	Topic    string
	QoS      byte
	PacketID uint16 // zero when QoS is 0
	Payload  []byte
}

// ParsePublish splits a PUBLISH frame into topic, packet id and payload.
func ParsePublish(f Frame) (Message, error) {
	b := f.Body
	if len(b) < 2 {
		return Message{}, fmt.Errorf("%w: publish without topic length", ErrMalformed)
	}
	topicLen := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2 + topicLen
	if off > len(b) {
		return Message{}, fmt.Errorf("%w: topic length %d exceeds body %d", ErrMalformed, topicLen, len(b))
	}
	msg := Message{Topic: string(b[2:off]), QoS: f.QoS}
	if f.QoS > 0 {
		if off+2 > len(b) {
			return Message{}, fmt.Errorf("%w: publish missing packet id", ErrMalformed)
		}
		msg.PacketID = binary.BigEndian.Uint16(b[off : off+2])
		off += 2
	}
	msg.Payload = b[off:]
	return msg, nil
}

// EncodePublish builds a PUBLISH frame. The packet id is written after the
// topic when qos is above zero.
func EncodePublish(topic string, qos byte, packetID uint16, payload []byte) []byte {
	body := make([]byte, 0, 2+len(topic)+2+len(payload))
	body = binary.BigEndian.AppendUint16(body, uint16(len(topic)))
	body = append(body, topic...)
	if qos > 0 {
		body = binary.BigEndian.AppendUint16(body, packetID)
	}
	body = append(body, payload...)
	return Encode(Publish, (qos&0x03)<<1, body, 0)
}
