package broker

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthRoundTrip(t *testing.T) {
	tests := []struct {
		value int
		size  int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{MaxRemainingLength, 4},
	}
	for _, tt := range tests {
		enc := EncodeLength(tt.value)
		assert.Len(t, enc, tt.size, "EncodeLength(%d)", tt.value)

		got, n, err := DecodeLength(enc)
		require.NoError(t, err, "DecodeLength(%x)", enc)
		assert.Equal(t, tt.value, got)
		assert.Equal(t, tt.size, n)
	}
}

func TestDecodeLength_KnownBytes(t *testing.T) {
	got, n, err := DecodeLength([]byte{0xC1, 0x02, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 321, got)
	assert.Equal(t, 2, n)
}

func TestDecodeLength_Errors(t *testing.T) {
	_, _, err := DecodeLength([]byte{0x80, 0x80})
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, err = DecodeLength([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPublishRoundTrip(t *testing.T) {
	payload := []byte(`{"Data":{"Cmd":1}}`)
	tests := []struct {
		name     string
		qos      byte
		packetID uint16
	}{
		{"qos0", 0, 0},
		{"qos1", 1, 4242},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := EncodePublish("/sdcp/request/abc", tt.qos, tt.packetID, payload)

			f, n, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, len(raw), n)
			assert.Equal(t, Publish, f.Type)
			assert.Equal(t, tt.qos, f.QoS)

			msg, err := ParsePublish(f)
			require.NoError(t, err)
			assert.Equal(t, "/sdcp/request/abc", msg.Topic)
			assert.Equal(t, tt.packetID, msg.PacketID)
			assert.Equal(t, payload, msg.Payload)
		})
	}
}

func TestEncode_PacketIDPlacement(t *testing.T) {
	assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x2A}, Encode(Puback, 0, nil, 42))
	assert.Equal(t, []byte{0x90, 0x03, 0x00, 0x07, 0x00}, Encode(Suback, 0, subackGranted, 7))
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, Encode(Connack, 0, connackAccepted, 0))
	assert.Equal(t, []byte{0xD0, 0x00}, Encode(Pingresp, 0, nil, 0))
}

func TestEncode_LongPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 200)
	raw := Encode(Publish, 0, payload, 0)
	// 200 needs a two-byte length field.
	assert.Equal(t, []byte{0x30, 0xC8, 0x01}, raw[:3])

	f, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 203, n)
	assert.Equal(t, payload, f.Body)
}

func TestDecode_Incomplete(t *testing.T) {
	raw := EncodePublish("t", 1, 1, []byte("hello"))
	for i := 0; i < len(raw); i++ {
		_, _, err := Decode(raw[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("Decode(%d of %d bytes) err = %v, want ErrIncomplete", i, len(raw), err)
		}
	}
}

func TestDecode_OversizedBody(t *testing.T) {
	header := append([]byte{0x30}, EncodeLength(MaxFrameSize+1)...)
	_, _, err := Decode(header)
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode([]byte{0x30, 0xFF, 0xFF, 0xFF, 0x7F})
	assert.ErrorIs(t, err, ErrMalformed)

	// At the cap the frame is only waiting for more bytes.
	header = append([]byte{0x30}, EncodeLength(MaxFrameSize)...)
	_, _, err = Decode(header)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParsePublish_Malformed(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{"empty", Frame{Type: Publish}},
		{"topic_overrun", Frame{Type: Publish, Body: []byte{0x00, 0x09, 'a'}}},
		{"missing_packet_id", Frame{Type: Publish, QoS: 1, Body: []byte{0x00, 0x01, 'a', 0x00}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublish(tt.f)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "SUBACK", Suback.String())
	assert.Equal(t, "TYPE(6)", PacketType(6).String())
}
