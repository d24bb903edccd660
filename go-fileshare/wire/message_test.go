package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	var tests = []struct {
		name string
		msg  *Message
		want []byte
	}{
		{name: "choke", msg: Choke(), want: []byte{0, 0, 0, 1, 0}},
		{name: "unchoke", msg: Unchoke(), want: []byte{0, 0, 0, 1, 1}},
		{name: "interested", msg: Interested(), want: []byte{0, 0, 0, 1, 2}},
		{name: "not interested", msg: NotInterested(), want: []byte{0, 0, 0, 1, 3}},
		{name: "have", msg: Have(258), want: []byte{0, 0, 0, 5, 4, 0, 0, 1, 2}},
		{name: "bitfield", msg: Bitfield([]byte{0xF0, 0x80}), want: []byte{0, 0, 0, 3, 5, 0xF0, 0x80}},
		{name: "request", msg: Request(7), want: []byte{0, 0, 0, 5, 6, 0, 0, 0, 7}},
		{name: "piece", msg: Piece(1, []byte("abc")), want: []byte{0, 0, 0, 8, 7, 0, 0, 0, 1, 'a', 'b', 'c'}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Encode())
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		Choke(),
		Unchoke(),
		Interested(),
		NotInterested(),
		Have(0),
		Have(1 << 20),
		Bitfield([]byte{0xAA, 0x55, 0x80}),
		Request(42),
		Piece(3, bytes.Repeat([]byte{9}, 1000)),
		Piece(4, []byte{}),
	}
	stream := &bytes.Buffer{}
	for _, m := range msgs {
		stream.Write(m.Encode())
	}
	for _, want := range msgs {
		got, err := ReadMessage(stream, 0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, len(want.Payload), len(got.Payload))
		if len(want.Payload) > 0 {
			assert.Equal(t, want.Payload, got.Payload)
		}
	}
	_, err := ReadMessage(stream, 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadMessageKeepAlive(t *testing.T) {
	stream := bytes.NewBuffer(KeepAlive())
	stream.Write(Interested().Encode())

	msg, err := ReadMessage(stream, 0)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = ReadMessage(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, INTERESTED, msg.ID)
}

func TestReadMessageErrors(t *testing.T) {
	var tests = []struct {
		name     string
		stream   []byte
		protocol bool
	}{
		{name: "short prefix", stream: []byte{0, 0}},
		{name: "short body", stream: []byte{0, 0, 0, 5, 4, 0}},
		{name: "unknown type", stream: []byte{0, 0, 0, 1, 9}, protocol: true},
		{name: "choke with payload", stream: []byte{0, 0, 0, 2, 0, 1}, protocol: true},
		{name: "have with short index", stream: []byte{0, 0, 0, 3, 4, 0, 1}, protocol: true},
		{name: "request with long index", stream: []byte{0, 0, 0, 6, 6, 0, 0, 0, 1, 2}, protocol: true},
		{name: "piece without index", stream: []byte{0, 0, 0, 3, 7, 0, 1}, protocol: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewBuffer(tt.stream), 0)
			require.Error(t, err)
			assert.Equal(t, tt.protocol, errors.Is(err, ErrProtocol))
		})
	}
}

func TestReadMessageMaxLength(t *testing.T) {
	stream := bytes.NewBuffer(Piece(0, make([]byte, 64)).Encode())
	_, err := ReadMessage(stream, 32)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestHandshakeRoundTrip(t *testing.T) {
	for _, id := range []string{"0", "1001", "4294967295"} {
		b, err := EncodeHandshake(id)
		require.NoError(t, err)
		require.Len(t, b, HandshakeLen)
		assert.Equal(t, HandshakeHeader, string(b[:18]))
		assert.Equal(t, make([]byte, 10), b[18:28])

		got, ok := DecodeHandshake(b)
		assert.True(t, ok)
		assert.Equal(t, id, got)
	}
}

func TestHandshakeLayout(t *testing.T) {
	b, err := EncodeHandshake("1001")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0x03, 0xE9}, b[28:])
}

func TestEncodeHandshakeRejectsNonNumericID(t *testing.T) {
	for _, id := range []string{"", "peer", "-1", "4294967296"} {
		_, err := EncodeHandshake(id)
		assert.Error(t, err, id)
	}
}

func TestDecodeHandshakeRejectsCorruption(t *testing.T) {
	valid, err := EncodeHandshake("1002")
	require.NoError(t, err)

	badHeader := append([]byte{}, valid...)
	badHeader[0] = 'X'
	_, ok := DecodeHandshake(badHeader)
	assert.False(t, ok)

	badZeros := append([]byte{}, valid...)
	badZeros[20] = 1
	_, ok = DecodeHandshake(badZeros)
	assert.False(t, ok)

	_, ok = DecodeHandshake(valid[:31])
	assert.False(t, ok)
}
