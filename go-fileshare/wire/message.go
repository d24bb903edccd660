package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

type MessageID uint8

const (
	CHOKE MessageID = iota
	UNCHOKE
	INTERESTED
	NOT_INTERESTED
	HAVE
	BITFIELD
	REQUEST
	PIECE
)

const (
	HandshakeHeader = "P2PFILESHARINGPROJ"
	HandshakeLen    = 32
	zeroBitsLen     = 10
	lengthPrefixLen = 4
	indexLen        = 4
)

var (
	ErrBadHandshake = errors.New("malformed handshake")
	ErrProtocol     = errors.New("protocol violation")
)

func (id MessageID) String() string {
	switch id {
	case CHOKE:
		return "choke"
	case UNCHOKE:
		return "unchoke"
	case INTERESTED:
		return "interested"
	case NOT_INTERESTED:
		return "not interested"
	case HAVE:
		return "have"
	case BITFIELD:
		return "bitfield"
	case REQUEST:
		return "request"
	case PIECE:
		return "piece"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one decoded frame. Index is meaningful for HAVE, REQUEST and
// PIECE; Payload carries the BITFIELD bytes or the PIECE content.
type Message struct {
	ID      MessageID
	Index   int
	Payload []byte
}

func Choke() *Message         { return &Message{ID: CHOKE} }
func Unchoke() *Message       { return &Message{ID: UNCHOKE} }
func Interested() *Message    { return &Message{ID: INTERESTED} }
func NotInterested() *Message { return &Message{ID: NOT_INTERESTED} }

func Have(index int) *Message {
	return &Message{ID: HAVE, Index: index}
}

func Bitfield(payload []byte) *Message {
	return &Message{ID: BITFIELD, Payload: payload}
}

func Request(index int) *Message {
	return &Message{ID: REQUEST, Index: index}
}

func Piece(index int, content []byte) *Message {
	return &Message{ID: PIECE, Index: index, Payload: content}
}

func (m *Message) String() string {
	switch m.ID {
	case HAVE, REQUEST:
		return fmt.Sprintf("%s(%d)", m.ID, m.Index)
	case PIECE:
		return fmt.Sprintf("%s(%d, %d bytes)", m.ID, m.Index, len(m.Payload))
	case BITFIELD:
		return fmt.Sprintf("%s(%x)", m.ID, m.Payload)
	}
	return m.ID.String()
}

// Encode frames the message as length || type || payload.
func (m *Message) Encode() []byte {
	b := &bytes.Buffer{}
	switch m.ID {
	case HAVE, REQUEST:
		binary.Write(b, binary.BigEndian, uint32(1+indexLen))
		b.WriteByte(byte(m.ID))
		binary.Write(b, binary.BigEndian, uint32(m.Index))
	case PIECE:
		binary.Write(b, binary.BigEndian, uint32(1+indexLen+len(m.Payload)))
		b.WriteByte(byte(m.ID))
		binary.Write(b, binary.BigEndian, uint32(m.Index))
		b.Write(m.Payload)
	case BITFIELD:
		binary.Write(b, binary.BigEndian, uint32(1+len(m.Payload)))
		b.WriteByte(byte(m.ID))
		b.Write(m.Payload)
	default:
		binary.Write(b, binary.BigEndian, uint32(1))
		b.WriteByte(byte(m.ID))
	}
	return b.Bytes()
}

// KeepAlive is the zero-length frame.
func KeepAlive() []byte {
	return make([]byte, lengthPrefixLen)
}

// Decode parses a frame body (type byte followed by payload) whose length
// prefix has already been consumed.
func Decode(body []byte) (*Message, error) {
	if len(body) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty frame body")
	}
	m := &Message{ID: MessageID(body[0])}
	payload := body[1:]
	switch m.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return nil, errors.Wrapf(ErrProtocol, "%s with %d byte payload", m.ID, len(payload))
		}
	case HAVE, REQUEST:
		if len(payload) != indexLen {
			return nil, errors.Wrapf(ErrProtocol, "%s with %d byte payload", m.ID, len(payload))
		}
		m.Index = int(binary.BigEndian.Uint32(payload))
	case BITFIELD:
		m.Payload = payload
	case PIECE:
		if len(payload) < indexLen {
			return nil, errors.Wrapf(ErrProtocol, "%s with %d byte payload", m.ID, len(payload))
		}
		m.Index = int(binary.BigEndian.Uint32(payload[:indexLen]))
		m.Payload = payload[indexLen:]
	default:
		return nil, errors.Wrapf(ErrProtocol, "unknown message type %d", body[0])
	}
	return m, nil
}

// ReadMessage reads one frame from r. A keep-alive yields a nil message and
// a nil error. maxLength bounds the accepted frame size; zero disables it.
func ReadMessage(r io.Reader, maxLength int) (*Message, error) {
	prefix := make([]byte, lengthPrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix)
	if length == 0 {
		return nil, nil
	}
	if maxLength > 0 && int64(length) > int64(maxLength) {
		return nil, errors.Wrapf(ErrProtocol, "frame of %d bytes exceeds %d", length, maxLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// EncodeHandshake builds header || 10 zero bytes || big-endian peer id.
func EncodeHandshake(peerID string) ([]byte, error) {
	id, err := strconv.ParseUint(peerID, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "peer id %q", peerID)
	}
	b := &bytes.Buffer{}
	b.WriteString(HandshakeHeader)
	b.Write(make([]byte, zeroBitsLen))
	binary.Write(b, binary.BigEndian, uint32(id))
	return b.Bytes(), nil
}

// DecodeHandshake validates the header and zero bits and returns the peer id.
func DecodeHandshake(b []byte) (string, bool) {
	if len(b) != HandshakeLen {
		return "", false
	}
	header := b[:len(HandshakeHeader)]
	zeroBits := b[len(HandshakeHeader) : len(HandshakeHeader)+zeroBitsLen]
	if string(header) != HandshakeHeader || !bytes.Equal(zeroBits, make([]byte, zeroBitsLen)) {
		return "", false
	}
	id := binary.BigEndian.Uint32(b[HandshakeLen-4:])
	return strconv.FormatUint(uint64(id), 10), true
}
