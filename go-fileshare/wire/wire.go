package wire

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Wire interface {
	// Reading
	ReadHandshake() (peerID string, err error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(peerID string) error
	SendKeepAlive() error
	SendMessage(msg *Message) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	conn             net.Conn
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxFrame         int

	mu              sync.Mutex
	lastMessageSent time.Time
	closeOnce       sync.Once
	closeErr        error
}

// NewWire wraps conn. handshakeTimeout bounds the wait for the remote
// handshake, writeTimeout bounds every write; message reads are unbounded.
// maxFrame caps accepted frame lengths, zero accepts any length.
func NewWire(
	conn net.Conn,
	handshakeTimeout time.Duration,
	writeTimeout time.Duration,
	maxFrame int) Wire {

	return &wire{
		conn:             conn,
		handshakeTimeout: handshakeTimeout,
		writeTimeout:     writeTimeout,
		maxFrame:         maxFrame,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) SendHandshake(peerID string) error {
	b, err := EncodeHandshake(peerID)
	if err != nil {
		return err
	}
	return w.send(b)
}

func (w *wire) SendKeepAlive() error {
	return w.send(KeepAlive())
}

func (w *wire) SendMessage(msg *Message) error {
	return w.send(msg.Encode())
}

func (w *wire) ReadHandshake() (string, error) {
	if w.handshakeTimeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(w.handshakeTimeout))
		defer w.conn.SetReadDeadline(time.Time{})
	}
	data := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return "", errors.Wrap(err, "reading handshake")
	}
	peerID, ok := DecodeHandshake(data)
	if !ok {
		return "", ErrBadHandshake
	}
	return peerID, nil
}

func (w *wire) ReadMessage() (*Message, error) {
	return ReadMessage(w.conn, w.maxFrame)
}

func (w *wire) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func (w *wire) send(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastMessageSent = time.Now()
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	_, err := w.conn.Write(msg)
	return err
}
