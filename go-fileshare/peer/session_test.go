package peer

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newPipeSession(coord Coordinator, expected string, opts SessionOptions) (*session, net.Conn) {
	local, remote := net.Pipe()
	w := wire.NewWire(local, time.Second, time.Second, 0)
	return NewSession("1001", expected, w, coord, opts, testLog()), remote
}

// remoteHandshake reads the session's handshake and answers as id.
func remoteHandshake(t *testing.T, remote net.Conn, id string) {
	hs := make([]byte, wire.HandshakeLen)
	_, err := io.ReadFull(remote, hs)
	require.NoError(t, err)
	got, ok := wire.DecodeHandshake(hs)
	require.True(t, ok)
	require.Equal(t, "1001", got)

	reply, err := wire.EncodeHandshake(id)
	require.NoError(t, err)
	_, err = remote.Write(reply)
	require.NoError(t, err)
}

func assertClosedByPeer(t *testing.T, remote net.Conn) {
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := remote.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func bindingCoordinator(id string) *mockCoordinator {
	coord := &mockCoordinator{}
	coord.On("IsKnown", id).Return(true)
	coord.On("OnHandshakeBound", id, mock.Anything).Return(nil)
	coord.onBound = func(s Session) {
		s.Send(wire.Bitfield([]byte{0x00}))
	}
	return coord
}

func TestSessionClosesOnMalformedHandshake(t *testing.T) {
	coord := &mockCoordinator{}
	s, remote := newPipeSession(coord, "", SessionOptions{})
	go s.Run()

	hs := make([]byte, wire.HandshakeLen)
	_, err := io.ReadFull(remote, hs)
	require.NoError(t, err)
	_, err = remote.Write([]byte(strings.Repeat("X", wire.HandshakeLen)))
	require.NoError(t, err)

	// no bitfield follows, the connection just ends
	assertClosedByPeer(t, remote)
	<-s.Finished()
	assert.Equal(t, Closed, s.State())
	coord.AssertNotCalled(t, "OnHandshakeBound", mock.Anything, mock.Anything)
	coord.AssertNotCalled(t, "OnSessionClosed", mock.Anything, mock.Anything)
}

func TestSessionClosesOnHandshakeTimeout(t *testing.T) {
	coord := &mockCoordinator{}
	local, remote := net.Pipe()
	s := NewSession("1001", "", wire.NewWire(local, 20*time.Millisecond, time.Second, 0), coord, SessionOptions{}, testLog())
	go s.Run()

	_, err := io.ReadFull(remote, make([]byte, wire.HandshakeLen))
	require.NoError(t, err)
	select {
	case <-s.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("handshake wait was not bounded")
	}
	assert.Equal(t, Closed, s.State())
}

func TestSessionRejectsUnexpectedPeer(t *testing.T) {
	coord := &mockCoordinator{}
	s, remote := newPipeSession(coord, "1002", SessionOptions{})
	go s.Run()

	remoteHandshake(t, remote, "1003")
	assertClosedByPeer(t, remote)
	<-s.Finished()
	coord.AssertNotCalled(t, "IsKnown", mock.Anything)
	coord.AssertNotCalled(t, "OnHandshakeBound", mock.Anything, mock.Anything)
}

func TestSessionRejectsUnknownPeer(t *testing.T) {
	coord := &mockCoordinator{}
	coord.On("IsKnown", "1009").Return(false)
	s, remote := newPipeSession(coord, "", SessionOptions{})
	go s.Run()

	remoteHandshake(t, remote, "1009")
	assertClosedByPeer(t, remote)
	<-s.Finished()
	coord.AssertExpectations(t)
	coord.AssertNotCalled(t, "OnHandshakeBound", mock.Anything, mock.Anything)
}

func TestSessionBindsAndDispatches(t *testing.T) {
	coord := bindingCoordinator("1002")
	coord.On("HandleMessage", "1002", mock.MatchedBy(func(m *wire.Message) bool {
		return m.ID == wire.HAVE && m.Index == 1
	})).Return(nil)
	coord.On("OnSessionClosed", "1002", mock.Anything).Return()

	s, remote := newPipeSession(coord, "1002", SessionOptions{})
	go s.Run()
	remoteHandshake(t, remote, "1002")

	msg, err := wire.ReadMessage(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.BITFIELD, msg.ID)
	assert.Equal(t, []byte{0x00}, msg.Payload)

	_, err = remote.Write(wire.KeepAlive())
	require.NoError(t, err)
	_, err = remote.Write(wire.Have(1).Encode())
	require.NoError(t, err)
	remote.Close()

	<-s.Finished()
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, "1002", s.RemoteID())
	coord.AssertExpectations(t)
	coord.AssertNumberOfCalls(t, "HandleMessage", 1)
	coord.AssertCalled(t, "OnSessionClosed", "1002", s.ID())
}

func TestSessionClosesOnProtocolViolation(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		err   error
	}{
		{"unknown type", []byte{0, 0, 0, 1, 9}, nil},
		{"short have", []byte{0, 0, 0, 3, byte(wire.HAVE), 0, 1}, nil},
		{"unrequested piece", wire.Piece(2, []byte{1, 2}).Encode(), errors.Wrap(ErrUnexpectedPiece, "piece 2")},
		{"bad bitfield", wire.Bitfield([]byte{1, 2, 3}).Encode(), errors.Wrap(bitfield.ErrPayloadLength, "bitfield")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			coord := bindingCoordinator("1002")
			if test.err != nil {
				coord.On("HandleMessage", "1002", mock.Anything).Return(test.err)
			}
			coord.On("OnSessionClosed", "1002", mock.Anything).Return()

			s, remote := newPipeSession(coord, "", SessionOptions{})
			go s.Run()
			remoteHandshake(t, remote, "1002")
			_, err := wire.ReadMessage(remote, 0)
			require.NoError(t, err)

			_, err = remote.Write(test.frame)
			require.NoError(t, err)
			assertClosedByPeer(t, remote)
			<-s.Finished()
			coord.AssertCalled(t, "OnSessionClosed", "1002", s.ID())
		})
	}
}

func TestSessionSurvivesRefusedUpdate(t *testing.T) {
	coord := bindingCoordinator("1002")
	coord.On("HandleMessage", "1002", mock.MatchedBy(func(m *wire.Message) bool {
		return m.Index == 7
	})).Return(errors.Wrap(bitfield.ErrIndexOutOfRange, "have from 1002"))
	coord.On("HandleMessage", "1002", mock.MatchedBy(func(m *wire.Message) bool {
		return m.Index == 1
	})).Return(nil)
	coord.On("OnSessionClosed", "1002", mock.Anything).Return()

	s, remote := newPipeSession(coord, "", SessionOptions{})
	go s.Run()
	remoteHandshake(t, remote, "1002")
	_, err := wire.ReadMessage(remote, 0)
	require.NoError(t, err)

	_, err = remote.Write(wire.Have(7).Encode())
	require.NoError(t, err)
	_, err = remote.Write(wire.Have(1).Encode())
	require.NoError(t, err)
	remote.Close()

	<-s.Finished()
	coord.AssertNumberOfCalls(t, "HandleMessage", 2)
}

func TestSessionSendsKeepAlive(t *testing.T) {
	coord := bindingCoordinator("1002")
	coord.On("OnSessionClosed", "1002", mock.Anything).Return()

	s, remote := newPipeSession(coord, "", SessionOptions{KeepAlive: 10 * time.Millisecond})
	go s.Run()
	remoteHandshake(t, remote, "1002")
	_, err := wire.ReadMessage(remote, 0)
	require.NoError(t, err)

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(remote, 0)
	require.NoError(t, err)
	assert.Nil(t, msg)

	s.Close()
	<-s.Finished()
}

func TestSessionShutdownFlushesQueue(t *testing.T) {
	coord := bindingCoordinator("1002")
	coord.On("OnSessionClosed", "1002", mock.Anything).Return()

	s, remote := newPipeSession(coord, "", SessionOptions{})
	go s.Run()
	remoteHandshake(t, remote, "1002")
	_, err := wire.ReadMessage(remote, 0)
	require.NoError(t, err)

	require.NoError(t, s.Send(wire.Have(2)))
	require.NoError(t, s.Send(wire.Have(3)))
	go s.Shutdown(time.Second)

	for _, want := range []int{2, 3} {
		msg, err := wire.ReadMessage(remote, 0)
		require.NoError(t, err)
		assert.Equal(t, wire.HAVE, msg.ID)
		assert.Equal(t, want, msg.Index)
	}
	assertClosedByPeer(t, remote)
	<-s.Finished()
	assert.Equal(t, ErrSessionClosed, s.Send(wire.Have(0)))
}

func TestSessionSendNeverBlocks(t *testing.T) {
	coord := &mockCoordinator{}
	s, _ := newPipeSession(coord, "", SessionOptions{OutboxSize: 1})

	assert.NoError(t, s.Send(wire.Choke()))
	assert.Equal(t, ErrSendQueueFull, s.Send(wire.Unchoke()))
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, ErrSessionClosed, s.Send(wire.Unchoke()))

	s.Close()
	s.Shutdown(time.Millisecond)
}
