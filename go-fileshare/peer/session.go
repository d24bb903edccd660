package peer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	OUTBOX_SIZE         = 256
	KEEP_ALIVE_INTERVAL = 2 * time.Minute
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type State int32

const (
	AwaitingHandshakeSend State = iota
	AwaitingHandshakeRecv
	BitfieldExchange
	MessageLoop
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshakeSend:
		return "AwaitingHandshakeSend"
	case AwaitingHandshakeRecv:
		return "AwaitingHandshakeRecv"
	case BitfieldExchange:
		return "BitfieldExchange"
	case MessageLoop:
		return "MessageLoop"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

type SessionOptions struct {
	OutboxSize int
	KeepAlive  time.Duration
}

type session struct {
	id       string
	localID  string
	expected string
	remoteID string
	wire     wire.Wire
	coord    Coordinator
	log      logrus.FieldLogger

	state      int32
	keepAlive  time.Duration
	outbox     chan *wire.Message
	done       chan struct{}
	drain      chan struct{}
	writerDone chan struct{}
	finished   chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once
}

// NewSession wraps an established connection. expected is the roster id
// dialed for outbound connections and empty for inbound ones.
func NewSession(
	localID string,
	expected string,
	w wire.Wire,
	coord Coordinator,
	opts SessionOptions,
	log logrus.FieldLogger) *session {

	if opts.OutboxSize <= 0 {
		opts.OutboxSize = OUTBOX_SIZE
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = KEEP_ALIVE_INTERVAL
	}
	id := uuid.New().String()
	return &session{
		id:         id,
		localID:    localID,
		expected:   expected,
		wire:       w,
		coord:      coord,
		log:        log.WithField("session", id),
		keepAlive:  opts.KeepAlive,
		outbox:     make(chan *wire.Message, opts.OutboxSize),
		done:       make(chan struct{}),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

func (s *session) ID() string {
	return s.id
}

// RemoteID is empty until the handshake succeeds.
func (s *session) RemoteID() string {
	return s.remoteID
}

func (s *session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Finished is closed once Run has returned and the coordinator has been told.
func (s *session) Finished() <-chan struct{} {
	return s.finished
}

func (s *session) advance(to State) bool {
	for {
		cur := atomic.LoadInt32(&s.state)
		if State(cur) == Closed {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.state, cur, int32(to)) {
			return true
		}
	}
}

func isProtocolError(err error) bool {
	for _, target := range []error{
		wire.ErrProtocol,
		bitfield.ErrPayloadLength,
		ErrPieceLength,
		ErrUnexpectedPiece,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Run drives the session to completion: handshake, binding, then the read
// loop. It returns once the session is closed.
func (s *session) Run() {
	defer close(s.finished)
	bound := false
	defer func() {
		s.Close()
		if bound {
			s.coord.OnSessionClosed(s.remoteID, s)
		}
	}()

	s.advance(AwaitingHandshakeSend)
	if err := s.wire.SendHandshake(s.localID); err != nil {
		s.log.Warnf("sending handshake: %v", err)
		return
	}
	if !s.advance(AwaitingHandshakeRecv) {
		return
	}
	remoteID, err := s.wire.ReadHandshake()
	if err != nil {
		s.log.Warnf("receiving handshake: %v", err)
		return
	}
	if s.expected != "" && remoteID != s.expected {
		s.log.Warn(errors.Wrapf(ErrNeighborMismatch, "dialed %s, got %s", s.expected, remoteID))
		return
	}
	if !s.coord.IsKnown(remoteID) {
		s.log.Warn(errors.Wrapf(ErrUnknownNeighbor, "handshake from %s", remoteID))
		return
	}
	s.remoteID = remoteID
	s.log = s.log.WithField("neighbor", remoteID)
	if !s.advance(BitfieldExchange) {
		return
	}

	go s.writeLoop()
	if err := s.coord.OnHandshakeBound(remoteID, s); err != nil {
		s.log.Warn(err)
		return
	}
	bound = true
	if s.expected != "" {
		s.log.Infof("Peer %s makes a connection to Peer %s.", s.localID, remoteID)
	} else {
		s.log.Infof("Peer %s is connected from Peer %s.", s.localID, remoteID)
	}

	if !s.advance(MessageLoop) {
		return
	}
	for {
		msg, err := s.wire.ReadMessage()
		if err != nil {
			if s.State() == Closed {
				s.log.Debugf("read loop stopped: %v", err)
			} else if isProtocolError(err) {
				s.log.Warnf("closing on malformed frame: %v", err)
			} else {
				s.log.Warnf("connection lost: %v", err)
			}
			return
		}
		if msg == nil {
			// keep-alive
			continue
		}
		s.log.Debugf("received %s", msg)
		if err := s.coord.HandleMessage(remoteID, msg); err != nil {
			if isProtocolError(err) {
				s.log.Warnf("closing on protocol violation: %v", err)
				return
			}
			s.log.Error(err)
		}
	}
}

// Send queues msg without blocking. A full outbox means the remote stopped
// reading; the session is closed rather than stalling the caller.
func (s *session) Send(msg *wire.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		s.Close()
		return ErrSendQueueFull
	}
}

func (s *session) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.outbox:
			if !s.write(msg) {
				return
			}
		case now := <-ticker.C:
			if s.wire.GetLastMessageSent().Before(now.Add(-s.keepAlive)) {
				if err := s.wire.SendKeepAlive(); err != nil {
					s.log.Warnf("sending keep-alive: %v", err)
					s.Close()
					return
				}
			}
		case <-s.drain:
			for {
				select {
				case msg := <-s.outbox:
					if !s.write(msg) {
						return
					}
				default:
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(msg *wire.Message) bool {
	if err := s.wire.SendMessage(msg); err != nil {
		s.log.Warnf("sending %s: %v", msg.ID, err)
		s.Close()
		return false
	}
	s.log.Debugf("sent %s", msg)
	return true
}

// Close releases the connection. It is idempotent, safe from any goroutine
// and never calls into the coordinator.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(Closed))
		close(s.done)
		s.wire.Close()
	})
}

// Shutdown flushes queued messages for at most timeout, then closes.
func (s *session) Shutdown(timeout time.Duration) {
	s.drainOnce.Do(func() { close(s.drain) })
	if s.State() >= BitfieldExchange {
		select {
		case <-s.writerDone:
		case <-s.done:
		case <-time.After(timeout):
		}
	}
	s.Close()
}
