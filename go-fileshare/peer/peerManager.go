package peer

import (
	"net"
	"sync"
	"time"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/config"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
	"github.com/sirupsen/logrus"
)

const (
	DIAL_TIMEOUT      = 5 * time.Second
	DIAL_ATTEMPTS     = 5
	DIAL_RETRY_DELAY  = time.Second
	HANDSHAKE_TIMEOUT = 10 * time.Second
	WRITE_TIMEOUT     = 30 * time.Second
	SHUTDOWN_TIMEOUT  = 2 * time.Second
)

var (
	dial    = net.DialTimeout
	newWire = wire.NewWire
)

// PeerManager turns sockets into sessions and keeps track of them until they
// finish.
type PeerManager interface {
	AddPeer(conn net.Conn)
	ConnectTo(peers []config.PeerInfo)
	StopPeers()
	Wait()
	NumSessions() int
}

type ManagerOptions struct {
	DialTimeout      time.Duration
	DialAttempts     int
	DialRetryDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	// MaxFrame caps incoming frames, zero derives it from the file layout.
	MaxFrame  int
	FileSize  int
	PieceSize int
	Session   SessionOptions
}

type peerManager struct {
	sync.RWMutex
	coord    Coordinator
	opts     ManagerOptions
	log      logrus.FieldLogger
	sessions map[string]*session
	wg       sync.WaitGroup
	quit     chan int
	stopped  bool
}

func NewPeerManager(coord Coordinator, opts ManagerOptions, log logrus.FieldLogger) PeerManager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DIAL_TIMEOUT
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = DIAL_ATTEMPTS
	}
	if opts.DialRetryDelay <= 0 {
		opts.DialRetryDelay = DIAL_RETRY_DELAY
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = HANDSHAKE_TIMEOUT
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = WRITE_TIMEOUT
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = SHUTDOWN_TIMEOUT
	}
	if opts.MaxFrame <= 0 && opts.FileSize > 0 && opts.PieceSize > 0 {
		opts.MaxFrame = maxFrame(opts.FileSize, opts.PieceSize)
	}
	return &peerManager{
		coord:    coord,
		opts:     opts,
		log:      log.WithField("peer", coord.LocalID()),
		sessions: make(map[string]*session),
		quit:     make(chan int),
	}
}

// maxFrame is the largest legal frame: a PIECE or a BITFIELD.
func maxFrame(fileSize, pieceSize int) int {
	payload := pieceSize
	if b := (bitfield.NumPieces(fileSize, pieceSize) + 7) / 8; b > payload {
		payload = b
	}
	return 1 + 4 + payload
}

func (pm *peerManager) NumSessions() int {
	pm.RLock()
	defer pm.RUnlock()
	return len(pm.sessions)
}

// AddPeer starts a session on an accepted socket. The remote identity is
// learned from its handshake.
func (pm *peerManager) AddPeer(conn net.Conn) {
	pm.start(conn, "")
}

// ConnectTo dials every peer in the background, retrying refused
// connections so that peers started close together still meet.
func (pm *peerManager) ConnectTo(peers []config.PeerInfo) {
	for _, p := range peers {
		pm.wg.Add(1)
		go func(p config.PeerInfo) {
			defer pm.wg.Done()
			conn, err := pm.dial(p)
			if err != nil {
				pm.log.WithField("neighbor", p.ID).Warnf("giving up on %s: %v", p.Addr(), err)
				return
			}
			pm.start(conn, p.ID)
		}(p)
	}
}

func (pm *peerManager) dial(p config.PeerInfo) (net.Conn, error) {
	var err error
	for attempt := 1; attempt <= pm.opts.DialAttempts; attempt++ {
		var conn net.Conn
		conn, err = dial("tcp", p.Addr(), pm.opts.DialTimeout)
		if err == nil {
			return conn, nil
		}
		pm.log.WithField("neighbor", p.ID).Debugf("dial attempt %d: %v", attempt, err)
		if attempt == pm.opts.DialAttempts {
			break
		}
		select {
		case <-pm.quit:
			return nil, err
		case <-time.After(pm.opts.DialRetryDelay):
		}
	}
	return nil, err
}

func (pm *peerManager) start(conn net.Conn, expected string) {
	pm.Lock()
	defer pm.Unlock()

	if pm.stopped {
		conn.Close()
		return
	}
	w := newWire(conn, pm.opts.HandshakeTimeout, pm.opts.WriteTimeout, pm.opts.MaxFrame)
	s := NewSession(pm.coord.LocalID(), expected, w, pm.coord, pm.opts.Session, pm.log)
	pm.sessions[s.ID()] = s
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		s.Run()
		pm.remove(s)
	}()
}

func (pm *peerManager) remove(s *session) {
	pm.Lock()
	defer pm.Unlock()
	delete(pm.sessions, s.ID())
}

// StopPeers stops dialing and shuts every session down, flushing what each
// has queued.
func (pm *peerManager) StopPeers() {
	pm.Lock()
	if pm.stopped {
		pm.Unlock()
		return
	}
	pm.stopped = true
	close(pm.quit)
	sessions := make([]*session, 0, len(pm.sessions))
	for _, s := range pm.sessions {
		sessions = append(sessions, s)
	}
	pm.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.Shutdown(pm.opts.ShutdownTimeout)
		}(s)
	}
	wg.Wait()
}

// Wait blocks until every dialer and session goroutine has returned.
func (pm *peerManager) Wait() {
	pm.wg.Wait()
}
