package server

import (
	"net"
	"time"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.PeerManager
	log      logrus.FieldLogger
}

var (
	listen        = net.Listen
	acceptBackoff = 100 * time.Millisecond
)

// NewServer listens on addr, typically ":<port>" from the peer roster.
func NewServer(
	addr string,
	pm peer.PeerManager,
	quit chan int,
	log logrus.FieldLogger) (Server, error) {

	listener, err := listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return NewServerFromListener(listener, pm, quit, log), nil
}

func NewServerFromListener(
	listener net.Listener,
	pm peer.PeerManager,
	quit chan int,
	log logrus.FieldLogger) Server {

	sv := &server{
		listener: listener,
		pm:       pm,
		quit:     quit,
		log:      log,
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = addr.Port
	}
	return sv
}

// Serve hands every accepted socket to the peer manager until quit is
// closed. Accept failures are logged and retried.
func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()

	sv.log.Infof("listening on port %d", sv.port)
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			select {
			case <-sv.quit:
				sv.log.Info("Safely terminating peer listener")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				sv.log.Warn("listener closed")
				return
			}
			sv.log.Warnf("accept failed: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		sv.log.Debugf("accepted connection from %s", conn.RemoteAddr())
		sv.pm.AddPeer(conn)
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}
