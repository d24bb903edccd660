package download

import (
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/config"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/peer"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/piece"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/server"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/stats"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var ErrNotInRoster = errors.New("peer id is not in the roster")

type Download interface {
	Start() error
	Stop()
	Done() <-chan struct{}
	Stats() stats.Stats
	Neighbors() []peer.NeighborState
	GetServerPort() int
}

type Options struct {
	LocalID string
	Common  *config.Common
	Roster  config.Roster
	Fs      afero.Fs
	// Dir holds one peer_<id> directory per peer.
	Dir string
	// Listener replaces listening on the roster port when set.
	Listener net.Listener
	// Seed drives the choke policy and the random picker, zero means time based.
	Seed    int64
	Picker  string
	Manager peer.ManagerOptions
	Log     logrus.FieldLogger
}

type download struct {
	sync.Mutex
	opts    Options
	self    config.PeerInfo
	log     logrus.FieldLogger
	quit    chan int
	store   storage.Storage
	stats   stats.Stats
	coord   peer.Coordinator
	peerMgr peer.PeerManager
	sv      server.Server
	started bool
	stopped bool
}

// StoragePath is where peer id keeps its copy of fileName.
func StoragePath(dir, id, fileName string) string {
	return filepath.Join(dir, "peer_"+id, fileName)
}

func NewDownload(opts Options) (Download, error) {
	self, _, ok := opts.Roster.Lookup(opts.LocalID)
	if !ok {
		return nil, errors.Wrapf(ErrNotInRoster, "peer %s", opts.LocalID)
	}
	if opts.Common == nil {
		return nil, errors.New("missing common configuration")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	return &download{
		opts: opts,
		self: self,
		log:  opts.Log.WithField("peer", opts.LocalID),
	}, nil
}

// Start opens the local copy, starts listening and dials every peer listed
// before this one. It returns once everything is running.
func (d *download) Start() error {
	d.Lock()
	defer d.Unlock()
	if d.started {
		return errors.New("download already started")
	}

	common := d.opts.Common
	path := StoragePath(d.opts.Dir, d.self.ID, common.FileName)
	store := storage.NewFileStorage(d.opts.Fs, path, common.FileSize, common.PieceSize)
	if err := store.Init(d.self.HasFile); err != nil {
		return errors.Wrap(err, "initialising storage")
	}

	numPieces := bitfield.NumPieces(common.FileSize, common.PieceSize)
	have := 0
	if d.self.HasFile {
		have = numPieces
	}
	rng := rand.New(rand.NewSource(d.opts.Seed))
	picker, err := piece.NewPicker(d.opts.Picker, numPieces, rng)
	if err != nil {
		store.Close()
		return err
	}

	d.quit = make(chan int)
	d.store = store
	d.stats = stats.NewStats(have)
	d.coord = peer.NewCoordinator(peer.Options{
		LocalID:                     d.self.ID,
		HasFile:                     d.self.HasFile,
		FileSize:                    common.FileSize,
		PieceSize:                   common.PieceSize,
		Neighbors:                   d.opts.Roster.Others(d.self.ID),
		PreferredNeighbors:          common.NumberOfPreferredNeighbors,
		UnchokingInterval:           common.UnchokingInterval,
		OptimisticUnchokingInterval: common.OptimisticUnchokingInterval,
		Storage:                     store,
		Stats:                       d.stats,
		Picker:                      picker,
		Policy:                      &peer.RateRanked{Rand: rng, RandomTies: true},
		Rand:                        rng,
		Log:                         d.opts.Log,
	})

	mopts := d.opts.Manager
	mopts.FileSize = common.FileSize
	mopts.PieceSize = common.PieceSize
	d.peerMgr = peer.NewPeerManager(d.coord, mopts, d.opts.Log)

	if d.opts.Listener != nil {
		d.sv = server.NewServerFromListener(d.opts.Listener, d.peerMgr, d.quit, d.log)
	} else {
		d.sv, err = server.NewServer(fmt.Sprintf(":%d", d.self.Port), d.peerMgr, d.quit, d.log)
		if err != nil {
			store.Close()
			return err
		}
	}

	d.started = true
	go d.sv.Serve()
	go d.coord.Start(d.quit)
	d.peerMgr.ConnectTo(d.opts.Roster.Before(d.self.ID))
	d.log.WithFields(logrus.Fields{
		"pieces":  numPieces,
		"hasFile": d.self.HasFile,
		"path":    path,
	}).Info("download started")
	return nil
}

// Stop closes the listener, flushes and closes every session, then the file.
func (d *download) Stop() {
	d.Lock()
	defer d.Unlock()
	if !d.started || d.stopped {
		return
	}
	d.stopped = true

	close(d.quit)
	d.peerMgr.StopPeers()
	d.peerMgr.Wait()
	if err := d.store.Close(); err != nil {
		d.log.Warnf("closing storage: %v", err)
	}
	up, down, pieces := d.stats.GetTotals()
	d.log.WithFields(logrus.Fields{
		"uploaded":   up,
		"downloaded": down,
		"pieces":     pieces,
	}).Info("download stopped")
	for id, ps := range d.stats.GetPeerStats() {
		d.log.WithFields(logrus.Fields{
			"neighbor":     id,
			"uploaded":     ps.Uploaded,
			"downloaded":   ps.Downloaded,
			"uploadRate":   ps.UploadRate,
			"downloadRate": ps.DownloadRate,
		}).Info("neighbor totals")
	}
}

// Done is closed once this peer and every neighbor hold the whole file.
func (d *download) Done() <-chan struct{} {
	return d.coord.Done()
}

func (d *download) Stats() stats.Stats {
	return d.stats
}

func (d *download) Neighbors() []peer.NeighborState {
	return d.coord.Neighbors()
}

func (d *download) GetServerPort() int {
	return d.sv.GetServerPort()
}
