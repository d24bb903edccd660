package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/config"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/download"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: peerProcess [flags] <peerID>\n")
	flag.PrintDefaults()
}

func main() {
	var commonPath, peersPath, dir, picker string
	var seed int64
	var progress, verbose bool
	flag.StringVar(&commonPath, "common", "Common.cfg", "common settings file")
	flag.StringVar(&peersPath, "peers", "PeerInfo.cfg", "peer roster file")
	flag.StringVar(&dir, "dir", ".", "directory holding the peer_<id> folders")
	flag.StringVar(&picker, "picker", "sequential", "piece picker: sequential, random or rarest")
	flag.Int64Var(&seed, "seed", 0, "seed for the choke policy, 0 is time based")
	flag.BoolVar(&progress, "progress", true, "show a progress bar")
	flag.BoolVarP(&verbose, "verbose", "v", false, "log frame traffic")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	peerID := flag.Arg(0)

	log, logOut, err := openLog(".", peerID, verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	code := 0
	if err := run(peerID, commonPath, peersPath, dir, picker, seed, progress, log); err != nil {
		log.WithError(err).Error("peer process failed")
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}
	logOut.Close()
	os.Exit(code)
}

// openLog truncates log_peer_<peerID>.log in dir and returns a logger
// writing to it.
func openLog(dir, peerID string, verbose bool) (*logrus.Logger, io.Closer, error) {
	logOut, err := os.Create(filepath.Join(dir, fmt.Sprintf("log_peer_%s.log", peerID)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating log file")
	}
	log := logrus.New()
	log.Out = logOut
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	}
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log, logOut, nil
}

func run(peerID, commonPath, peersPath, dir, picker string, seed int64, progress bool, log *logrus.Logger) error {
	fs := afero.NewOsFs()
	common, err := config.LoadCommon(fs, commonPath)
	if err != nil {
		return err
	}
	roster, err := config.LoadPeers(fs, peersPath)
	if err != nil {
		return err
	}

	d, err := download.NewDownload(download.Options{
		LocalID: peerID,
		Common:  common,
		Roster:  roster,
		Fs:      fs,
		Dir:     dir,
		Seed:    seed,
		Picker:  picker,
		Log:     log,
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	var bar *progressbar.ProgressBar
	if progress {
		numPieces := bitfield.NumPieces(common.FileSize, common.PieceSize)
		bar = progressbar.Default(int64(numPieces), fmt.Sprintf("peer %s pieces", peerID))
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.Done():
			updateBar(bar, d)
			log.Infof("Peer %s: every peer has the complete file, shutting down.", peerID)
			return nil
		case s := <-sig:
			log.Infof("Peer %s: received %s, shutting down.", peerID, s)
			return nil
		case <-ticker.C:
			updateBar(bar, d)
		}
	}
}

func updateBar(bar *progressbar.ProgressBar, d download.Download) {
	if bar == nil {
		return
	}
	_, _, pieces := d.Stats().GetTotals()
	bar.Set(pieces)
}
