package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

type Stats interface {
	GetTotals() (uploaded int, downloaded int, pieces int)
	GetPeerStats() (peerStats map[string]PeerStat)
	UpdatePeer(id string, uploaded int, downloaded int)
	PieceDownloaded()
	Tick() (uploadRate int, downloadRate int)
}

// PONDERATION_TIME is the number of ticks averaged into a rate.
const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	totals      Totals
	clientStats *activity
	peerStats   map[string]*peerStat
}

type Totals struct {
	Uploaded   int
	Downloaded int
	Pieces     int
}

// PeerStat is a copy of one neighbor's counters. Rates are bytes per tick
// averaged over the last PONDERATION_TIME ticks.
type PeerStat struct {
	Uploaded     int
	Downloaded   int
	UploadRate   int
	DownloadRate int
}

type activity struct {
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
	uploadRate       int
	downloadRate     int
}

type peerStat struct {
	activity
	uploaded   int
	downloaded int
}

func NewStats(pieces int) Stats {
	return &stats{
		totals:      Totals{Pieces: pieces},
		clientStats: &activity{},
		peerStats:   make(map[string]*peerStat),
	}
}

func (s *stats) GetTotals() (int, int, int) {
	s.Lock()
	defer s.Unlock()
	return s.totals.Uploaded, s.totals.Downloaded, s.totals.Pieces
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	ps, ok := s.peerStats[id]
	if !ok {
		ps = &peerStat{}
		s.peerStats[id] = ps
	}
	ps.currentUpload += uploaded
	ps.currentDownload += downloaded
	ps.uploaded += uploaded
	ps.downloaded += downloaded
	s.clientStats.currentUpload += uploaded
	s.clientStats.currentDownload += downloaded
	s.totals.Uploaded += uploaded
	s.totals.Downloaded += downloaded
}

func (s *stats) PieceDownloaded() {
	s.Lock()
	defer s.Unlock()
	s.totals.Pieces++
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

func (a *activity) roll() {
	a.uploadActivity[a.i] = a.currentUpload
	a.downloadActivity[a.i] = a.currentDownload
	underscore.Chain(a.uploadActivity[:]).Reduce(sumReduce, 0).Value(&a.uploadRate)
	a.uploadRate /= PONDERATION_TIME
	underscore.Chain(a.downloadActivity[:]).Reduce(sumReduce, 0).Value(&a.downloadRate)
	a.downloadRate /= PONDERATION_TIME
	a.i = (a.i + 1) % PONDERATION_TIME
	a.currentUpload = 0
	a.currentDownload = 0
}

// Tick closes the current measurement slot and returns the client's
// averaged upload and download rates.
func (s *stats) Tick() (int, int) {
	s.Lock()
	defer s.Unlock()

	for _, ps := range s.peerStats {
		ps.roll()
	}
	s.clientStats.roll()
	return s.clientStats.uploadRate, s.clientStats.downloadRate
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	out := make(map[string]PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		out[id] = PeerStat{
			Uploaded:     ps.uploaded,
			Downloaded:   ps.downloaded,
			UploadRate:   ps.uploadRate,
			DownloadRate: ps.downloadRate,
		}
	}
	return out
}
