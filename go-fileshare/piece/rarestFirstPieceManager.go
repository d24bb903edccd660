package piece

import (
	mapset "github.com/deckarep/golang-set"
)

type rarestFirst struct {
	pieceInfo []*pieceInfo
}

type pieceInfo struct {
	peers mapset.Set
}

// NewRarestFirst picks the candidate advertised by the fewest neighbors,
// breaking ties by lowest index.
func NewRarestFirst(numPieces int) Picker {
	pis := make([]*pieceInfo, 0, numPieces)
	for i := 0; i < numPieces; i++ {
		pis = append(pis, &pieceInfo{peers: mapset.NewThreadUnsafeSet()})
	}
	return &rarestFirst{pieceInfo: pis}
}

func (pm *rarestFirst) PieceHave(id string, pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(pm.pieceInfo) {
		return
	}
	pm.pieceInfo[pieceIndex].peers.Add(id)
}

func (pm *rarestFirst) PeerStopped(id string) {
	for _, pi := range pm.pieceInfo {
		pi.peers.Remove(id)
	}
}

func (pm *rarestFirst) availability(pieceIndex int) int {
	if pieceIndex < 0 || pieceIndex >= len(pm.pieceInfo) {
		return 0
	}
	return pm.pieceInfo[pieceIndex].peers.Cardinality()
}

func (pm *rarestFirst) Pick(id string, candidates []int) int {
	best := candidates[0]
	for _, pieceIndex := range candidates[1:] {
		if pm.availability(pieceIndex) < pm.availability(best) {
			best = pieceIndex
		}
	}
	return best
}
