package piece

import (
	"math/rand"
)

type sequential struct{}

// NewSequential always picks the lowest candidate index.
func NewSequential() Picker {
	return sequential{}
}

func (sequential) Pick(id string, candidates []int) int { return candidates[0] }
func (sequential) PieceHave(id string, pieceIndex int)  {}
func (sequential) PeerStopped(id string)                {}

type random struct {
	rng *rand.Rand
}

// NewRandom picks uniformly among the candidates.
func NewRandom(rng *rand.Rand) Picker {
	return &random{rng: rng}
}

func (r *random) Pick(id string, candidates []int) int {
	return candidates[r.rng.Intn(len(candidates))]
}

func (r *random) PieceHave(id string, pieceIndex int) {}
func (r *random) PeerStopped(id string)               {}
