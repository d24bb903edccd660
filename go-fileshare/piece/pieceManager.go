package piece

import (
	"math/rand"

	"github.com/pkg/errors"
)

const (
	SEQUENTIAL   = "sequential"
	RANDOM       = "random"
	RAREST_FIRST = "rarest"
)

var ErrUnknownPicker = errors.New("unknown piece picker")

// Picker chooses the next piece to request from a neighbor. Callers hold the
// coordinator lock, so implementations need no locking of their own.
type Picker interface {
	// Pick returns one of candidates, which are ascending and non-empty.
	Pick(id string, candidates []int) (pieceIndex int)
	// PieceHave records that neighbor id advertised pieceIndex.
	PieceHave(id string, pieceIndex int)
	// PeerStopped forgets the pieces advertised by id.
	PeerStopped(id string)
}

// NewPicker builds a picker by name. An empty name is sequential.
func NewPicker(name string, numPieces int, rng *rand.Rand) (Picker, error) {
	switch name {
	case "", SEQUENTIAL:
		return NewSequential(), nil
	case RANDOM:
		return NewRandom(rng), nil
	case RAREST_FIRST:
		return NewRarestFirst(numPieces), nil
	}
	return nil, errors.Wrapf(ErrUnknownPicker, "%q", name)
}
