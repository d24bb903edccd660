package bitfield

import (
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

var (
	ErrIndexOutOfRange = errors.New("piece index out of range")
	ErrPayloadLength   = errors.New("bitfield payload length mismatch")
)

// Bitfield records which pieces of the shared file an endpoint holds.
// Bit i lives in byte i/8 at position 7-(i%8), the order used on the wire.
// go-bitmap numbers bits from the low end of each byte, so indices are
// mirrored within their byte before reaching it.
type Bitfield struct {
	numPieces int
	bits      bitmap.Bitmap
}

// NumPieces returns ceil(fileSize/pieceSize).
func NumPieces(fileSize, pieceSize int) int {
	return (fileSize + pieceSize - 1) / pieceSize
}

func New(fileSize, pieceSize int, full bool) *Bitfield {
	if fileSize <= 0 || pieceSize <= 0 {
		panic("bitfield: file size and piece size must be positive")
	}
	return NewWithPieces(NumPieces(fileSize, pieceSize), full)
}

func NewWithPieces(numPieces int, full bool) *Bitfield {
	b := &Bitfield{
		numPieces: numPieces,
		bits:      make(bitmap.Bitmap, (numPieces+7)/8),
	}
	if full {
		for i := 0; i < numPieces; i++ {
			b.bits.Set(position(i), true)
		}
	}
	return b
}

func position(i int) int {
	return (i/8)*8 + 7 - i%8
}

func (b *Bitfield) check(i int) error {
	if i < 0 || i >= b.numPieces {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, pieces %d", i, b.numPieces)
	}
	return nil
}

func (b *Bitfield) Len() int {
	return b.numPieces
}

func (b *Bitfield) HasPiece(i int) (bool, error) {
	if err := b.check(i); err != nil {
		return false, err
	}
	return b.bits.Get(position(i)), nil
}

// Has is HasPiece for callers that already validated the index.
func (b *Bitfield) Has(i int) bool {
	ok, _ := b.HasPiece(i)
	return ok
}

func (b *Bitfield) SetPiece(i int) error {
	if err := b.check(i); err != nil {
		return err
	}
	b.bits.Set(position(i), true)
	return nil
}

func (b *Bitfield) Count() int {
	n := 0
	for i := 0; i < b.numPieces; i++ {
		if b.bits.Get(position(i)) {
			n++
		}
	}
	return n
}

func (b *Bitfield) IsComplete() bool {
	return b.Count() == b.numPieces
}

// InterestingPieces returns, in ascending order, the pieces other holds that b lacks.
func (b *Bitfield) InterestingPieces(other *Bitfield) []int {
	pieces := []int{}
	for i := 0; i < b.numPieces && i < other.numPieces; i++ {
		if other.Has(i) && !b.Has(i) {
			pieces = append(pieces, i)
		}
	}
	return pieces
}

// Payload copies the packed bytes for a BITFIELD message.
func (b *Bitfield) Payload() []byte {
	return append([]byte(nil), b.bits...)
}

// SetPayload replaces every bit with the received payload. The payload must
// be exactly ceil(numPieces/8) bytes.
func (b *Bitfield) SetPayload(payload []byte) error {
	if len(payload) != len(b.bits) {
		return errors.Wrapf(ErrPayloadLength, "got %d bytes, want %d", len(payload), len(b.bits))
	}
	copy(b.bits, payload)
	if spare := len(b.bits)*8 - b.numPieces; spare > 0 {
		b.bits[len(b.bits)-1] &= byte(0xFF << uint(spare))
	}
	return nil
}

func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{
		numPieces: b.numPieces,
		bits:      append(bitmap.Bitmap(nil), b.bits...),
	}
}
