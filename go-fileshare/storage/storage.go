package storage

import (
	"github.com/pkg/errors"
)

var (
	ErrPieceLength = errors.New("piece length mismatch")
	ErrPieceIndex  = errors.New("piece index out of range")
	ErrFileSize    = errors.New("existing file has the wrong size")
)

// Storage is the byte sink/source for the shared file, addressed by piece index.
type Storage interface {
	Init(hasFile bool) (err error)
	ReadPiece(pieceIndex int) (data []byte, err error)
	WritePiece(pieceIndex int, data []byte) (err error)
	PieceLength(pieceIndex int) (length int)
	NumPieces() (numPieces int)
	Close() (err error)
}
